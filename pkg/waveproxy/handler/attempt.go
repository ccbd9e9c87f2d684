// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/upstream"
)

// upstreamAttemptResult is what one channel attempt reports to the failover
// loop. For streaming attempts, stream carries the (possibly prefixed)
// upstream body; its Close cancels the attempt context.
type upstreamAttemptResult struct {
	ok           bool
	statusCode   int
	headers      http.Header
	body         []byte
	stream       io.ReadCloser
	model        string
	apiKeyUsed   string
	inputTokens  int64
	outputTokens int64
	cacheRead    int64
	cacheCreate  int64
	errorMsg     string
	errorDetails string
}

// attemptFailure builds a canonical-envelope failure result.
func attemptFailure(statusCode int, message string) *upstreamAttemptResult {
	return &upstreamAttemptResult{
		ok:           false,
		statusCode:   statusCode,
		headers:      http.Header{"Content-Type": []string{"application/json"}},
		body:         jsonErrorResponse(statusCode, message).body,
		errorMsg:     message,
		errorDetails: message,
	}
}

// channelBaseURL returns the channel's primary base URL, or a ready-made
// failure result when none is configured.
func channelBaseURL(ch *config.Channel) (string, *upstreamAttemptResult) {
	baseURLs := ch.GetAllBaseURLs()
	if len(baseURLs) == 0 {
		return "", attemptFailure(http.StatusBadGateway, "no base URL configured for channel")
	}
	return baseURLs[0], nil
}

// upstreamCall describes one dialect-specific upstream request shape. The
// generic key-rotation, header, and error machinery lives in callUpstream.
type upstreamCall struct {
	logPrefix string // log message prefix, e.g. "Messages"
	endpoint  string // history rows: messages, responses, gemini, models
	url       string
	method    string
	body      []byte
	stream    bool
	timeout   time.Duration
	authType  string
	keyHeader string // dialect-native API-key header
	model     string // channel-mapped model, recorded in history rows

	// record enables per-key-failure history rows. Read-only endpoints
	// (models) keep history quiet.
	record bool

	// googleAuth widens passthrough credential lookup to X-Goog-Api-Key.
	googleAuth bool

	// prepare sets dialect headers after the generic client-header copy.
	prepare func(http.Header)

	// parseUsage extracts token usage from a buffered success body.
	parseUsage func([]byte, *upstreamAttemptResult)
}

// passthroughCredential pulls client-supplied credentials from the inbound
// request for channels with no configured keys.
func passthroughCredential(h http.Header, googleAuth bool) upstream.Credential {
	var cred upstream.Credential
	if googleAuth {
		cred.APIKey = strings.TrimSpace(h.Get("x-goog-api-key"))
	}
	if cred.APIKey == "" {
		cred.APIKey = strings.TrimSpace(h.Get("x-api-key"))
	}
	authHeader := strings.TrimSpace(h.Get("authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		cred.Bearer = strings.TrimSpace(authHeader[7:])
	}
	return cred
}

// callUpstream performs one channel attempt: it resolves credentials, walks
// the key rotation order, applies headers and auth, and normalizes failures.
// Key order is affinity first, then fresh keys, then keys in failure
// cooldown. 401/403/429 rotate to the next key; other failures return
// immediately so the failover loop can move to another channel.
func (h *Handlers) callUpstream(r *http.Request, requestID string, ch *config.Channel, call upstreamCall, affinityKey string) *upstreamAttemptResult {
	// Configured key entries, paused ones included, rule out passthrough
	// auth; only a channel with no entries forwards client credentials.
	hasConfiguredKeyEntries := len(ch.APIKeys) > 0
	enabledKeys := ch.EnabledAPIKeys()

	var passthrough upstream.Credential
	if !hasConfiguredKeyEntries {
		passthrough = passthroughCredential(r.Header, call.googleAuth)
		log.Debugf("[%s-Auth] req=%s passthrough mode: x-api-key=%v, auth=%v",
			call.logPrefix, requestID, passthrough.APIKey != "", passthrough.Bearer != "")
		if passthrough.IsZero() {
			return attemptFailure(http.StatusUnauthorized, "no authentication provided")
		}
	} else {
		if len(enabledKeys) == 0 {
			return attemptFailure(http.StatusUnauthorized, "no enabled API keys configured for channel")
		}
		log.Debugf("[%s-Auth] req=%s using channel configured API key(s): enabled=%d total=%d",
			call.logPrefix, requestID, len(enabledKeys), len(ch.APIKeys))
	}

	creds := []upstream.Credential{passthrough}
	if hasConfiguredKeyEntries {
		keys := h.channels.OrderKeysForAttempt(enabledKeys)
		keys = applyAffinityKeyOrder(keys, affinityKey)
		creds = creds[:0]
		for _, key := range keys {
			creds = append(creds, upstream.KeyCredential(key))
		}
	}

	client := upstream.ClientFor(ch)

	for keyIndex, cred := range creds {
		attemptStart := time.Now()
		ctx, cancel := context.WithTimeout(r.Context(), call.timeout)

		upstreamReq, err := http.NewRequestWithContext(ctx, call.method, call.url, bytes.NewReader(call.body))
		if err != nil {
			cancel()
			return attemptFailure(http.StatusInternalServerError, "failed to create upstream request")
		}

		// Client headers go through first (some upstreams gate on client
		// identity), then the dialect headers override.
		copyHeadersForUpstreamRequest(upstreamReq.Header, r.Header)
		upstreamReq.Header.Set("Content-Type", "application/json")
		if call.prepare != nil {
			call.prepare(upstreamReq.Header)
		}
		// Streaming attempts always advertise SSE; some proxies only emit
		// event streams when the Accept header asks for one.
		if call.stream && !strings.Contains(strings.ToLower(upstreamReq.Header.Get("accept")), "text/event-stream") {
			upstreamReq.Header.Set("Accept", "text/event-stream")
		}

		// copyHeadersForUpstreamRequest already drops Authorization and
		// X-Api-Key; the Gemini key header is controlled here as well.
		upstreamReq.Header.Del("X-Goog-Api-Key")
		apiKeyUsed := upstream.ApplyAuth(upstreamReq.Header, call.authType, call.keyHeader, cred)

		resp, err := client.Do(upstreamReq)
		if err != nil {
			cancel()
			log.Warnf("[%s] req=%s upstream error: channel=%s url=%s err=%v",
				call.logPrefix, requestID, ch.ID, redactURLForLogs(call.url), err)
			result := attemptFailure(http.StatusBadGateway, "upstream request failed")
			result.errorMsg = "upstream request failed: " + redactSecretsForLogs(err.Error())
			result.errorDetails = result.errorMsg
			result.model = call.model
			return result
		}

		log.Debugf("[%s] req=%s upstream response: channel=%s url=%s status=%d ct=%q header_ms=%d",
			call.logPrefix, requestID, ch.ID, redactURLForLogs(call.url),
			resp.StatusCode, resp.Header.Get("Content-Type"), time.Since(attemptStart).Milliseconds())

		if resp.StatusCode >= 400 {
			respBody, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			cancel()

			normalizedHeaders, normalizedBody := normalizeUpstreamErrorResponse(resp.StatusCode, resp.Header.Clone(), respBody)
			errMsg := extractErrorMessage(normalizedBody)
			if strings.TrimSpace(errMsg) == "" {
				errMsg = "upstream returned error"
			}
			errorDetails := bodySnippetForLogs(respBody, 8192)
			log.Warnf("[%s] req=%s upstream returned %d: channel=%s url=%s body=%s",
				call.logPrefix, requestID, resp.StatusCode, ch.ID, redactURLForLogs(call.url), bodySnippetForLogs(respBody, 2048))

			if hasConfiguredKeyEntries && isRetryableWithAnotherAPIKey(resp.StatusCode) {
				h.channels.MarkKeyFailed(cred.APIKey)
				if keyIndex < len(creds)-1 {
					if h.history != nil && call.record {
						h.history.RecordRequest(
							ch.ID,
							call.endpoint,
							call.model,
							false,
							time.Since(attemptStart).Milliseconds(),
							0,
							0,
							fmt.Sprintf("API key %d/%d failed: HTTP %d: %s", keyIndex+1, len(creds), resp.StatusCode, errMsg),
							errorDetails,
						)
					}
					log.Warnf("[%s-Auth] req=%s upstream returned %d; trying next API key (%d/%d)",
						call.logPrefix, requestID, resp.StatusCode, keyIndex+2, len(creds))
					continue
				}
			}

			return &upstreamAttemptResult{
				ok:           false,
				statusCode:   resp.StatusCode,
				headers:      normalizedHeaders,
				body:         normalizedBody,
				model:        call.model,
				errorMsg:     fmt.Sprintf("HTTP %d: %s", resp.StatusCode, errMsg),
				errorDetails: errorDetails,
			}
		}

		result := &upstreamAttemptResult{
			ok:         true,
			statusCode: resp.StatusCode,
			headers:    resp.Header.Clone(),
			model:      call.model,
			apiKeyUsed: apiKeyUsed,
		}

		if call.stream {
			stream, err := openAttemptStream(resp, cancel)
			if err != nil {
				log.Warnf("[%s] req=%s upstream stream ended before first byte: err=%v", call.logPrefix, requestID, err)
				failure := attemptFailure(http.StatusBadGateway, "upstream stream ended before first byte")
				failure.model = call.model
				return failure
			}
			result.stream = stream
			return result
		}

		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		if err != nil {
			failure := attemptFailure(http.StatusBadGateway, "failed to read upstream response")
			failure.model = call.model
			return failure
		}

		result.body = respBody
		if call.parseUsage != nil {
			call.parseUsage(respBody, result)
		}
		return result
	}

	failure := attemptFailure(http.StatusBadGateway, "upstream request failed")
	failure.model = call.model
	return failure
}

// openAttemptStream hands an upstream body to the caller after reading one
// byte from it, so a 200 whose body closes immediately surfaces as a failure
// instead of an empty event stream. Closing the returned stream cancels the
// attempt context.
func openAttemptStream(resp *http.Response, cancel context.CancelFunc) (io.ReadCloser, error) {
	body := cancelingReadCloser{ReadCloser: resp.Body, cancel: cancel}
	first := make([]byte, 1)
	n, err := body.Read(first)
	if n == 0 && err != nil {
		_ = body.Close()
		return nil, err
	}
	if n == 0 {
		return body, nil
	}
	return &replayReadCloser{pending: first[:n], ReadCloser: body}, nil
}

// cancelingReadCloser ties an attempt's context cancel to body close.
type cancelingReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelingReadCloser) Close() error {
	err := c.ReadCloser.Close()
	if c.cancel != nil {
		c.cancel()
	}
	return err
}

// replayReadCloser replays already-consumed bytes ahead of the wrapped body.
type replayReadCloser struct {
	pending []byte
	io.ReadCloser
}

func (p *replayReadCloser) Read(buf []byte) (int, error) {
	if len(p.pending) == 0 {
		return p.ReadCloser.Read(buf)
	}
	n := copy(buf, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}
