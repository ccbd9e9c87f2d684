// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy/channel"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/upstream"
)

// Gemini handles POST /v1beta/models/*: native Gemini passthrough. The
// request path and query are preserved upstream; streaming is inferred from
// the path.
func (h *Handlers) Gemini() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			ErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			ErrorResponse(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		requestID := newRequestID()
		model := extractGeminiModelFromPath(r.URL.Path)
		if model == "" {
			model = strings.TrimSpace(gjson.GetBytes(body, "model").String())
		}

		userID := extractGeminiSessionID(r.Header)
		if userID == "" {
			userID = strings.TrimSpace(r.Header.Get("x-user-id"))
		}
		isStream := strings.Contains(strings.ToLower(r.URL.Path), "streamgeneratecontent")

		log.Debugf("[Gemini] req=%s model=%s stream=%v path=%s user=%s",
			requestID, model, isStream, r.URL.Path, userID)

		h.runFailover(w, r, requestID, failoverPlan{
			endpoint:    "gemini",
			logPrefix:   "Gemini",
			channelType: channel.ChannelTypeGemini,
			userID:      userID,
			stream:      isStream,
			record:      true,
			attempt: func(r *http.Request, requestID string, ch *config.Channel, affinityKey string) *upstreamAttemptResult {
				return h.geminiAttempt(r, requestID, ch, affinityKey, body, model, isStream)
			},
		})
	}
}

func (h *Handlers) geminiAttempt(r *http.Request, requestID string, ch *config.Channel, affinityKey string, body []byte, model string, isStream bool) *upstreamAttemptResult {
	baseURL, failure := channelBaseURL(ch)
	if failure != nil {
		return failure
	}

	// Clients sometimes carry their own key in the query string; with
	// configured keys those parameters must not reach the upstream.
	rawQuery := r.URL.RawQuery
	if len(ch.APIKeys) > 0 {
		if strippedQuery, removedKeys := stripAuthQueryParams(rawQuery); len(removedKeys) > 0 {
			log.Debugf("[Gemini-Auth] req=%s stripped auth query params: channel=%s keys=%v",
				requestID, ch.ID, removedKeys)
			rawQuery = strippedQuery
		}
	}

	// serviceType is often blank on gemini channels; the default here is
	// the native key header, not ResolveAuthType's service-type fallback.
	authType := strings.ToLower(strings.TrimSpace(ch.AuthType))
	if authType == "" {
		authType = config.AuthTypeGoogAPIKey
	}

	return h.callUpstream(r, requestID, ch, upstreamCall{
		logPrefix:  "Gemini",
		endpoint:   "gemini",
		url:        buildGeminiCompatibleURL(baseURL, r.URL.Path, rawQuery),
		method:     r.Method,
		body:       body,
		stream:     isStream,
		timeout:    upstream.GenerateTimeout,
		authType:   authType,
		keyHeader:  "X-Goog-Api-Key",
		model:      model,
		record:     true,
		googleAuth: true,
		parseUsage: parseGeminiUsage,
	}, affinityKey)
}

// parseGeminiUsage extracts token counts from a buffered Gemini response.
func parseGeminiUsage(body []byte, result *upstreamAttemptResult) {
	usage := gjson.GetBytes(body, "usageMetadata")
	if !usage.Exists() {
		return
	}
	result.inputTokens = usage.Get("promptTokenCount").Int()
	result.outputTokens = usage.Get("candidatesTokenCount").Int()
	result.cacheRead = usage.Get("cachedContentTokenCount").Int()
}
