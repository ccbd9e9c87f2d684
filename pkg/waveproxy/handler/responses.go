// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy/bridge"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/channel"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/upstream"
)

// Responses handles POST /v1/responses and /v1/responses/compact: OpenAI
// Responses dialect. openai channels get a passthrough proxy; claude channels
// are bridged onto the Messages API with server-side session state.
func (h *Handlers) Responses() http.HandlerFunc {
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

		req, err := bridge.ParseRequest(body)
		if err != nil {
			ErrorResponse(w, http.StatusBadRequest, "invalid JSON request")
			return
		}

		requestID := newRequestID()
		userID := responsesUserID(req, r.Header)

		// Codex calls /responses/compact for context compaction; the suffix
		// must survive into the upstream URL.
		endpointPath := "/responses"
		if strings.HasSuffix(r.URL.Path, "/compact") {
			endpointPath = "/responses/compact"
		}

		log.Debugf("[Responses] req=%s model=%s stream=%v prev=%s user=%s",
			requestID, req.Model, req.Stream, req.PreviousResponseID, userID)

		h.runFailover(w, r, requestID, failoverPlan{
			endpoint:    "responses",
			logPrefix:   "Responses",
			channelType: channel.ChannelTypeResponses,
			userID:      userID,
			stream:      req.Stream,
			record:      true,
			attempt: func(r *http.Request, requestID string, ch *config.Channel, affinityKey string) *upstreamAttemptResult {
				if strings.ToLower(strings.TrimSpace(ch.ServiceType)) == "openai" {
					return h.openAIResponsesAttempt(r, requestID, ch, affinityKey, body, req, endpointPath)
				}
				return h.bridgedResponsesAttempt(r, requestID, ch, affinityKey, req)
			},
		})
	}
}

func responsesUserID(req *bridge.Request, headers http.Header) string {
	if req.PromptCacheKey != "" {
		return "codex_" + req.PromptCacheKey
	}
	if req.PreviousResponseID != "" {
		return req.PreviousResponseID
	}
	return strings.TrimSpace(headers.Get("x-user-id"))
}

// openAIResponsesAttempt forwards the Responses request as-is to an
// openai-service channel.
func (h *Handlers) openAIResponsesAttempt(r *http.Request, requestID string, ch *config.Channel, affinityKey string, body []byte, req *bridge.Request, endpointPath string) *upstreamAttemptResult {
	baseURL, failure := channelBaseURL(ch)
	if failure != nil {
		return failure
	}

	model := mappedModel(ch, req.Model)
	upstreamBody := body
	if model != req.Model {
		if rewritten, err := sjson.SetBytes(body, "model", model); err == nil {
			upstreamBody = rewritten
		}
	}

	return h.callUpstream(r, requestID, ch, upstreamCall{
		logPrefix:  "Responses",
		endpoint:   "responses",
		url:        buildOpenAICompatibleURL(baseURL, endpointPath),
		method:     http.MethodPost,
		body:       upstreamBody,
		stream:     req.Stream,
		timeout:    upstream.GenerateTimeout,
		authType:   upstream.ResolveAuthType(ch),
		keyHeader:  "X-Api-Key",
		model:      model,
		record:     true,
		parseUsage: parseResponsesUsage,
	}, affinityKey)
}

// parseResponsesUsage extracts token counts from a buffered Responses body.
func parseResponsesUsage(body []byte, result *upstreamAttemptResult) {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return
	}
	result.inputTokens = usage.Get("input_tokens").Int()
	result.outputTokens = usage.Get("output_tokens").Int()
}

// bridgedResponsesAttempt serves the Responses request from a claude-service
// channel: session history plus the new input becomes a Claude Messages call,
// and the reply is folded back into a Responses envelope. Bridged calls are
// always non-streaming upstream.
func (h *Handlers) bridgedResponsesAttempt(r *http.Request, requestID string, ch *config.Channel, affinityKey string, req *bridge.Request) *upstreamAttemptResult {
	baseURL, failure := channelBaseURL(ch)
	if failure != nil {
		return failure
	}

	model := mappedModel(ch, req.Model)
	ex := h.bridge.Prepare(req, model)
	log.Debugf("[Responses-Bridge] req=%s session=%s new=%v", requestID, ex.SessionID, ex.NewSession)

	result := h.callUpstream(r, requestID, ch, upstreamCall{
		logPrefix: "Responses",
		endpoint:  "responses",
		url:       strings.TrimSuffix(baseURL, "/") + "/v1/messages",
		method:    http.MethodPost,
		body:      ex.ClaudeBody,
		stream:    false,
		timeout:   upstream.GenerateTimeout,
		authType:  upstream.ResolveAuthType(ch),
		keyHeader: "X-Api-Key",
		model:     model,
		record:    true,
		prepare: func(headers http.Header) {
			if headers.Get("anthropic-version") == "" {
				headers.Set("anthropic-version", "2023-06-01")
			}
		},
	}, affinityKey)
	if !result.ok {
		return result
	}

	envelope, responseID, usage, err := h.bridge.Complete(ex, result.body)
	if err != nil {
		log.Warnf("[Responses-Bridge] req=%s failed to parse upstream response: %v", requestID, err)
		parseFailure := attemptFailure(http.StatusBadGateway, "failed to parse upstream response")
		parseFailure.errorDetails = bodySnippetForLogs(result.body, 8192)
		parseFailure.model = model
		return parseFailure
	}

	log.Infof("[Responses-Bridge] req=%s session=%s response=%s in=%d out=%d",
		requestID, ex.SessionID, responseID, usage.InputTokens, usage.OutputTokens)

	result.statusCode = http.StatusOK
	result.headers = http.Header{"Content-Type": []string{"application/json"}}
	result.body = envelope
	result.inputTokens = usage.InputTokens
	result.outputTokens = usage.OutputTokens
	result.cacheRead = usage.CacheReadTokens
	result.cacheCreate = usage.CacheCreateTokens
	return result
}
