// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy/channel"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/upstream"
)

// MessagesRequest is the partial view of a Claude Messages request the proxy
// needs for routing. The body is forwarded as received apart from model
// mapping.
type MessagesRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Messages  json.RawMessage `json:"messages"`
	System    json.RawMessage `json:"system,omitempty"`
	Stream    bool            `json:"stream"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Messages handles POST /v1/messages: Claude-dialect generation with channel
// failover and per-channel API key rotation.
func (h *Handlers) Messages() http.HandlerFunc {
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

		var req MessagesRequest
		if err := json.Unmarshal(body, &req); err != nil {
			ErrorResponse(w, http.StatusBadRequest, "invalid JSON request")
			return
		}

		requestID := newRequestID()
		userID := extractClaudeCodeSessionID(req.Metadata)
		if userID == "" {
			userID = strings.TrimSpace(r.Header.Get("x-user-id"))
		}

		parsed := gjson.ParseBytes(body)
		log.Debugf("[Messages] req=%s model=%s stream=%v messages=%d tools=%d user=%s",
			requestID, req.Model, req.Stream, parsed.Get("messages.#").Int(), parsed.Get("tools.#").Int(), userID)

		h.runFailover(w, r, requestID, failoverPlan{
			endpoint:    "messages",
			logPrefix:   "Messages",
			channelType: channel.ChannelTypeMessages,
			userID:      userID,
			stream:      req.Stream,
			record:      true,
			attempt: func(r *http.Request, requestID string, ch *config.Channel, affinityKey string) *upstreamAttemptResult {
				return h.messagesAttempt(r, requestID, ch, affinityKey, body, &req)
			},
		})
	}
}

func (h *Handlers) messagesAttempt(r *http.Request, requestID string, ch *config.Channel, affinityKey string, body []byte, req *MessagesRequest) *upstreamAttemptResult {
	baseURL, failure := channelBaseURL(ch)
	if failure != nil {
		return failure
	}

	model := mappedModel(ch, req.Model)
	upstreamBody := body
	if model != req.Model {
		// Rewrite only the model field; everything else passes through
		// byte-identical.
		if rewritten, err := sjson.SetBytes(body, "model", model); err == nil {
			upstreamBody = rewritten
		}
	}

	var url string
	switch strings.ToLower(strings.TrimSpace(ch.ServiceType)) {
	case "openai":
		url = buildOpenAICompatibleURL(baseURL, "/chat/completions")
	default:
		url = strings.TrimSuffix(baseURL, "/") + "/v1/messages"
	}

	return h.callUpstream(r, requestID, ch, upstreamCall{
		logPrefix: "Messages",
		endpoint:  "messages",
		url:       url,
		method:    http.MethodPost,
		body:      upstreamBody,
		stream:    req.Stream,
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
		parseUsage: parseClaudeUsage,
	}, affinityKey)
}

// parseClaudeUsage extracts token counts from a buffered Claude response.
func parseClaudeUsage(body []byte, result *upstreamAttemptResult) {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return
	}
	result.inputTokens = usage.Get("input_tokens").Int()
	result.outputTokens = usage.Get("output_tokens").Int()
	result.cacheRead = usage.Get("cache_read_input_tokens").Int()
	result.cacheCreate = usage.Get("cache_creation_input_tokens").Int()
}

// CountTokens handles POST /v1/messages/count_tokens with a local
// bytes/4 estimate. No upstream call is made; clients treat the count
// as advisory.
func (h *Handlers) CountTokens() http.HandlerFunc {
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

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]int{
			"input_tokens": len(body) / 4,
		})
	}
}
