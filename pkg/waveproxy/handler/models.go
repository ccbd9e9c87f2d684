// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"net/http"
	"strings"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy/channel"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/upstream"
)

// Models handles GET /v1/models: proxied model listing. The endpoint is
// OpenAI-shaped, so only openai-service responses channels qualify; other
// picks are excluded and selection retried. Listing is read-only and records
// no metrics or history.
func (h *Handlers) Models() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			ErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.runModelsFailover(w, r, "")
	}
}

// ModelDetail handles GET /v1/models/{id}.
func (h *Handlers) ModelDetail() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			ErrorResponse(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		modelID := modelIDFromPath(r.URL.Path)
		if modelID == "" {
			ErrorResponse(w, http.StatusBadRequest, "model id is required")
			return
		}
		h.runModelsFailover(w, r, modelID)
	}
}

// modelIDFromPath pulls the model id out of both the /v1-prefixed and bare
// detail paths.
func modelIDFromPath(path string) string {
	id := path
	if strings.HasPrefix(id, "/v1/models/") {
		id = strings.TrimPrefix(id, "/v1/models/")
	} else if strings.HasPrefix(id, "/models/") {
		id = strings.TrimPrefix(id, "/models/")
	}
	return strings.Trim(strings.TrimSpace(id), "/")
}

func (h *Handlers) runModelsFailover(w http.ResponseWriter, r *http.Request, modelID string) {
	requestID := newRequestID()
	userID := strings.TrimSpace(r.Header.Get("x-user-id"))

	endpointPath := "/models"
	if modelID != "" {
		endpointPath = "/models/" + modelID
	}

	h.runFailover(w, r, requestID, failoverPlan{
		endpoint:    "models",
		logPrefix:   "Models",
		channelType: channel.ChannelTypeResponses,
		userID:      userID,
		record:      false,
		skip: func(ch *config.Channel) bool {
			return strings.ToLower(strings.TrimSpace(ch.ServiceType)) != "openai"
		},
		attempt: func(r *http.Request, requestID string, ch *config.Channel, affinityKey string) *upstreamAttemptResult {
			return h.modelsAttempt(r, requestID, ch, endpointPath)
		},
	})
}

func (h *Handlers) modelsAttempt(r *http.Request, requestID string, ch *config.Channel, endpointPath string) *upstreamAttemptResult {
	baseURL, failure := channelBaseURL(ch)
	if failure != nil {
		return failure
	}

	return h.callUpstream(r, requestID, ch, upstreamCall{
		logPrefix: "Models",
		endpoint:  "models",
		url:       buildOpenAICompatibleURL(baseURL, endpointPath),
		method:    http.MethodGet,
		timeout:   upstream.ListTimeout,
		authType:  upstream.ResolveAuthType(ch),
		keyHeader: "X-Api-Key",
	}, "")
}
