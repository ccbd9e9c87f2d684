// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestModelsListSkipsNonOpenAIChannels(t *testing.T) {
	claude, claudeSeen := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"object":"list","data":[]}`)
	})
	openAI, openAISeen := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"object":"list","data":[{"id":"gpt-test","object":"model","owned_by":"test"}]}`)
	})

	// The claude channel outranks the openai one, but the models endpoint is
	// OpenAI-shaped, so it must be skipped without burning a retry.
	env := newTestEnv(t, responsesConfig(
		keyedChannel("chan-c", "claude", claude.URL, 1, "key-c"),
		keyedChannel("chan-o", "openai", openAI.URL, 2, "key-o"),
	))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	env.handlers.Models()(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body %s)", w.Code, w.Body.String())
	}
	if len(claudeSeen()) != 0 {
		t.Fatalf("claude channel must be skipped for models, got %d requests", len(claudeSeen()))
	}
	requests := openAISeen()
	if len(requests) != 1 {
		t.Fatalf("expected 1 request to openai channel, got %d", len(requests))
	}
	if requests[0].method != http.MethodGet || requests[0].path != "/v1/models" {
		t.Fatalf("expected GET /v1/models upstream, got %s %s", requests[0].method, requests[0].path)
	}
	if got := requests[0].header.Get("Authorization"); got != "Bearer key-o" {
		t.Fatalf("expected bearer auth, got %q", got)
	}

	// Listing is read-only: no metrics, no history.
	if m := env.metrics.GetChannelMetrics("chan-o"); m != nil && m.RequestCount != 0 {
		t.Fatalf("models listing must not record metrics, got %+v", m)
	}
	if _, total := env.history.GetHistory("", 10, 0, ""); total != 0 {
		t.Fatalf("models listing must not record history, got %d rows", total)
	}
}

func TestModelDetailForwardsModelID(t *testing.T) {
	srv, seen := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"gpt-test","object":"model","owned_by":"test"}`)
	})

	env := newTestEnv(t, responsesConfig(
		keyedChannel("chan-o", "openai", srv.URL, 1, "key-o"),
	))

	for _, target := range []string{"/v1/models/gpt-test", "/models/gpt-test"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		env.handlers.ModelDetail()(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", target, w.Code)
		}
	}

	requests := seen()
	if len(requests) != 2 {
		t.Fatalf("expected 2 upstream requests, got %d", len(requests))
	}
	for i, r := range requests {
		if r.path != "/v1/models/gpt-test" {
			t.Fatalf("request %d: expected /v1/models/gpt-test upstream, got %q", i, r.path)
		}
	}
}

func TestModelDetailRequiresModelID(t *testing.T) {
	env := newTestEnv(t, responsesConfig())

	req := httptest.NewRequest(http.MethodGet, "/v1/models/", nil)
	w := httptest.NewRecorder()
	env.handlers.ModelDetail()(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing model id, got %d", w.Code)
	}
	_, msg := decodeErrorEnvelope(t, w.Body.Bytes())
	if msg != "model id is required" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestModelsWithoutOpenAIChannelIs503(t *testing.T) {
	srv, seen := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"object":"list","data":[]}`)
	})

	env := newTestEnv(t, responsesConfig(
		keyedChannel("chan-c", "claude", srv.URL, 1, "key-c"),
	))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	env.handlers.Models()(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no eligible channels, got %d", w.Code)
	}
	if len(seen()) != 0 {
		t.Fatalf("no upstream should be called, got %d requests", len(seen()))
	}
}

func TestModelsMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, responsesConfig())

	req := httptest.NewRequest(http.MethodPost, "/v1/models", nil)
	w := httptest.NewRecorder()
	env.handlers.Models()(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}
