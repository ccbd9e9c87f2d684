// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package waveproxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
)

// The model-listing surface is OpenAI-shaped, so a stock OpenAI SDK pointed
// at the proxy has to work end to end: access-key auth at the front door,
// channel-key substitution at the back.
func TestOpenAISDKListModelsThroughProxy(t *testing.T) {
	var mu sync.Mutex
	var upstreamPaths []string
	var upstreamAuth []string

	fakeUpstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		upstreamPaths = append(upstreamPaths, r.URL.Path)
		upstreamAuth = append(upstreamAuth, r.Header.Get("Authorization"))
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/models":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"object": "list",
				"data": []map[string]interface{}{
					{"id": "gpt-test", "object": "model", "created": 1720000000, "owned_by": "waveproxy"},
					{"id": "gpt-mini", "object": "model", "created": 1720000001, "owned_by": "waveproxy"},
				},
			})
		case "/v1/models/gpt-test":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"id": "gpt-test", "object": "model", "created": 1720000000, "owned_by": "waveproxy",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer fakeUpstream.Close()

	cfg := config.DefaultConfig()
	cfg.AccessKey = "proxy-access-key"
	cfg.ResponseChannels = []config.Channel{{
		ID:          "chan-sdk",
		Name:        "SDK Upstream",
		ServiceType: "openai",
		BaseURL:     fakeUpstream.URL,
		Priority:    1,
		Status:      config.StatusActive,
		APIKeys:     []config.APIKey{{Key: "sk-upstream-key", Enabled: true}},
	}}
	p := newTestServer(t, cfg)

	front := httptest.NewServer(p.routes())
	defer front.Close()

	clientCfg := openai.DefaultConfig("proxy-access-key")
	clientCfg.BaseURL = front.URL + "/v1"
	client := openai.NewClientWithConfig(clientCfg)

	list, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels through proxy failed: %v", err)
	}
	if len(list.Models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(list.Models))
	}
	if list.Models[0].ID != "gpt-test" || list.Models[1].ID != "gpt-mini" {
		t.Fatalf("unexpected model ids: %q, %q", list.Models[0].ID, list.Models[1].ID)
	}
	if list.Models[0].OwnedBy != "waveproxy" {
		t.Fatalf("expected owned_by waveproxy, got %q", list.Models[0].OwnedBy)
	}

	model, err := client.GetModel(context.Background(), "gpt-test")
	if err != nil {
		t.Fatalf("GetModel through proxy failed: %v", err)
	}
	if model.ID != "gpt-test" {
		t.Fatalf("expected model id gpt-test, got %q", model.ID)
	}
	if model.CreatedAt != 1720000000 {
		t.Fatalf("expected created 1720000000, got %d", model.CreatedAt)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(upstreamPaths) != 2 {
		t.Fatalf("expected 2 upstream requests, got %d (%v)", len(upstreamPaths), upstreamPaths)
	}
	if upstreamPaths[0] != "/v1/models" || upstreamPaths[1] != "/v1/models/gpt-test" {
		t.Fatalf("unexpected upstream paths: %v", upstreamPaths)
	}
	for _, auth := range upstreamAuth {
		if auth != "Bearer sk-upstream-key" {
			t.Fatalf("upstream should see the channel key, got %q", auth)
		}
	}
}

func TestOpenAISDKRejectedWithoutAccessKey(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.AccessKey = "proxy-access-key"
	p := newTestServer(t, cfg)

	front := httptest.NewServer(p.routes())
	defer front.Close()

	clientCfg := openai.DefaultConfig("wrong-key")
	clientCfg.BaseURL = front.URL + "/v1"
	client := openai.NewClientWithConfig(clientCfg)

	_, err := client.ListModels(context.Background())
	if err == nil {
		t.Fatalf("expected auth error from proxy")
	}
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected openai.APIError, got %T: %v", err, err)
	}
	if apiErr.HTTPStatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", apiErr.HTTPStatusCode)
	}
	if apiErr.Message != "unauthorized" {
		t.Fatalf("expected unauthorized message, got %q", apiErr.Message)
	}
}
