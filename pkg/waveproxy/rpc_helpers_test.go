// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package waveproxy

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
)

func TestDecodeProxyChannelFromMap(t *testing.T) {
	input := map[string]interface{}{
		"name":        "  GLM Relay  ",
		"serviceType": "claude",
		"baseUrl":     "https://api.example.com",
		"priority":    "2",
		"apiKeys": []interface{}{
			"sk-legacy-string",
			map[string]interface{}{"key": "sk-object", "enabled": false},
		},
		"promotionUntil": "2026-03-01T12:00:00Z",
		"modelMapping":   map[string]interface{}{"claude-sonnet-4-5": "glm-4.6"},
	}

	ch, err := decodeProxyChannel(input)
	if err != nil {
		t.Fatalf("decodeProxyChannel failed: %v", err)
	}

	if _, err := uuid.Parse(ch.ID); err != nil {
		t.Fatalf("expected generated UUID for missing id, got %q: %v", ch.ID, err)
	}
	if ch.Name != "GLM Relay" {
		t.Fatalf("expected trimmed name, got %q", ch.Name)
	}
	if ch.Status != config.StatusActive {
		t.Fatalf("expected status to default to active, got %q", ch.Status)
	}
	if ch.Priority != 2 {
		t.Fatalf("expected weakly-typed priority 2, got %d", ch.Priority)
	}
	if len(ch.APIKeys) != 2 {
		t.Fatalf("expected 2 API keys, got %d", len(ch.APIKeys))
	}
	if ch.APIKeys[0].Key != "sk-legacy-string" || !ch.APIKeys[0].Enabled {
		t.Fatalf("legacy string key decoded wrong: %+v", ch.APIKeys[0])
	}
	if ch.APIKeys[1].Key != "sk-object" || ch.APIKeys[1].Enabled {
		t.Fatalf("object key decoded wrong: %+v", ch.APIKeys[1])
	}
	if ch.PromotionUntil == nil {
		t.Fatalf("expected promotionUntil to parse")
	}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !ch.PromotionUntil.Equal(want) {
		t.Fatalf("expected promotionUntil %v, got %v", want, ch.PromotionUntil)
	}
	if ch.ModelMapping["claude-sonnet-4-5"] != "glm-4.6" {
		t.Fatalf("model mapping lost: %+v", ch.ModelMapping)
	}
}

func TestDecodeProxyChannelFromTypedChannel(t *testing.T) {
	input := config.Channel{
		ID:      "  chan-fixed  ",
		Name:    "Typed",
		BaseURL: "https://api.example.com",
		APIKeys: []config.APIKey{{Key: "sk-typed", Enabled: true}},
	}

	ch, err := decodeProxyChannel(input)
	if err != nil {
		t.Fatalf("decodeProxyChannel failed: %v", err)
	}
	if ch.ID != "chan-fixed" {
		t.Fatalf("expected existing id to be kept and trimmed, got %q", ch.ID)
	}
	if ch.Status != config.StatusActive {
		t.Fatalf("expected blank status to default to active, got %q", ch.Status)
	}
	if len(ch.APIKeys) != 1 || ch.APIKeys[0].Key != "sk-typed" {
		t.Fatalf("typed API keys lost: %+v", ch.APIKeys)
	}
}

func TestDecodeProxyChannelRejectsNil(t *testing.T) {
	if _, err := decodeProxyChannel(nil); err == nil {
		t.Fatalf("expected error for nil channel")
	}
}

func TestConfigSliceForChannelType(t *testing.T) {
	cfg := config.DefaultConfig()

	slice, err := configSliceForChannelType(cfg, "")
	if err != nil || slice != &cfg.Channels {
		t.Fatalf("empty type should select messages channels: %v", err)
	}
	slice, err = configSliceForChannelType(cfg, "messages")
	if err != nil || slice != &cfg.Channels {
		t.Fatalf("messages type should select messages channels: %v", err)
	}
	slice, err = configSliceForChannelType(cfg, "responses")
	if err != nil || slice != &cfg.ResponseChannels {
		t.Fatalf("responses type should select response channels: %v", err)
	}
	slice, err = configSliceForChannelType(cfg, "gemini")
	if err != nil || slice != &cfg.GeminiChannels {
		t.Fatalf("gemini type should select gemini channels: %v", err)
	}
	if _, err := configSliceForChannelType(cfg, "bogus"); err == nil {
		t.Fatalf("expected error for unknown channel type")
	}
}

func TestCountConfigChannels(t *testing.T) {
	if got := countConfigChannels(nil); got != 0 {
		t.Fatalf("expected 0 for nil config, got %d", got)
	}
	cfg := config.DefaultConfig()
	cfg.Channels = make([]config.Channel, 2)
	cfg.ResponseChannels = make([]config.Channel, 1)
	cfg.GeminiChannels = make([]config.Channel, 3)
	if got := countConfigChannels(cfg); got != 6 {
		t.Fatalf("expected 6, got %d", got)
	}
}

func TestPingChannelBaseURLs(t *testing.T) {
	t.Run("noURLs", func(t *testing.T) {
		result := pingChannelBaseURLs(nil, false)
		if result.Success {
			t.Fatalf("expected failure for empty URL list")
		}
		if result.Error != "no base URL configured" {
			t.Fatalf("unexpected error text: %q", result.Error)
		}
	})

	t.Run("plainTCP", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer srv.Close()

		result := pingChannelBaseURLs([]string{srv.URL}, false)
		if !result.Success {
			t.Fatalf("expected ping success against live listener: %s", result.Error)
		}
		if result.LatencyMs < 0 {
			t.Fatalf("negative latency: %d", result.LatencyMs)
		}
	})

	t.Run("tlsInsecureSkipVerify", func(t *testing.T) {
		srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer srv.Close()

		result := pingChannelBaseURLs([]string{srv.URL}, true)
		if !result.Success {
			t.Fatalf("expected handshake to succeed with verification off: %s", result.Error)
		}
	})

	t.Run("tlsSelfSignedRejected", func(t *testing.T) {
		srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer srv.Close()

		result := pingChannelBaseURLs([]string{srv.URL}, false)
		if result.Success {
			t.Fatalf("expected handshake failure against self-signed cert")
		}
		if result.Error == "" {
			t.Fatalf("expected error detail for failed probe")
		}
	})

	// Secondary failures are reported but do not fail the probe.
	t.Run("secondaryFailureKeepsPrimarySuccess", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer srv.Close()

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("failed to reserve port: %v", err)
		}
		deadAddr := "http://" + ln.Addr().String()
		ln.Close()

		result := pingChannelBaseURLs([]string{srv.URL, deadAddr}, false)
		if !result.Success {
			t.Fatalf("primary probe should succeed: %s", result.Error)
		}
		if !strings.Contains(result.Error, ln.Addr().String()) {
			t.Fatalf("expected secondary failure in error summary, got %q", result.Error)
		}
	})
}
