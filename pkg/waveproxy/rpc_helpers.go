// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package waveproxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/errgroup"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/upstream"
)

// decodeProxyChannel converts a loosely-typed channel value (a JSON-derived
// map, or an already-typed config.Channel) into a config.Channel. Legacy
// bare-string apiKeys entries and RFC3339 promotionUntil strings are accepted.
func decodeProxyChannel(input interface{}) (*config.Channel, error) {
	if input == nil {
		return nil, fmt.Errorf("channel cannot be nil")
	}

	var ch config.Channel
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			config.APIKeyDecodeHook,
		),
		Result: &ch,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(input); err != nil {
		return nil, fmt.Errorf("invalid channel: %w", err)
	}

	ch.ID = strings.TrimSpace(ch.ID)
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	ch.Name = strings.TrimSpace(ch.Name)
	ch.ServiceType = strings.TrimSpace(ch.ServiceType)
	ch.BaseURL = strings.TrimSpace(ch.BaseURL)
	ch.AuthType = strings.TrimSpace(ch.AuthType)
	ch.Status = strings.TrimSpace(ch.Status)
	ch.Description = strings.TrimSpace(ch.Description)
	if ch.Status == "" {
		ch.Status = config.StatusActive
	}

	return &ch, nil
}

// configSliceForChannelType maps an RPC channelType to the config list it
// addresses. An empty type means the Claude messages list.
func configSliceForChannelType(cfg *config.Config, channelType string) (*[]config.Channel, error) {
	switch channelType {
	case "", "messages":
		return &cfg.Channels, nil
	case "responses":
		return &cfg.ResponseChannels, nil
	case "gemini":
		return &cfg.GeminiChannels, nil
	}
	return nil, fmt.Errorf("unknown channel type: %s", channelType)
}

// countConfigChannels totals the channels across all three lists.
func countConfigChannels(cfg *config.Config) int {
	if cfg == nil {
		return 0
	}
	return len(cfg.Channels) + len(cfg.ResponseChannels) + len(cfg.GeminiChannels)
}

// pingChannelBaseURLs probes every base URL concurrently over TCP (plus a TLS
// handshake for https) and reports the primary URL's latency. Failures on
// secondary URLs show up in the error summary but do not fail the probe.
func pingChannelBaseURLs(baseURLs []string, insecureSkipVerify bool) PingResult {
	if len(baseURLs) == 0 {
		return PingResult{Success: false, Error: "no base URL configured"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), upstream.PingTimeout)
	defer cancel()

	latencies := make([]int64, len(baseURLs))
	probeErrs := make([]error, len(baseURLs))

	g, gctx := errgroup.WithContext(ctx)
	for i, rawURL := range baseURLs {
		i, rawURL := i, rawURL
		g.Go(func() error {
			latencies[i], probeErrs[i] = pingBaseURL(gctx, rawURL, insecureSkipVerify)
			return nil
		})
	}
	_ = g.Wait()

	var failures []string
	for i, err := range probeErrs {
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", baseURLs[i], err))
		}
	}

	result := PingResult{
		Success:   probeErrs[0] == nil,
		LatencyMs: latencies[0],
	}
	if len(failures) > 0 {
		result.Error = strings.Join(failures, "; ")
	}
	return result
}

// probeTarget normalizes a configured base URL into a dialable host:port;
// a URL without scheme or port is taken as https on 443.
func probeTarget(baseURL string) (addr, scheme, host string, err error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return "", "", "", fmt.Errorf("empty base URL")
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "https://" + baseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", "", "", err
	}
	host = parsed.Hostname()
	if host == "" {
		return "", "", "", fmt.Errorf("invalid base URL: missing host")
	}
	scheme = parsed.Scheme
	if scheme == "" {
		scheme = "https"
	}
	port := parsed.Port()
	if port == "" {
		port = "443"
		if scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(host, port), scheme, host, nil
}

func pingBaseURL(ctx context.Context, baseURL string, insecureSkipVerify bool) (int64, error) {
	addr, scheme, host, err := probeTarget(baseURL)
	if err != nil {
		return 0, err
	}

	dialer := &net.Dialer{}
	start := time.Now()

	if scheme == "http" {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return 0, err
		}
		_ = conn.Close()
		return time.Since(start).Milliseconds(), nil
	}

	tlsDialer := &tls.Dialer{
		NetDialer: dialer,
		Config: &tls.Config{
			InsecureSkipVerify: insecureSkipVerify,
			ServerName:         host,
			MinVersion:         tls.VersionTLS12,
		},
	}
	conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, err
	}
	_ = conn.Close()
	return time.Since(start).Milliseconds(), nil
}
