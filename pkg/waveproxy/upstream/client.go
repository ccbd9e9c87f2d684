// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream provides the shared HTTP client and credential handling for
// requests the proxy forwards to upstream AI services.
package upstream

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
)

// Per-attempt deadlines. Failover to another key or channel starts a fresh one.
const (
	GenerateTimeout = 5 * time.Minute
	ListTimeout     = 30 * time.Second
	PingTimeout     = 10 * time.Second
)

var (
	clientOnce     sync.Once
	sharedClient   *http.Client
	insecureClient *http.Client
)

func newTransport(insecureSkipVerify bool) *http.Transport {
	tr := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 50,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		// Bodies are relayed verbatim; transparent gzip would force the proxy
		// to decode before streaming.
		DisableCompression: true,
		ForceAttemptHTTP2:  true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if insecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return tr
}

func initClients() {
	clientOnce.Do(func() {
		sharedClient = &http.Client{Transport: newTransport(false)}
		insecureClient = &http.Client{Transport: newTransport(true)}
	})
}

// Client returns the shared pooled HTTP client. Deadlines come from
// per-attempt contexts, so the client itself carries no timeout.
func Client() *http.Client {
	initClients()
	return sharedClient
}

// ClientFor returns the shared client appropriate for a channel, honoring its
// insecureSkipVerify flag.
func ClientFor(ch *config.Channel) *http.Client {
	initClients()
	if ch != nil && ch.InsecureSkipVerify {
		return insecureClient
	}
	return sharedClient
}
