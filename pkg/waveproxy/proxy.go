// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// Package waveproxy implements the local multi-channel AI API proxy.
// It routes Claude Messages, OpenAI Responses, and Gemini dialect traffic
// across prioritized upstream channels with circuit breaking, API key
// rotation, and Responses-to-Claude protocol bridging.
package waveproxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy/bridge"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/channel"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/handler"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/history"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/metrics"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/scheduler"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/session"
)

// historyMaxRecords bounds the in-memory request history ring.
const historyMaxRecords = 1000

// ProxyServer is one listening proxy instance together with the managers
// that back it.
type ProxyServer struct {
	mu sync.RWMutex

	config    *config.Config
	server    *http.Server
	scheduler *scheduler.Scheduler
	metrics   *metrics.Manager
	sessions  *session.Manager
	channels  *channel.Manager
	history   *history.Manager
	handlers  *handler.Handlers

	running   bool
	startedAt time.Time
	stopCh    chan struct{}
}

// ProxyStatus is a point-in-time view of a server.
type ProxyStatus struct {
	Running      bool      `json:"running"`
	Port         int       `json:"port"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
	Uptime       string    `json:"uptime,omitempty"`
	Version      string    `json:"version"`
	ChannelCount int       `json:"channelCount"`
}

// Version information, overridable via -ldflags at build time.
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// New assembles a server and its managers from cfg. A nil cfg gets
// defaults.
func New(cfg *config.Config) (*ProxyServer, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	log.Infof("[WaveProxy-New] Creating server with config: %d channels, %d response channels, %d gemini channels",
		len(cfg.Channels), len(cfg.ResponseChannels), len(cfg.GeminiChannels))

	channelMgr := channel.NewManager()
	channelMgr.LoadChannels(cfg)

	log.Infof("[WaveProxy-New] ChannelManager created, total channels: %d", channelMgr.Count())

	metricsMgr := metrics.NewManager(cfg.MetricsWindowSize, cfg.MetricsFailureThreshold)
	sessionMgr := session.NewManager(cfg.SessionMaxAge, cfg.SessionMaxMessages, cfg.SessionMaxTokens)
	historyMgr := history.NewManager(historyMaxRecords)
	sched := scheduler.NewScheduler(channelMgr, metricsMgr)
	handlers := handler.New(sched, channelMgr, metricsMgr, historyMgr, bridge.New(sessionMgr))

	return &ProxyServer{
		config:    cfg,
		channels:  channelMgr,
		metrics:   metricsMgr,
		sessions:  sessionMgr,
		history:   historyMgr,
		scheduler: sched,
		handlers:  handlers,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start binds 127.0.0.1:port and begins serving.
func (p *ProxyServer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("proxy server is already running")
	}

	// Local-only listener. The proxy fronts API keys, so it must never be
	// reachable from outside the machine.
	addr := fmt.Sprintf("127.0.0.1:%d", p.config.Port)
	p.server = &http.Server{
		Addr:         addr,
		Handler:      p.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // streaming responses can run for minutes
		IdleTimeout:  120 * time.Second,
	}

	// Bind before serving; a taken port must fail Start, not the goroutine.
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		log.Infof("[WaveProxy] Starting server on %s", addr)
		if err := p.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("[WaveProxy] Server error: %v", err)
		}
	}()

	p.running = true
	p.startedAt = time.Now()
	p.stopCh = make(chan struct{})

	log.Infof("[WaveProxy] Server started successfully")
	return nil
}

// routes builds the router. Handlers do their own method checks so that
// unsupported methods get the canonical error envelope rather than the
// router's plain-text default.
func (p *ProxyServer) routes() *mux.Router {
	r := mux.NewRouter()
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return handler.AuthMiddleware(p.config, next)
	}

	r.HandleFunc("/health", handler.HealthHandler())

	// Aliases without /v1 serve clients that treat base_url as .../v1 and
	// append bare endpoint paths.
	for _, path := range []string{"/v1/messages", "/messages"} {
		r.HandleFunc(path, auth(p.handlers.Messages()))
	}
	for _, path := range []string{"/v1/messages/count_tokens", "/messages/count_tokens"} {
		r.HandleFunc(path, auth(p.handlers.CountTokens()))
	}
	for _, path := range []string{"/v1/responses", "/responses", "/v1/responses/compact", "/responses/compact"} {
		r.HandleFunc(path, auth(p.handlers.Responses()))
	}
	for _, path := range []string{"/v1/models", "/models"} {
		r.HandleFunc(path, auth(p.handlers.Models()))
	}
	r.PathPrefix("/v1/models/").HandlerFunc(auth(p.handlers.ModelDetail()))
	r.PathPrefix("/models/").HandlerFunc(auth(p.handlers.ModelDetail()))

	// Gemini keeps its native path shape, model and action embedded.
	r.PathPrefix("/v1beta/models/").HandlerFunc(auth(p.handlers.Gemini()))

	r.NotFoundHandler = handler.NotFoundHandler()
	return r
}

// Stop drains in-flight requests (bounded at 10s) and stops the managers.
func (p *ProxyServer) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return fmt.Errorf("proxy server is not running")
	}

	log.Infof("[WaveProxy] Stopping server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := p.server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("[WaveProxy] Error during shutdown: %v", err)
	}

	p.metrics.Stop()
	p.sessions.Stop()
	p.history.Stop()
	p.channels.Stop()

	close(p.stopCh)
	p.running = false

	log.Infof("[WaveProxy] Server stopped")
	return nil
}

// Status reports the server's current state.
func (p *ProxyServer) Status() ProxyStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := ProxyStatus{
		Running:      p.running,
		Port:         p.config.Port,
		Version:      Version,
		ChannelCount: p.channels.Count(),
	}
	if p.running {
		st.StartedAt = p.startedAt
		st.Uptime = time.Since(p.startedAt).Round(time.Second).String()
	}
	return st
}

func (p *ProxyServer) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *ProxyServer) GetConfig() *config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

func (p *ProxyServer) GetChannelManager() *channel.Manager {
	return p.channels
}

func (p *ProxyServer) GetMetricsManager() *metrics.Manager {
	return p.metrics
}

func (p *ProxyServer) GetScheduler() *scheduler.Scheduler {
	return p.scheduler
}

func (p *ProxyServer) GetHistoryManager() *history.Manager {
	return p.history
}

// ReloadConfig swaps in a new configuration and reloads the channel lists.
// The access key and port seen by running handlers are fixed at Start time;
// changing those requires a restart.
func (p *ProxyServer) ReloadConfig(cfg *config.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if p.running {
		// Listen port and access key are fixed for the life of the server.
		cfg.Port = p.config.Port
		cfg.AccessKey = p.config.AccessKey
	}

	p.config = cfg
	p.channels.LoadChannels(cfg)
	log.Infof("[WaveProxy] Configuration reloaded: %d channels", p.channels.Count())
	return nil
}
