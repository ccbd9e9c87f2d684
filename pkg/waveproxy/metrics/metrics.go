// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics tracks per-channel request outcomes for the proxy.
// Counters accumulate for the life of the process, while a short sliding
// window of recent attempts drives the derived rates so a recovered
// channel stops paying for stale failures.
package metrics

import (
	"sync"
	"time"
)

const (
	pruneInterval = 5 * time.Minute
	sampleMaxAge  = 24 * time.Hour
)

// ChannelMetrics is a point-in-time snapshot for one channel. Count and
// token fields accumulate forever; SuccessRate and AvgLatencyMs reflect
// only the recent-attempt window.
type ChannelMetrics struct {
	ChannelID           string     `json:"channelId"`
	RequestCount        int64      `json:"requestCount"`
	SuccessCount        int64      `json:"successCount"`
	FailureCount        int64      `json:"failureCount"`
	SuccessRate         float64    `json:"successRate"`
	ConsecutiveFailures int64      `json:"consecutiveFailures"`
	CircuitBroken       bool       `json:"circuitBroken"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	InputTokens         int64      `json:"inputTokens"`
	OutputTokens        int64      `json:"outputTokens"`
	CacheReadTokens     int64      `json:"cacheReadTokens"`
	CacheCreateTokens   int64      `json:"cacheCreateTokens"`
	CacheHitRate        float64    `json:"cacheHitRate"`
	AvgLatencyMs        float64    `json:"avgLatencyMs"`
}

// sample is one attempt in a channel's sliding window.
type sample struct {
	at        time.Time
	ok        bool
	latencyMs int64
}

// channelState pairs a channel's live snapshot with the window it is
// derived from.
type channelState struct {
	stats  *ChannelMetrics
	window []sample
}

// refreshDerived recomputes the window-scoped rates. An empty window
// zeroes them. Caller holds the manager write lock.
func (st *channelState) refreshDerived() {
	if st.stats.InputTokens > 0 {
		st.stats.CacheHitRate = float64(st.stats.CacheReadTokens) / float64(st.stats.InputTokens)
	}
	if len(st.window) == 0 {
		st.stats.SuccessRate = 0
		st.stats.AvgLatencyMs = 0
		return
	}
	succeeded := 0
	var latencySum int64
	for _, s := range st.window {
		if s.ok {
			succeeded++
		}
		latencySum += s.latencyMs
	}
	st.stats.SuccessRate = float64(succeeded) / float64(len(st.window))
	st.stats.AvgLatencyMs = float64(latencySum) / float64(len(st.window))
}

// Manager aggregates request outcomes across channels.
type Manager struct {
	mu sync.RWMutex

	windowSize       int     // samples kept per channel
	failureThreshold float64 // window failure rate at which IsFailureRateHigh flags

	channels map[string]*channelState

	totalRequests int64
	totalSuccess  int64
	totalFailures int64

	stopCh chan struct{}
}

// NewManager returns a manager keeping windowSize samples per channel and
// flagging channels whose window failure rate reaches failureThreshold.
// Out-of-range arguments fall back to 10 samples and a 0.5 threshold.
func NewManager(windowSize int, failureThreshold float64) *Manager {
	if windowSize < 3 {
		windowSize = 10
	}
	if failureThreshold <= 0 || failureThreshold > 1 {
		failureThreshold = 0.5
	}
	m := &Manager{
		windowSize:       windowSize,
		failureThreshold: failureThreshold,
		channels:         make(map[string]*channelState),
		stopCh:           make(chan struct{}),
	}
	go m.pruneLoop()
	return m
}

// Stop terminates the background pruning goroutine.
func (m *Manager) Stop() {
	close(m.stopCh)
}

// RecordRequest folds one attempt into the channel's counters and window.
func (m *Manager) RecordRequest(channelID string, success bool, latencyMs int64, inputTokens, outputTokens, cacheRead, cacheCreate int64) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(channelID)

	st.window = append(st.window, sample{at: now, ok: success, latencyMs: latencyMs})
	if excess := len(st.window) - m.windowSize; excess > 0 {
		st.window = st.window[excess:]
	}

	stats := st.stats
	stats.RequestCount++
	stats.InputTokens += inputTokens
	stats.OutputTokens += outputTokens
	stats.CacheReadTokens += cacheRead
	stats.CacheCreateTokens += cacheCreate

	if success {
		stats.SuccessCount++
		stats.ConsecutiveFailures = 0
		stats.LastSuccessAt = &now
		m.totalSuccess++
	} else {
		stats.FailureCount++
		stats.ConsecutiveFailures++
		stats.LastFailureAt = &now
		m.totalFailures++
	}
	m.totalRequests++

	st.refreshDerived()
}

// GetChannelMetrics returns a copy of the channel's snapshot. Unknown
// channels yield a zero snapshot rather than nil.
func (m *Manager) GetChannelMetrics(channelID string) *ChannelMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if st, ok := m.channels[channelID]; ok {
		snap := *st.stats
		return &snap
	}
	return &ChannelMetrics{ChannelID: channelID}
}

// GetAllChannelMetrics returns snapshot copies for every known channel.
func (m *Manager) GetAllChannelMetrics() map[string]*ChannelMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*ChannelMetrics, len(m.channels))
	for id, st := range m.channels {
		snap := *st.stats
		out[id] = &snap
	}
	return out
}

// GetGlobalStats reports process-wide totals across every channel.
func (m *Manager) GetGlobalStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var rate float64
	if m.totalRequests > 0 {
		rate = float64(m.totalSuccess) / float64(m.totalRequests)
	}

	return map[string]interface{}{
		"totalRequests": m.totalRequests,
		"successCount":  m.totalSuccess,
		"failureCount":  m.totalFailures,
		"successRate":   rate,
		"channelCount":  len(m.channels),
	}
}

// IsFailureRateHigh reports whether the channel's window failure rate has
// reached the configured threshold. Fewer than 3 window samples never
// flags.
func (m *Manager) IsFailureRateHigh(channelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.channels[channelID]
	if !ok || len(st.window) < 3 {
		return false
	}

	failed := 0
	for _, s := range st.window {
		if !s.ok {
			failed++
		}
	}
	return float64(failed)/float64(len(st.window)) >= m.failureThreshold
}

// SetCircuitBroken records the channel's breaker status for reporting.
func (m *Manager) SetCircuitBroken(channelID string, broken bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state(channelID).stats.CircuitBroken = broken
}

// ResetChannelMetrics discards everything known about a channel.
func (m *Manager) ResetChannelMetrics(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.channels, channelID)
}

// state returns the channel's state, creating it on first sight. Caller
// holds the write lock.
func (m *Manager) state(channelID string) *channelState {
	st, ok := m.channels[channelID]
	if !ok {
		st = &channelState{stats: &ChannelMetrics{ChannelID: channelID}}
		m.channels[channelID] = st
	}
	return st
}

// pruneLoop ages out stale window samples until Stop is called.
func (m *Manager) pruneLoop() {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.prune(time.Now().Add(-sampleMaxAge))
		case <-m.stopCh:
			return
		}
	}
}

// prune drops window samples recorded before cutoff and refreshes the
// rates derived from them. Cumulative counters are untouched.
func (m *Manager) prune(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, st := range m.channels {
		keep := st.window[:0]
		for _, s := range st.window {
			if s.at.After(cutoff) {
				keep = append(keep, s)
			}
		}
		if len(keep) == len(st.window) {
			continue
		}
		st.window = keep
		st.refreshDerived()
	}
}
