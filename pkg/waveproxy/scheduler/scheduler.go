// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// Package scheduler picks the upstream channel for each request and tracks
// a circuit breaker per channel. Selection honors user affinity, promotion
// windows, and priority order, with half-open probes to detect recovery.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy/channel"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/metrics"
)

// CircuitState is the breaker position for one channel.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // passing traffic
	CircuitOpen                         // tripped, cooling down
	CircuitHalfOpen                     // probing for recovery
)

// CircuitBreaker holds the breaker bookkeeping for one channel.
type CircuitBreaker struct {
	State         CircuitState
	FailureCount  int
	LastFailure   time.Time
	LastSuccess   time.Time
	OpenedAt      time.Time
	HalfOpenTrips int
}

type keyAffinityEntry struct {
	apiKey    string
	expiresAt time.Time
}

// SchedulerConfig tunes the circuit breaker.
type SchedulerConfig struct {
	FailureThreshold    int           // consecutive retryable failures that trip the breaker
	SuccessThreshold    int           // half-open successes required to close it again
	OpenDuration        time.Duration // cooldown before an open breaker admits probes
	HalfOpenMaxAttempts int           // concurrent probes allowed while half-open
}

// DefaultSchedulerConfig returns the stock breaker tuning.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		OpenDuration:        30 * time.Second,
		HalfOpenMaxAttempts: 3,
	}
}

// Scheduler owns channel selection state: breakers, user-to-channel
// affinity, and user+channel-to-API-key affinity.
type Scheduler struct {
	mu sync.RWMutex

	channels *channel.Manager
	metrics  *metrics.Manager
	config   SchedulerConfig

	breakers map[string]*CircuitBreaker

	// userID -> channelID
	affinity map[string]string

	// userID|channelID -> apiKey
	keyAffinity map[string]keyAffinityEntry
}

// NewScheduler returns a scheduler with default breaker tuning.
func NewScheduler(channels *channel.Manager, metrics *metrics.Manager) *Scheduler {
	return &Scheduler{
		channels:    channels,
		metrics:     metrics,
		config:      DefaultSchedulerConfig(),
		breakers:    make(map[string]*CircuitBreaker),
		affinity:    make(map[string]string),
		keyAffinity: make(map[string]keyAffinityEntry),
	}
}

// SelectChannel picks the channel for a request in four passes: the user's
// pinned channel, promotion channels, priority order, and finally any
// half-open channel as a recovery probe. Every selection re-pins the user.
func (s *Scheduler) SelectChannel(channelType channel.ChannelType, userID string, excludeChannels map[string]bool) (*config.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.channels.GetActiveChannels(channelType)
	log.Debugf("[Scheduler] SelectChannel: type=%s, activeChannels=%d, excludeChannels=%v", channelType, len(active), excludeChannels)
	if len(active) == 0 {
		return nil, fmt.Errorf("no active channels available")
	}

	if userID != "" {
		if pinned, ok := s.affinity[userID]; ok {
			for _, info := range active {
				if info.ID != pinned || excludeChannels[info.ID] || !s.channelReady(info.ID) {
					continue
				}
				if ch := s.channels.GetChannel(channelType, info.Index); ch != nil {
					log.Debugf("[Scheduler-Affinity] Using affinity channel %s for user %s", info.Name, userID)
					return ch, nil
				}
			}
		}
	}

	for _, info := range active {
		if excludeChannels[info.ID] {
			continue
		}
		ch := s.channels.GetChannel(channelType, info.Index)
		if ch == nil || !ch.IsInPromotion() {
			continue
		}
		if !s.channelReady(info.ID) {
			continue
		}
		log.Debugf("[Scheduler-Promotion] Using promotion channel %s", info.Name)
		s.pinAffinity(userID, info.ID)
		return ch, nil
	}

	for _, info := range active {
		if excludeChannels[info.ID] || !s.channelReady(info.ID) {
			continue
		}
		if ch := s.channels.GetChannel(channelType, info.Index); ch != nil {
			log.Debugf("[Scheduler-Channel] Selected channel %s (priority %d)", info.Name, info.Priority)
			s.pinAffinity(userID, info.ID)
			return ch, nil
		}
	}

	// Everything is broken; route through a half-open channel anyway so
	// recovery has a chance to be observed.
	for _, info := range active {
		if excludeChannels[info.ID] {
			continue
		}
		if s.breakerFor(info.ID).State != CircuitHalfOpen {
			continue
		}
		if ch := s.channels.GetChannel(channelType, info.Index); ch != nil {
			log.Infof("[Scheduler-Recovery] Trying half-open channel %s", info.Name)
			s.pinAffinity(userID, info.ID)
			return ch, nil
		}
	}

	return nil, fmt.Errorf("all channels are unavailable or circuit broken")
}

// RecordSuccess feeds a successful request into the channel's breaker.
func (s *Scheduler) RecordSuccess(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.breakerFor(channelID)
	b.LastSuccess = time.Now()

	switch b.State {
	case CircuitClosed:
		b.FailureCount = 0
	case CircuitHalfOpen:
		b.FailureCount = 0
		b.HalfOpenTrips++
		if b.HalfOpenTrips >= s.config.SuccessThreshold {
			b.State = CircuitClosed
			b.HalfOpenTrips = 0
			s.publishBreakerState(channelID, false)
			log.Infof("[Scheduler-CircuitBreaker] Channel %s circuit closed after recovery", channelID)
		}
	}
}

// RecordFailure feeds a failed request into the channel's breaker.
// Non-retryable failures (bad request, bad credentials) stamp LastFailure
// but never count toward the trip threshold.
func (s *Scheduler) RecordFailure(channelID string, isRetryable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.breakerFor(channelID)
	b.LastFailure = time.Now()
	if !isRetryable {
		return
	}

	b.FailureCount++

	switch b.State {
	case CircuitClosed:
		if b.FailureCount < s.config.FailureThreshold {
			return
		}
		s.tripBreaker(channelID, b)
		log.Warnf("[Scheduler-CircuitBreaker] Channel %s circuit opened after %d failures", channelID, b.FailureCount)
	case CircuitHalfOpen:
		b.HalfOpenTrips = 0
		s.tripBreaker(channelID, b)
		log.Warnf("[Scheduler-CircuitBreaker] Channel %s circuit re-opened after half-open failure", channelID)
	}
}

// ResetCircuit force-closes a channel's breaker.
func (s *Scheduler) ResetCircuit(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[channelID]
	if !ok {
		return
	}
	b.State = CircuitClosed
	b.FailureCount = 0
	b.HalfOpenTrips = 0
	s.publishBreakerState(channelID, false)
	log.Infof("[Scheduler-CircuitBreaker] Channel %s circuit manually reset", channelID)
}

// GetCircuitState returns the breaker position for a channel. Channels
// never seen default to closed.
func (s *Scheduler) GetCircuitState(channelID string) CircuitState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.breakers[channelID]; ok {
		return b.State
	}
	return CircuitClosed
}

// GetSchedulerStats reports breaker and affinity state for the control
// plane.
func (s *Scheduler) GetSchedulerStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	breakers := make(map[string]map[string]interface{}, len(s.breakers))
	for channelID, b := range s.breakers {
		breakers[channelID] = map[string]interface{}{
			"state":         stateLabel(b.State),
			"failureCount":  b.FailureCount,
			"lastFailure":   b.LastFailure,
			"lastSuccess":   b.LastSuccess,
			"halfOpenTrips": b.HalfOpenTrips,
		}
	}

	return map[string]interface{}{
		"circuitBreakers": breakers,
		"affinityCount":   len(s.affinity),
		"config":          s.config,
	}
}

// ClearAffinity forgets a user's pinned channel.
func (s *Scheduler) ClearAffinity(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.affinity, userID)
}

// GetKeyAffinity returns the API key pinned for a user on a channel, if
// one is stored and unexpired. Expired entries are dropped on read.
func (s *Scheduler) GetKeyAffinity(userID string, channelID string) (string, bool) {
	if userID == "" || channelID == "" {
		return "", false
	}
	id := keyAffinityID(userID, channelID)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.keyAffinity[id]
	if !ok {
		return "", false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.keyAffinity, id)
		return "", false
	}
	return entry.apiKey, true
}

// SetKeyAffinity pins an API key for a user on a channel. A zero ttl pins
// without expiry; blank arguments are ignored.
func (s *Scheduler) SetKeyAffinity(userID string, channelID string, apiKey string, ttl time.Duration) {
	if userID == "" || channelID == "" || apiKey == "" {
		return
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyAffinity[keyAffinityID(userID, channelID)] = keyAffinityEntry{apiKey: apiKey, expiresAt: expiresAt}
}

// ClearKeyAffinity drops the pinned API key for a user on a channel.
func (s *Scheduler) ClearKeyAffinity(userID string, channelID string) {
	if userID == "" || channelID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keyAffinity, keyAffinityID(userID, channelID))
}

// channelReady reports whether the breaker admits traffic, moving an open
// circuit to half-open once its cooldown has elapsed. Caller holds the
// write lock.
func (s *Scheduler) channelReady(channelID string) bool {
	b := s.breakerFor(channelID)

	switch b.State {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		return b.HalfOpenTrips < s.config.HalfOpenMaxAttempts
	case CircuitOpen:
		if time.Since(b.OpenedAt) < s.config.OpenDuration {
			return false
		}
		b.State = CircuitHalfOpen
		b.HalfOpenTrips = 0
		log.Infof("[Scheduler-CircuitBreaker] Channel %s transitioning to half-open", channelID)
		return true
	}
	return false
}

// breakerFor returns the channel's breaker, creating a closed one on first
// sight. Caller holds the write lock.
func (s *Scheduler) breakerFor(channelID string) *CircuitBreaker {
	if b, ok := s.breakers[channelID]; ok {
		return b
	}
	b := &CircuitBreaker{State: CircuitClosed}
	s.breakers[channelID] = b
	return b
}

// tripBreaker opens the breaker and stamps the cooldown start.
func (s *Scheduler) tripBreaker(channelID string, b *CircuitBreaker) {
	b.State = CircuitOpen
	b.OpenedAt = time.Now()
	s.publishBreakerState(channelID, true)
}

// publishBreakerState mirrors breaker position into the channel's metrics
// snapshot.
func (s *Scheduler) publishBreakerState(channelID string, broken bool) {
	if s.metrics != nil {
		s.metrics.SetCircuitBroken(channelID, broken)
	}
}

// pinAffinity remembers the channel served to a user.
func (s *Scheduler) pinAffinity(userID string, channelID string) {
	if userID != "" {
		s.affinity[userID] = channelID
	}
}

func keyAffinityID(userID string, channelID string) string {
	return userID + "|" + channelID
}

func stateLabel(state CircuitState) string {
	switch state {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
