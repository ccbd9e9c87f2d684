// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// Package channel holds the runtime channel lists for each API dialect and
// the per-key failure cooldowns used to order key attempts.
package channel

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
)

// ChannelType names the API dialect a request arrived in.
type ChannelType string

const (
	ChannelTypeMessages  ChannelType = "messages"
	ChannelTypeResponses ChannelType = "responses"
	ChannelTypeGemini    ChannelType = "gemini"
)

// ChannelInfo is the scheduler's view of one channel: enough to rank it
// without copying the full config entry.
type ChannelInfo struct {
	Index    int
	ID       string
	Name     string
	Priority int
	Status   string
}

// Manager holds the channel lists loaded from config and tracks API keys
// that recently failed.
type Manager struct {
	mu sync.RWMutex

	// One list per dialect, replaced wholesale by LoadChannels.
	channels         []config.Channel
	responseChannels []config.Channel
	geminiChannels   []config.Channel

	failedKeys      map[string]*FailedKey
	keyRecoveryTime time.Duration
	maxFailureCount int

	stopCh chan struct{}
}

// FailedKey records when an API key last failed and how often.
type FailedKey struct {
	Timestamp    time.Time
	FailureCount int
}

// NewManager returns an empty manager and starts the failure-record janitor.
func NewManager() *Manager {
	m := &Manager{
		failedKeys:      make(map[string]*FailedKey),
		keyRecoveryTime: 5 * time.Minute,
		maxFailureCount: 3,
		stopCh:          make(chan struct{}),
	}
	go m.reapFailures()
	return m
}

// Stop stops the background failed-key cleanup.
func (m *Manager) Stop() {
	close(m.stopCh)
}

// LoadChannels replaces all three lists with copies of the config's.
func (m *Manager) LoadChannels(cfg *config.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.channels = make([]config.Channel, len(cfg.Channels))
	copy(m.channels, cfg.Channels)

	m.responseChannels = make([]config.Channel, len(cfg.ResponseChannels))
	copy(m.responseChannels, cfg.ResponseChannels)

	m.geminiChannels = make([]config.Channel, len(cfg.GeminiChannels))
	copy(m.geminiChannels, cfg.GeminiChannels)

	log.Infof("[ChannelManager] Loaded channels: %d messages, %d responses, %d gemini",
		len(m.channels), len(m.responseChannels), len(m.geminiChannels))
}

// Count reports the total number of configured channels across all lists.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels) + len(m.responseChannels) + len(m.geminiChannels)
}

// dialectOf normalizes a channel's serviceType, falling back to the
// containing list's default when unset.
func dialectOf(ch *config.Channel, listDefault string) string {
	st := strings.ToLower(strings.TrimSpace(ch.ServiceType))
	if st == "" {
		return listDefault
	}
	return st
}

// selectByDialect picks the channels in list whose defaulted serviceType
// matches want, preserving order.
func selectByDialect(list []config.Channel, listDefault, want string) []config.Channel {
	var out []config.Channel
	for i := range list {
		if dialectOf(&list[i], listDefault) == want {
			out = append(out, list[i])
		}
	}
	return out
}

// dialectChannelsLocked resolves which configured channels serve
// channelType. Entries under channels default to claude, entries under
// responseChannels default to openai; a channel configured in the "wrong"
// list still counts if its serviceType says so.
func (m *Manager) dialectChannelsLocked(channelType ChannelType) []config.Channel {
	switch channelType {
	case ChannelTypeMessages:
		// Claude dialect. Claude entries living in the responses list are
		// a fallback only.
		if picked := selectByDialect(m.channels, "claude", "claude"); len(picked) > 0 {
			return picked
		}
		return selectByDialect(m.responseChannels, "openai", "claude")
	case ChannelTypeResponses:
		// OpenAI dialect. OpenAI entries win wherever they live; Claude
		// entries serve last, via protocol conversion.
		searchOrder := []struct {
			list        []config.Channel
			listDefault string
			dialect     string
		}{
			{m.responseChannels, "openai", "openai"},
			{m.channels, "claude", "openai"},
			{m.responseChannels, "openai", "claude"},
			{m.channels, "claude", "claude"},
		}
		for _, cand := range searchOrder {
			if picked := selectByDialect(cand.list, cand.listDefault, cand.dialect); len(picked) > 0 {
				return picked
			}
		}
		return nil
	case ChannelTypeGemini:
		return selectByDialect(m.geminiChannels, "gemini", "gemini")
	default:
		return nil
	}
}

func (m *Manager) listForTypeLocked(channelType ChannelType) (*[]config.Channel, error) {
	switch channelType {
	case ChannelTypeMessages:
		return &m.channels, nil
	case ChannelTypeResponses:
		return &m.responseChannels, nil
	case ChannelTypeGemini:
		return &m.geminiChannels, nil
	default:
		return nil, fmt.Errorf("unknown channel type: %s", channelType)
	}
}

// GetChannels returns a cloned snapshot of the channels serving channelType.
func (m *Manager) GetChannels(channelType ChannelType) []config.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	channels := m.dialectChannelsLocked(channelType)
	if len(channels) == 0 {
		return nil
	}

	out := make([]config.Channel, len(channels))
	for i := range channels {
		out[i] = *channels[i].Clone()
	}
	return out
}

// GetChannel returns a clone of the channel at index, or nil when index is
// out of range. Indexes are positions within the dialect's resolved list,
// matching ChannelInfo.Index.
func (m *Manager) GetChannel(channelType ChannelType, index int) *config.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	channels := m.dialectChannelsLocked(channelType)
	if index < 0 || index >= len(channels) {
		return nil
	}
	return channels[index].Clone()
}

// GetActiveChannels returns active channels sorted by effective priority.
// Priority 0 resolves to the channel's list index so unset priorities keep
// insertion order; equal priorities tie-break on original index.
func (m *Manager) GetActiveChannels(channelType ChannelType) []ChannelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	channels := m.dialectChannelsLocked(channelType)
	if len(channels) == 0 {
		log.Debugf("[ChannelManager] No channels available for type %s", channelType)
		return nil
	}

	var active []ChannelInfo
	for i, ch := range channels {
		status := ch.Status
		if status == "" {
			status = config.StatusActive
		}
		if status != config.StatusActive {
			continue
		}
		info := ChannelInfo{
			Index:    i,
			ID:       ch.ID,
			Name:     ch.Name,
			Priority: ch.Priority,
			Status:   status,
		}
		if info.Priority == 0 {
			info.Priority = i
		}
		active = append(active, info)
	}

	sort.Slice(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority < active[j].Priority
		}
		return active[i].Index < active[j].Index
	})

	log.Debugf("[ChannelManager] %d active channels for type %s", len(active), channelType)
	return active
}

// AddChannel appends ch to the list for channelType. An empty ID gets a
// generated one; an ID already present in the list is rejected.
func (m *Manager) AddChannel(channelType ChannelType, ch config.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch.ID == "" {
		ch.ID = newChannelID()
	}

	channels, err := m.listForTypeLocked(channelType)
	if err != nil {
		return err
	}
	for _, existing := range *channels {
		if existing.ID == ch.ID {
			return fmt.Errorf("duplicate channel id: %s", ch.ID)
		}
	}

	*channels = append(*channels, ch)
	return nil
}

// UpdateChannel replaces the channel at index. A non-empty ID that collides
// with a different entry in the same list is rejected.
func (m *Manager) UpdateChannel(channelType ChannelType, index int, ch config.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	channels, err := m.listForTypeLocked(channelType)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(*channels) {
		return fmt.Errorf("channel index out of range: %d", index)
	}
	if ch.ID != "" {
		for i, existing := range *channels {
			if i != index && existing.ID == ch.ID {
				return fmt.Errorf("duplicate channel id: %s", ch.ID)
			}
		}
	}

	(*channels)[index] = ch
	return nil
}

// DeleteChannel removes the channel at index from the list for channelType.
func (m *Manager) DeleteChannel(channelType ChannelType, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	channels, err := m.listForTypeLocked(channelType)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(*channels) {
		return fmt.Errorf("channel index out of range: %d", index)
	}

	*channels = append((*channels)[:index], (*channels)[index+1:]...)
	return nil
}

// OrderKeysForAttempt moves keys in failure cooldown to the back of the
// attempt order, so a recently-failed key is only retried when no fresh
// alternative remains. Relative order is otherwise preserved.
func (m *Manager) OrderKeysForAttempt(keys []string) []string {
	if len(keys) <= 1 {
		return keys
	}

	fresh := make([]string, 0, len(keys))
	var cooling []string
	for _, key := range keys {
		if m.isKeyCoolingDown(key) {
			cooling = append(cooling, key)
			continue
		}
		fresh = append(fresh, key)
	}
	return append(fresh, cooling...)
}

// MarkKeyFailed records a failure for apiKey, starting or extending its
// cooldown.
func (m *Manager) MarkKeyFailed(apiKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.failedKeys[apiKey]
	if entry == nil {
		entry = &FailedKey{}
		m.failedKeys[apiKey] = entry
	}
	entry.FailureCount++
	entry.Timestamp = time.Now()
}

// cooldownFor returns the recovery window for a failure record. Keys that
// keep failing past maxFailureCount wait twice as long.
func (m *Manager) cooldownFor(f *FailedKey) time.Duration {
	if f.FailureCount > m.maxFailureCount {
		return m.keyRecoveryTime * 2
	}
	return m.keyRecoveryTime
}

func (m *Manager) isKeyCoolingDown(apiKey string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.failedKeys[apiKey]
	return ok && time.Since(f.Timestamp) < m.cooldownFor(f)
}

// reapFailures drops failure records whose cooldown has fully elapsed, so
// the map does not grow with every key that ever failed.
func (m *Manager) reapFailures() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			for key, f := range m.failedKeys {
				if now.Sub(f.Timestamp) > m.cooldownFor(f) {
					delete(m.failedKeys, key)
				}
			}
			m.mu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}

func newChannelID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("ch_%d", time.Now().UnixNano())
	}
	return "ch_" + hex.EncodeToString(b[:])
}
