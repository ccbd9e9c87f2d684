// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// Package history keeps a bounded in-memory log of proxied requests for
// the control plane's history views.
package history

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// RequestRecord is one proxied request as surfaced in the history views.
type RequestRecord struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	ChannelID    string    `json:"channelId"`
	ChannelType  string    `json:"channelType"` // messages, responses, gemini
	Model        string    `json:"model"`
	Success      bool      `json:"success"`
	LatencyMs    int64     `json:"latencyMs"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	ErrorMsg     string    `json:"errorMsg,omitempty"`
	ErrorDetails string    `json:"errorDetails,omitempty"`
}

// Manager stores recent requests in a fixed-size ring with a per-channel
// index for filtered queries.
type Manager struct {
	mu sync.RWMutex

	records    []RequestRecord // ring storage, oldest overwritten first
	maxRecords int
	writeIdx   int
	count      int

	retention time.Duration

	// Record ids are time-based and strictly increasing.
	lastID int64

	byChannel map[string][]int // channelID -> occupied ring slots

	stopCh chan struct{}
}

// NewManager returns a manager holding at most maxRecords entries. A
// non-positive size falls back to 1000.
func NewManager(maxRecords int) *Manager {
	if maxRecords <= 0 {
		maxRecords = 1000
	}

	m := &Manager{
		records:    make([]RequestRecord, maxRecords),
		maxRecords: maxRecords,
		byChannel:  make(map[string][]int),
		stopCh:     make(chan struct{}),
		retention:  48 * time.Hour,
	}
	go m.maintainLoop()
	return m
}

// Stop halts background maintenance.
func (m *Manager) Stop() {
	close(m.stopCh)
}

// nextIDLocked mints a time-based record id that stays strictly monotonic
// even when two records land in the same nanosecond.
func (m *Manager) nextIDLocked() string {
	id := time.Now().UnixNano()
	if id <= m.lastID {
		id = m.lastID + 1
	}
	m.lastID = id
	return strconv.FormatInt(id, 10)
}

// RecordRequest appends one request outcome and returns its record id.
// Once the ring is full the oldest record is overwritten.
func (m *Manager) RecordRequest(channelID, channelType, model string, success bool, latencyMs, inputTokens, outputTokens int64, errorMsg string, errorDetails string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A recycled slot leaves its old channel's index before reuse.
	if prev := m.records[m.writeIdx]; prev.ID != "" {
		m.unindexSlotLocked(prev.ChannelID, m.writeIdx)
	}

	id := m.nextIDLocked()
	record := RequestRecord{
		ID:           id,
		Timestamp:    time.Now(),
		ChannelID:    channelID,
		ChannelType:  channelType,
		Model:        model,
		Success:      success,
		LatencyMs:    latencyMs,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		ErrorMsg:     errorMsg,
		ErrorDetails: errorDetails,
	}

	m.records[m.writeIdx] = record
	m.byChannel[channelID] = append(m.byChannel[channelID], m.writeIdx)

	m.writeIdx = (m.writeIdx + 1) % m.maxRecords
	if m.count < m.maxRecords {
		m.count++
	}

	return id
}

// unindexSlotLocked removes one ring slot from a channel's index entry and
// drops the entry once it empties. Caller holds m.mu.
func (m *Manager) unindexSlotLocked(channelID string, slot int) {
	idxs, ok := m.byChannel[channelID]
	if !ok {
		return
	}
	for i, idx := range idxs {
		if idx == slot {
			idxs[i] = idxs[len(idxs)-1]
			idxs = idxs[:len(idxs)-1]
			break
		}
	}
	if len(idxs) == 0 {
		delete(m.byChannel, channelID)
		return
	}
	m.byChannel[channelID] = idxs
}

// matchesFilter reports whether a record passes the retention cutoff and the
// optional status filter ("success" or "error").
func matchesFilter(record RequestRecord, cutoff time.Time, statusFilter string) bool {
	if record.ID == "" {
		return false
	}
	if !cutoff.IsZero() && record.Timestamp.Before(cutoff) {
		return false
	}
	switch statusFilter {
	case "success":
		return record.Success
	case "error":
		return !record.Success
	}
	return true
}

// GetHistory returns request history with pagination, newest first. The
// returned count is the total number of matching records before pagination.
func (m *Manager) GetHistory(channelID string, limit, offset int, statusFilter string) ([]RequestRecord, int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Time{}
	if m.retention > 0 {
		cutoff = time.Now().Add(-m.retention)
	}

	var matching []RequestRecord
	if channelID != "" {
		// Channel-filtered queries go through the byChannel index.
		for _, idx := range m.byChannel[channelID] {
			record := m.records[idx]
			if record.ChannelID != channelID {
				continue
			}
			if matchesFilter(record, cutoff, statusFilter) {
				matching = append(matching, record)
			}
		}
		// Slot reuse reorders the index, so sort on the monotonic ids for
		// newest first.
		sort.Slice(matching, func(i, j int) bool {
			return matching[i].ID > matching[j].ID
		})
	} else {
		startIdx := m.writeIdx - 1
		if startIdx < 0 {
			startIdx = m.maxRecords - 1
		}
		for i := 0; i < m.count; i++ {
			idx := startIdx - i
			if idx < 0 {
				idx += m.maxRecords
			}
			record := m.records[idx]
			if matchesFilter(record, cutoff, statusFilter) {
				matching = append(matching, record)
			}
		}
	}

	totalCount := int64(len(matching))

	if offset >= len(matching) {
		return []RequestRecord{}, totalCount
	}

	end := offset + limit
	if limit <= 0 || end > len(matching) {
		end = len(matching)
	}

	return matching[offset:end], totalCount
}

// GetRecordByID returns a copy of the record with the given id, or nil when
// no stored record matches.
func (m *Manager) GetRecordByID(id string) *RequestRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := range m.records[:m.count] {
		if m.records[i].ID == id {
			found := m.records[i]
			return &found
		}
	}
	return nil
}

// GetStats summarizes the stored records.
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var succeeded, failed int
	var latencySum int64
	for i := range m.records[:m.count] {
		if m.records[i].ID == "" {
			continue
		}
		if m.records[i].Success {
			succeeded++
		} else {
			failed++
		}
		latencySum += m.records[i].LatencyMs
	}

	avgLatency := float64(0)
	if m.count > 0 {
		avgLatency = float64(latencySum) / float64(m.count)
	}

	return map[string]interface{}{
		"totalRecords": m.count,
		"maxRecords":   m.maxRecords,
		"successCount": succeeded,
		"failureCount": failed,
		"avgLatencyMs": avgLatency,
	}
}

// Clear drops every stored record along with the channel index.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = make([]RequestRecord, m.maxRecords)
	m.byChannel = make(map[string][]int)
	m.writeIdx = 0
	m.count = 0
}

// maintainLoop rebuilds the channel index on a slow cadence, bounding any
// drift between ring slots and index entries.
func (m *Manager) maintainLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.rebuildIndex()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) rebuildIndex() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byChannel = make(map[string][]int)
	for i := range m.records[:m.count] {
		if m.records[i].ID != "" {
			m.byChannel[m.records[i].ChannelID] = append(m.byChannel[m.records[i].ChannelID], i)
		}
	}
}
