// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session keeps server-side conversation state for clients that
// chain requests with previous_response_id instead of resending history.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Message is one stored conversation turn.
type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	ResponseID string    `json:"responseId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Session is one conversation. TokenCount is the running estimate used to
// enforce the token budget, not an exact upstream figure.
type Session struct {
	ID         string    `json:"id"`
	Messages   []Message `json:"messages"`
	CreatedAt  time.Time `json:"createdAt"`
	LastAccess time.Time `json:"lastAccess"`
	TokenCount int       `json:"tokenCount"`
	ChannelID  string    `json:"channelId,omitempty"`
}

// Manager owns all live sessions plus the response-id index that lets a
// follow-up request find its conversation.
type Manager struct {
	mu sync.RWMutex

	sessions    map[string]*Session
	responseMap map[string]string // response id -> session id

	maxAge      time.Duration
	maxMessages int
	maxTokens   int

	stopCh chan struct{}
}

// NewManager returns a manager expiring sessions idle longer than maxAge
// and trimming each session to maxMessages turns and maxTokens estimated
// tokens. Non-positive arguments take defaults (24h, 100, 100000).
func NewManager(maxAge time.Duration, maxMessages int, maxTokens int) *Manager {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if maxMessages <= 0 {
		maxMessages = 100
	}
	if maxTokens <= 0 {
		maxTokens = 100000
	}
	m := &Manager{
		sessions:    make(map[string]*Session),
		responseMap: make(map[string]string),
		maxAge:      maxAge,
		maxMessages: maxMessages,
		maxTokens:   maxTokens,
		stopCh:      make(chan struct{}),
	}
	go m.expireLoop()
	return m
}

// Stop terminates the background expiry goroutine.
func (m *Manager) Stop() {
	close(m.stopCh)
}

// CreateSession registers and returns a fresh session.
func (m *Manager) CreateSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	sess := &Session{
		ID:         randomID("sess_", 16),
		Messages:   make([]Message, 0),
		CreatedAt:  now,
		LastAccess: now,
	}
	m.sessions[sess.ID] = sess
	return sess
}

// GetSession returns the session with the given id, or nil.
func (m *Manager) GetSession(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// GetSessionByResponseID resolves a response id issued by AddMessage back
// to its session, or nil if the id is unknown or has been trimmed away.
func (m *Manager) GetSessionByResponseID(responseID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessionID, ok := m.responseMap[responseID]
	if !ok {
		return nil
	}
	return m.sessions[sessionID]
}

// GetOrCreateSession continues the conversation named by
// previousResponseID, or starts a new one when the id is empty or no
// longer resolves. The bool reports whether the session is new.
func (m *Manager) GetOrCreateSession(previousResponseID string) (*Session, bool) {
	if previousResponseID != "" {
		if sess := m.touchByResponseID(previousResponseID); sess != nil {
			return sess, false
		}
	}
	return m.CreateSession(), true
}

// touchByResponseID resolves a response id and refreshes the session's
// access time in one locked step.
func (m *Manager) touchByResponseID(responseID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID, ok := m.responseMap[responseID]
	if !ok {
		return nil
	}
	sess := m.sessions[sessionID]
	if sess != nil {
		sess.LastAccess = time.Now()
	}
	return sess
}

// AddMessage appends a turn to the session and returns the response id
// minted for it. Older turns are dropped first when the message or token
// budget would be exceeded; their response ids stop resolving.
func (m *Manager) AddMessage(sessionID string, role string, content string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("session not found: %s", sessionID)
	}

	incoming := approxTokens(content)
	for len(sess.Messages) > 0 &&
		(len(sess.Messages) >= m.maxMessages || sess.TokenCount+incoming > m.maxTokens) {
		oldest := sess.Messages[0]
		sess.Messages = sess.Messages[1:]
		sess.TokenCount -= approxTokens(oldest.Content)
		if oldest.ResponseID != "" {
			delete(m.responseMap, oldest.ResponseID)
		}
	}

	responseID := randomID("resp_", 12)
	sess.Messages = append(sess.Messages, Message{
		Role:       role,
		Content:    content,
		ResponseID: responseID,
		Timestamp:  time.Now(),
	})
	sess.LastAccess = time.Now()
	sess.TokenCount += incoming
	m.responseMap[responseID] = sessionID

	return responseID, nil
}

// GetMessages returns a copy of the session's turns, oldest first.
func (m *Manager) GetMessages(sessionID string) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Message, len(sess.Messages))
	copy(out, sess.Messages)
	return out
}

// SetChannelAffinity pins the session to a channel so later turns hit the
// same upstream.
func (m *Manager) SetChannelAffinity(sessionID string, channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[sessionID]; ok {
		sess.ChannelID = channelID
	}
}

// GetChannelAffinity returns the session's pinned channel id, or "".
func (m *Manager) GetChannelAffinity(sessionID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if sess, ok := m.sessions[sessionID]; ok {
		return sess.ChannelID
	}
	return ""
}

// DeleteSession removes a session and unmaps all of its response ids.
func (m *Manager) DeleteSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	m.unmapTurns(sess)
	delete(m.sessions, sessionID)
}

// GetStats reports aggregate session-store figures.
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	turns := 0
	tokens := 0
	for _, sess := range m.sessions {
		turns += len(sess.Messages)
		tokens += sess.TokenCount
	}

	return map[string]interface{}{
		"sessionCount":   len(m.sessions),
		"messageCount":   turns,
		"tokenCount":     tokens,
		"maxAge":         m.maxAge.String(),
		"maxMessages":    m.maxMessages,
		"maxTokens":      m.maxTokens,
		"responseMapped": len(m.responseMap),
	}
}

// unmapTurns releases the responseMap entries for every turn in the
// session. Caller holds the write lock.
func (m *Manager) unmapTurns(sess *Session) {
	for _, msg := range sess.Messages {
		if msg.ResponseID != "" {
			delete(m.responseMap, msg.ResponseID)
		}
	}
}

// expireLoop evicts idle sessions until Stop is called.
func (m *Manager) expireLoop() {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.cleanup()
		}
	}
}

// cleanup removes sessions idle longer than maxAge.
func (m *Manager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.maxAge)
	for sessionID, sess := range m.sessions {
		if sess.LastAccess.Before(cutoff) {
			m.unmapTurns(sess)
			delete(m.sessions, sessionID)
		}
	}
}

// randomID returns prefix plus nbytes of hex-encoded randomness, falling
// back to a timestamp suffix if the random source fails.
func randomID(prefix string, nbytes int) string {
	buf := make([]byte, nbytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s%d", prefix, time.Now().UnixNano())
	}
	return prefix + hex.EncodeToString(buf)
}

// approxTokens estimates token usage at roughly four characters per token.
func approxTokens(content string) int {
	return len(content) / 4
}
