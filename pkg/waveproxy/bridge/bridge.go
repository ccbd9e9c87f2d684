// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// Package bridge translates OpenAI Responses API calls into Claude Messages
// calls and back, keeping multi-turn state in an in-memory session store.
package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy/session"
)

// Request is the subset of a Responses API request body the proxy reads.
type Request struct {
	Model              string          `json:"model"`
	MaxOutputTokens    int             `json:"max_output_tokens,omitempty"`
	Input              json.RawMessage `json:"input"`
	Instructions       string          `json:"instructions,omitempty"`
	PreviousResponseID string          `json:"previous_response_id,omitempty"`
	PromptCacheKey     string          `json:"prompt_cache_key,omitempty"`
	Stream             bool            `json:"stream"`
	Temperature        *float64        `json:"temperature,omitempty"`
}

// ParseRequest decodes a Responses API request body.
func ParseRequest(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to parse Responses request: %w", err)
	}
	return &req, nil
}

// Usage mirrors the usage block of the upstream Claude response.
type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	CacheReadTokens   int64 `json:"cache_read_input_tokens"`
	CacheCreateTokens int64 `json:"cache_creation_input_tokens"`
}

// Bridge owns the Responses-to-Claude translation and its session store.
type Bridge struct {
	sessions *session.Manager
}

// New creates a bridge backed by the given session store.
func New(sessions *session.Manager) *Bridge {
	return &Bridge{sessions: sessions}
}

// Sessions exposes the underlying session store.
func (b *Bridge) Sessions() *session.Manager {
	return b.sessions
}

// Exchange carries one bridged request through its upstream round trip.
type Exchange struct {
	SessionID  string
	NewSession bool

	// ClaudeBody is the Claude Messages request to send upstream.
	ClaudeBody []byte
}

// claudeRequest is the Claude Messages request the bridge assembles. Bridged
// calls are always non-streaming upstream, so Stream stays false even when
// the client asked to stream.
type claudeRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []interface{} `json:"messages"`
	System      string        `json:"system,omitempty"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type claudeTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prepare resolves the session for the request's previous_response_id and
// builds the Claude Messages body from the stored history plus the new
// input. model is the channel-mapped model name.
func (b *Bridge) Prepare(req *Request, model string) *Exchange {
	sess, isNew := b.sessions.GetOrCreateSession(req.PreviousResponseID)

	var messages []interface{}
	for _, msg := range b.sessions.GetMessages(sess.ID) {
		messages = append(messages, claudeTurn{Role: msg.Role, Content: msg.Content})
	}
	messages = appendInput(messages, req.Input)

	maxTokens := req.MaxOutputTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	claudeReq := claudeRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Messages:    messages,
		System:      req.Instructions,
		Temperature: req.Temperature,
	}

	body, _ := json.Marshal(claudeReq)
	return &Exchange{
		SessionID:  sess.ID,
		NewSession: isNew,
		ClaudeBody: body,
	}
}

// appendInput adds the request input to the message list. A string input
// becomes one user turn; an array input is copied turn-by-turn, skipping
// anything that is not an object.
func appendInput(messages []interface{}, input json.RawMessage) []interface{} {
	if len(input) == 0 {
		return messages
	}

	var str string
	if err := json.Unmarshal(input, &str); err == nil {
		return append(messages, claudeTurn{Role: "user", Content: str})
	}

	var items []json.RawMessage
	if err := json.Unmarshal(input, &items); err == nil {
		for _, item := range items {
			trimmed := bytes.TrimSpace(item)
			if len(trimmed) > 0 && trimmed[0] == '{' {
				messages = append(messages, item)
			}
		}
	}
	return messages
}

// claudeReply is the subset of a Claude Messages response the bridge reads.
type claudeReply struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage Usage `json:"usage"`
}

type responseEnvelope struct {
	ID     string        `json:"id"`
	Object string        `json:"object"`
	Output []outputItem  `json:"output"`
	Usage  envelopeUsage `json:"usage"`
}

type outputItem struct {
	Type    string         `json:"type"`
	Role    string         `json:"role,omitempty"`
	Content []contentBlock `json:"content,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type envelopeUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Complete parses the upstream Claude response, stores the assistant turn in
// the session, and serializes the Responses envelope. It returns the envelope
// body, the freshly minted response id, and the upstream token usage.
func (b *Bridge) Complete(ex *Exchange, upstreamBody []byte) ([]byte, string, Usage, error) {
	var reply claudeReply
	if err := json.Unmarshal(upstreamBody, &reply); err != nil {
		return nil, "", Usage{}, fmt.Errorf("failed to parse upstream response: %w", err)
	}

	var text string
	for _, block := range reply.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	responseID, _ := b.sessions.AddMessage(ex.SessionID, "assistant", text)

	envelope := responseEnvelope{
		ID:     responseID,
		Object: "response",
		Output: []outputItem{
			{
				Type: "message",
				Role: "assistant",
				Content: []contentBlock{
					{Type: "output_text", Text: text},
				},
			},
		},
		Usage: envelopeUsage{
			InputTokens:  reply.Usage.InputTokens,
			OutputTokens: reply.Usage.OutputTokens,
		},
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, "", Usage{}, fmt.Errorf("failed to encode response: %w", err)
	}
	return body, responseID, reply.Usage, nil
}
