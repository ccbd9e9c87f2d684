// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/tidwall/gjson"
)

// responsesEnvelope mirrors the subset of the Responses envelope the tests
// assert on.
type responsesEnvelope struct {
	ID     string `json:"id"`
	Object string `json:"object"`
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func decodeEnvelope(t *testing.T, body []byte) responsesEnvelope {
	t.Helper()
	var envelope responsesEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("failed to decode Responses envelope: %v (body %s)", err, body)
	}
	return envelope
}

func TestResponsesOpenAIPassthrough(t *testing.T) {
	upstreamBody := `{"id":"resp_upstream","object":"response","output":[],"usage":{"input_tokens":9,"output_tokens":21}}`
	srv, seen := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, upstreamBody)
	})

	env := newTestEnv(t, responsesConfig(
		keyedChannel("chan-o", "openai", srv.URL, 1, "sk-key"),
	))

	w := postJSON(t, env.handlers.Responses(), "/v1/responses",
		`{"model":"gpt-5","input":"Hello"}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body %s)", w.Code, w.Body.String())
	}
	if w.Body.String() != upstreamBody {
		t.Fatalf("expected passthrough body, got %s", w.Body.String())
	}

	requests := seen()
	if len(requests) != 1 {
		t.Fatalf("expected 1 upstream request, got %d", len(requests))
	}
	if requests[0].path != "/v1/responses" {
		t.Fatalf("expected /v1/responses upstream, got %q", requests[0].path)
	}
	if got := requests[0].header.Get("Authorization"); got != "Bearer sk-key" {
		t.Fatalf("expected bearer auth, got %q", got)
	}

	m := env.metrics.GetChannelMetrics("chan-o")
	if m == nil || m.InputTokens != 9 || m.OutputTokens != 21 {
		t.Fatalf("expected usage 9/21 recorded, got %+v", m)
	}
}

func TestResponsesCompactSuffixPreserved(t *testing.T) {
	srv, seen := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"resp_c","object":"response"}`)
	})

	env := newTestEnv(t, responsesConfig(
		keyedChannel("chan-o", "openai", srv.URL, 1, "sk-key"),
	))

	w := postJSON(t, env.handlers.Responses(), "/v1/responses/compact",
		`{"model":"gpt-5","input":"compact me"}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := seen()[0].path; got != "/v1/responses/compact" {
		t.Fatalf("expected compact suffix upstream, got %q", got)
	}
}

func TestResponsesBridgeTranslatesAndTracksSession(t *testing.T) {
	srv, seen := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, claudeReplyBody("Hi!", 10, 4))
	})

	env := newTestEnv(t, responsesConfig(
		keyedChannel("chan-c", "claude", srv.URL, 1, "key-c"),
	))

	// First turn: plain string input, no previous response.
	w := postJSON(t, env.handlers.Responses(), "/v1/responses",
		`{"model":"gpt-5","input":"Hello"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("turn 1: expected 200, got %d (body %s)", w.Code, w.Body.String())
	}

	first := seen()[0]
	if first.path != "/v1/messages" {
		t.Fatalf("expected bridge to call /v1/messages, got %q", first.path)
	}
	sent := gjson.ParseBytes(first.body)
	if sent.Get("model").String() != "gpt-5" {
		t.Fatalf("expected model carried through, got %q", sent.Get("model").String())
	}
	if sent.Get("max_tokens").Int() != 4096 {
		t.Fatalf("expected default max_tokens 4096, got %d", sent.Get("max_tokens").Int())
	}
	if sent.Get("stream").Bool() {
		t.Fatalf("bridged upstream call must not stream")
	}
	if sent.Get("messages.#").Int() != 1 ||
		sent.Get("messages.0.role").String() != "user" ||
		sent.Get("messages.0.content").String() != "Hello" {
		t.Fatalf("unexpected first-turn messages: %s", first.body)
	}

	envelope := decodeEnvelope(t, w.Body.Bytes())
	if envelope.Object != "response" || envelope.ID == "" {
		t.Fatalf("unexpected envelope %+v", envelope)
	}
	if len(envelope.Output) != 1 || envelope.Output[0].Role != "assistant" ||
		len(envelope.Output[0].Content) != 1 ||
		envelope.Output[0].Content[0].Type != "output_text" ||
		envelope.Output[0].Content[0].Text != "Hi!" {
		t.Fatalf("unexpected envelope output %+v", envelope.Output)
	}
	if envelope.Usage.InputTokens != 10 || envelope.Usage.OutputTokens != 4 {
		t.Fatalf("unexpected envelope usage %+v", envelope.Usage)
	}

	// Second turn continues the session via previous_response_id: the bridge
	// replays the stored assistant turn before the new input.
	w2 := postJSON(t, env.handlers.Responses(), "/v1/responses",
		`{"model":"gpt-5","input":"And again?","previous_response_id":"`+envelope.ID+`"}`, nil)
	if w2.Code != http.StatusOK {
		t.Fatalf("turn 2: expected 200, got %d (body %s)", w2.Code, w2.Body.String())
	}

	second := seen()[1]
	sent2 := gjson.ParseBytes(second.body)
	if sent2.Get("messages.#").Int() != 2 {
		t.Fatalf("expected 2 messages on turn 2, got %s", second.body)
	}
	if sent2.Get("messages.0.role").String() != "assistant" ||
		sent2.Get("messages.0.content").String() != "Hi!" {
		t.Fatalf("expected stored assistant turn first, got %s", second.body)
	}
	if sent2.Get("messages.1.role").String() != "user" ||
		sent2.Get("messages.1.content").String() != "And again?" {
		t.Fatalf("expected new user turn second, got %s", second.body)
	}

	envelope2 := decodeEnvelope(t, w2.Body.Bytes())
	if envelope2.ID == "" || envelope2.ID == envelope.ID {
		t.Fatalf("expected a fresh response id per turn, got %q then %q", envelope.ID, envelope2.ID)
	}
}

func TestResponsesBridgeArrayInputAndInstructions(t *testing.T) {
	srv, seen := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, claudeReplyBody("done", 1, 1))
	})

	env := newTestEnv(t, responsesConfig(
		keyedChannel("chan-c", "claude", srv.URL, 1, "key-c"),
	))

	body := `{"model":"gpt-5","instructions":"Be terse.",` +
		`"input":[{"role":"user","content":"One"},{"role":"assistant","content":"Two"},"loose string"]}`
	w := postJSON(t, env.handlers.Responses(), "/v1/responses", body, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body %s)", w.Code, w.Body.String())
	}
	sent := gjson.ParseBytes(seen()[0].body)
	if sent.Get("system").String() != "Be terse." {
		t.Fatalf("expected instructions mapped to system, got %q", sent.Get("system").String())
	}
	// Object items are copied; the loose string element is dropped.
	if sent.Get("messages.#").Int() != 2 {
		t.Fatalf("expected 2 message objects, got %s", seen()[0].body)
	}
	if sent.Get("messages.1.content").String() != "Two" {
		t.Fatalf("expected array items kept in order, got %s", seen()[0].body)
	}
}

func TestResponsesBridgeParseFailureIs502(t *testing.T) {
	srv, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "this is not a claude response")
	})

	env := newTestEnv(t, responsesConfig(
		keyedChannel("chan-c", "claude", srv.URL, 1, "key-c"),
	))

	w := postJSON(t, env.handlers.Responses(), "/v1/responses",
		`{"model":"gpt-5","input":"Hello"}`, nil)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on unparseable upstream body, got %d", w.Code)
	}
	_, msg := decodeErrorEnvelope(t, w.Body.Bytes())
	if msg != "failed to parse upstream response" {
		t.Fatalf("unexpected message %q", msg)
	}

	records, total := env.history.GetHistory("chan-c", 10, 0, "")
	if total != 1 || records[0].Success {
		t.Fatalf("expected one failure row, got total=%d records=%+v", total, records)
	}
}

func TestResponsesPromptCacheKeyDrivesAffinity(t *testing.T) {
	srv, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"resp_1","object":"response","usage":{"input_tokens":1,"output_tokens":1}}`)
	})

	env := newTestEnv(t, responsesConfig(
		keyedChannel("chan-o", "openai", srv.URL, 1, "key-a", "key-b"),
	))

	w := postJSON(t, env.handlers.Responses(), "/v1/responses",
		`{"model":"gpt-5","input":"Hello","prompt_cache_key":"workspace-7"}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if key, ok := env.sched.GetKeyAffinity("codex_workspace-7", "chan-o"); !ok || key != "key-a" {
		t.Fatalf("expected key affinity for codex user, got %q ok=%v", key, ok)
	}
}

func TestResponsesBridgeModelMapping(t *testing.T) {
	srv, seen := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, claudeReplyBody("mapped", 1, 1))
	})

	ch := keyedChannel("chan-c", "claude", srv.URL, 1, "key-c")
	ch.ModelMapping = map[string]string{"gpt-5": "claude-sonnet-4-5"}
	env := newTestEnv(t, responsesConfig(ch))

	w := postJSON(t, env.handlers.Responses(), "/v1/responses",
		`{"model":"gpt-5","input":"Hello"}`, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := gjson.ParseBytes(seen()[0].body).Get("model").String(); got != "claude-sonnet-4-5" {
		t.Fatalf("expected mapped model upstream, got %q", got)
	}
}
