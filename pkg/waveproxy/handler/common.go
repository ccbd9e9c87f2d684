// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handler implements the proxy's HTTP surface: the Claude, OpenAI
// Responses, and Gemini endpoints plus the failover loop they share.
package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy/channel"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
)

var (
	openAIVersionSuffixPattern = regexp.MustCompile(`/v\d+[a-z]*$`)
	claudeSessionIDPattern     = regexp.MustCompile(`(?i)session_([a-f0-9-]+)`)

	sensitiveTokenPattern = regexp.MustCompile(`(?i)\b(bearer)\s+([a-z0-9._=-]{8,})`)
	sensitiveSkPattern    = regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}`)
)

// Query parameters that carry credentials in Gemini-style URLs.
var authQueryParams = []string{"key", "api_key", "apikey", "access_token", "token", "auth"}

const (
	keyAffinityTTLClaude = 5 * time.Minute
	keyAffinityTTLCodex  = 15 * time.Minute
	keyAffinityTTLGemini = 15 * time.Minute
)

type bufferedHTTPResponse struct {
	statusCode int
	headers    http.Header
	body       []byte
}

func (r *bufferedHTTPResponse) writeTo(w http.ResponseWriter) {
	if r == nil {
		return
	}
	h := w.Header()
	copyHeadersForDownstreamResponse(h, r.headers)
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	if r.body != nil {
		h.Set("Content-Length", strconv.Itoa(len(r.body)))
	}
	w.WriteHeader(r.statusCode)
	_, _ = w.Write(r.body)
}

// errorEnvelope is the canonical error shape every endpoint returns.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func jsonErrorResponse(statusCode int, message string) *bufferedHTTPResponse {
	body, _ := json.Marshal(errorEnvelope{Error: errorDetail{Type: "error", Message: message}})
	return &bufferedHTTPResponse{
		statusCode: statusCode,
		headers:    http.Header{"Content-Type": []string{"application/json"}},
		body:       body,
	}
}

// firstStringField returns the first non-blank string value among the given
// gjson paths.
func firstStringField(parsed gjson.Result, paths ...string) string {
	for _, path := range paths {
		field := parsed.Get(path)
		if field.Type == gjson.String && strings.TrimSpace(field.String()) != "" {
			return field.String()
		}
	}
	return ""
}

// normalizeUpstreamErrorResponse rewrites non-standard upstream error
// payloads into the canonical {"error":{"type","message"}} envelope so
// clients display them consistently. Payloads already in envelope form
// pass through untouched. Shapes seen in the wild include:
//
//	{"error":"Client Not Allowed","message":"..."}
//	"Client Not Allowed"
func normalizeUpstreamErrorResponse(statusCode int, headers http.Header, body []byte) (http.Header, []byte) {
	wrap := func(message string) (http.Header, []byte) {
		return http.Header{"Content-Type": []string{"application/json"}}, jsonErrorResponse(statusCode, message).body
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return wrap("upstream returned error")
	}
	if !gjson.ValidBytes(trimmed) {
		return wrap(string(trimmed))
	}

	parsed := gjson.ParseBytes(trimmed)
	switch {
	case parsed.Type == gjson.String:
		if strings.TrimSpace(parsed.String()) == "" {
			return wrap("upstream returned error")
		}
		return wrap(parsed.String())
	case parsed.IsObject():
		if parsed.Get("error").IsObject() {
			return headers, body
		}
		if errStr := firstStringField(parsed, "error"); errStr != "" {
			if msg := firstStringField(parsed, "message"); msg != "" {
				return wrap(msg)
			}
			return wrap(errStr)
		}
		if msg := firstStringField(parsed, "message"); msg != "" {
			return wrap(msg)
		}
		return headers, body
	default:
		return wrap(string(trimmed))
	}
}

func newRequestID() string {
	return fmt.Sprintf("%x", time.Now().UnixNano())
}

func redactSecretsForLogs(text string) string {
	if text == "" {
		return ""
	}
	text = sensitiveTokenPattern.ReplaceAllString(text, "$1 REDACTED")
	text = sensitiveSkPattern.ReplaceAllString(text, "sk-REDACTED")
	return text
}

// stripAuthQueryParams removes credential-bearing query parameters and
// reports which keys were dropped.
func stripAuthQueryParams(rawQuery string) (string, []string) {
	rawQuery = strings.TrimSpace(rawQuery)
	if rawQuery == "" {
		return "", nil
	}
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery, nil
	}
	var removed []string
	for _, key := range authQueryParams {
		if q.Has(key) {
			q.Del(key)
			removed = append(removed, key)
		}
	}
	return q.Encode(), removed
}

func truncateForHistory(text string, maxRunes int) string {
	text = strings.TrimSpace(text)
	if text == "" || maxRunes <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	return string(runes[:maxRunes]) + "..."
}

// redactURLForLogs masks userinfo and credential query parameters so the
// URL is safe to log.
func redactURLForLogs(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return redactSecretsForLogs(rawURL)
	}
	if parsed.User != nil {
		parsed.User = url.User("REDACTED")
	}
	if parsed.RawQuery != "" {
		q := parsed.Query()
		for _, key := range authQueryParams {
			if q.Has(key) {
				q.Set(key, "REDACTED")
			}
		}
		parsed.RawQuery = q.Encode()
	}
	return redactSecretsForLogs(parsed.String())
}

// bodySnippetForLogs renders a response body as a log-safe snippet:
// trimmed, capped at maxBytes, forced to valid UTF-8, secrets masked.
func bodySnippetForLogs(body []byte, maxBytes int) string {
	b := bytes.TrimSpace(body)
	if len(b) == 0 {
		return ""
	}
	suffix := ""
	if maxBytes > 0 && len(b) > maxBytes {
		b, suffix = b[:maxBytes], "...(truncated)"
	}
	b = bytes.ToValidUTF8(b, []byte("?"))
	return redactSecretsForLogs(string(b)) + suffix
}

// extractErrorMessage pulls a human-readable message out of an upstream
// error body for history records, redacted and capped at 500 runes.
func extractErrorMessage(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}

	clean := func(text string) string {
		return truncateForHistory(redactSecretsForLogs(strings.TrimSpace(text)), 500)
	}

	if !gjson.ValidBytes(trimmed) {
		return clean(string(trimmed))
	}

	parsed := gjson.ParseBytes(trimmed)
	switch {
	case parsed.Type == gjson.String:
		return clean(parsed.String())
	case parsed.IsObject():
		// Canonical envelope first, then the loose shapes.
		if msg := firstStringField(parsed, "error.message", "error.error", "error.type", "message", "error"); msg != "" {
			return clean(msg)
		}
	}

	return clean(string(trimmed))
}

// buildOpenAICompatibleURL joins a channel base URL with an OpenAI-style
// endpoint path. Bases without a version suffix get /v1 inserted; a
// trailing "#" on the base suppresses that.
func buildOpenAICompatibleURL(baseURL string, endpoint string) string {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return endpoint
	}

	skipVersionPrefix := strings.HasSuffix(baseURL, "#")
	if skipVersionPrefix {
		baseURL = strings.TrimSuffix(baseURL, "#")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if skipVersionPrefix || openAIVersionSuffixPattern.MatchString(baseURL) {
		return baseURL + endpoint
	}
	return baseURL + "/v1" + endpoint
}

// buildGeminiCompatibleURL joins a channel base URL with the inbound
// request path, collapsing a doubled /v1beta and reattaching the query.
func buildGeminiCompatibleURL(baseURL string, requestPath string, rawQuery string) string {
	base := strings.TrimSpace(baseURL)
	if base == "" {
		return requestPath
	}
	base = strings.TrimSuffix(base, "/")

	path := requestPath
	if strings.HasSuffix(base, "/v1beta") && strings.HasPrefix(path, "/v1beta/") {
		path = path[len("/v1beta"):]
	}

	u := base + path
	if rawQuery == "" {
		return u
	}
	if strings.Contains(u, "?") {
		return u + "&" + rawQuery
	}
	return u + "?" + rawQuery
}

// RFC 7230 hop-by-hop headers, never forwarded in either direction.
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"proxy-connection":    {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// Headers dropped on the way upstream beyond the hop-by-hop set. Host and
// Content-Length are recomputed by the transport. Accept-Encoding is
// stripped so upstreams answer identity-encoded; the transport never
// decompresses, and usage parsing needs plain bytes. Authorization and
// x-api-key are injected per channel.
var upstreamDroppedHeaders = map[string]struct{}{
	"host":            {},
	"content-length":  {},
	"accept-encoding": {},
	"authorization":   {},
	"x-api-key":       {},
}

func copyHeadersForUpstreamRequest(dst http.Header, src http.Header) {
	for key, values := range src {
		lower := strings.ToLower(key)
		_, hop := hopByHopHeaders[lower]
		_, dropped := upstreamDroppedHeaders[lower]
		if hop || dropped {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func copyHeadersForDownstreamResponse(dst http.Header, src http.Header) {
	for key, values := range src {
		lower := strings.ToLower(key)
		if _, hop := hopByHopHeaders[lower]; hop || lower == "content-length" {
			continue
		}
		// Replace rather than stack; an earlier attempt may have already
		// written this header.
		dst.Del(key)
		dst[key] = append([]string(nil), values...)
	}
}

// HealthHandler reports liveness for load balancers and the status CLI.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "healthy",
			"service": "waveproxy",
		})
	}
}

// AuthMiddleware gates a handler behind the shared access key. Clients
// send it as x-api-key or as a bearer token; with no key configured the
// handler is open.
func AuthMiddleware(cfg *config.Config, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.AccessKey == "" {
			next(w, r)
			return
		}

		key := r.Header.Get("x-api-key")
		if key == "" {
			key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if key != cfg.AccessKey {
			ErrorResponse(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next(w, r)
	}
}

// ErrorResponse writes the canonical error envelope.
func ErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	jsonErrorResponse(statusCode, message).writeTo(w)
}

func NotFoundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Infof("[WaveProxy] 404 %s %s", r.Method, r.URL.Path)
		ErrorResponse(w, http.StatusNotFound, "not found")
	}
}

// isRetryableHTTPStatus covers statuses worth retrying on another channel.
func isRetryableHTTPStatus(statusCode int) bool {
	switch {
	case statusCode >= 500:
		return true
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout,
		statusCode == http.StatusTooEarly:
		return true
	}
	return false
}

// isRetryableWithAnotherAPIKey covers statuses scoped to the presented key
// rather than the channel.
func isRetryableWithAnotherAPIKey(statusCode int) bool {
	return statusCode == http.StatusUnauthorized ||
		statusCode == http.StatusForbidden ||
		statusCode == http.StatusTooManyRequests
}

func keyAffinityTTLForChannelType(channelType channel.ChannelType) time.Duration {
	if channelType == channel.ChannelTypeMessages {
		return keyAffinityTTLClaude
	}
	if channelType == channel.ChannelTypeGemini {
		return keyAffinityTTLGemini
	}
	return keyAffinityTTLCodex
}

// applyAffinityKeyOrder moves the pinned key to the front of the rotation.
// The slice is returned unchanged when the key is absent or already first.
func applyAffinityKeyOrder(keys []string, affinityKey string) []string {
	affinityKey = strings.TrimSpace(affinityKey)
	if affinityKey == "" || len(keys) <= 1 {
		return keys
	}
	at := -1
	for i := range keys {
		if keys[i] == affinityKey {
			at = i
			break
		}
	}
	if at <= 0 {
		return keys
	}
	ordered := make([]string, 0, len(keys))
	ordered = append(ordered, keys[at])
	ordered = append(ordered, keys[:at]...)
	return append(ordered, keys[at+1:]...)
}

// mappedModel applies the channel's model mapping to the requested model.
func mappedModel(ch *config.Channel, model string) string {
	if ch.ModelMapping != nil {
		if mapped, ok := ch.ModelMapping[model]; ok {
			return mapped
		}
	}
	return model
}

// extractClaudeCodeSessionID derives a stable per-conversation user id
// from the session token Claude Code embeds in metadata.user_id.
func extractClaudeCodeSessionID(metadata json.RawMessage) string {
	if len(metadata) == 0 {
		return ""
	}
	field := gjson.GetBytes(metadata, "user_id")
	if field.Type != gjson.String || field.String() == "" {
		return ""
	}
	m := claudeSessionIDPattern.FindStringSubmatch(field.String())
	if len(m) < 2 {
		return ""
	}
	return "claude_" + m[1]
}

func extractGeminiSessionID(headers http.Header) string {
	if headers == nil {
		return ""
	}
	if userID := strings.TrimSpace(headers.Get("x-gemini-api-privileged-user-id")); userID != "" {
		return "gemini_" + userID
	}
	return ""
}

// extractGeminiModelFromPath pulls the model name out of a Gemini request
// path such as /v1beta/models/gemini-2.0-flash:generateContent.
func extractGeminiModelFromPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	const marker = "/v1beta/models/"
	if idx := strings.Index(path, marker); idx >= 0 {
		path = path[idx+len(marker):]
	}
	if path == "" {
		return ""
	}
	path, _, _ = strings.Cut(path, "/")
	path, _, _ = strings.Cut(path, ":")
	return strings.TrimSpace(path)
}
