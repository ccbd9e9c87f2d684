// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy/bridge"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/channel"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/history"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/metrics"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/scheduler"
)

// maxChannelRetries caps how many distinct channels a single request may try.
const maxChannelRetries = 3

// Handlers bundles the dialect HTTP handlers with their shared dependencies.
type Handlers struct {
	sched    *scheduler.Scheduler
	channels *channel.Manager
	metrics  *metrics.Manager
	history  *history.Manager
	bridge   *bridge.Bridge
}

// New creates the handler set. All dependencies are required except history,
// which may be nil to disable request history.
func New(sched *scheduler.Scheduler, channels *channel.Manager, metricsMgr *metrics.Manager, historyMgr *history.Manager, br *bridge.Bridge) *Handlers {
	return &Handlers{
		sched:    sched,
		channels: channels,
		metrics:  metricsMgr,
		history:  historyMgr,
		bridge:   br,
	}
}

// failoverPlan describes one dialect's pass through the shared retry loop.
type failoverPlan struct {
	endpoint    string // messages, responses, gemini, models
	logPrefix   string
	channelType channel.ChannelType
	userID      string
	stream      bool

	// record enables metrics, history, circuit-breaker feedback, and key
	// affinity. Read-only endpoints (models) turn it off.
	record bool

	// skip excludes a selected channel without counting it as an attempt;
	// selection is retried with the channel excluded.
	skip func(ch *config.Channel) bool

	// attempt performs one upstream call against the given channel.
	attempt func(r *http.Request, requestID string, ch *config.Channel, affinityKey string) *upstreamAttemptResult
}

// runFailover is the shared retry loop behind every dialect handler: select a
// channel, attempt upstream, stream or buffer back on success, otherwise
// remember the failure, exclude the channel, and try the next one. The last
// failure is returned to the client verbatim; a synthetic 503 is only emitted
// when no attempt ever ran.
func (h *Handlers) runFailover(w http.ResponseWriter, r *http.Request, requestID string, plan failoverPlan) {
	excluded := make(map[string]bool)
	var lastFailure *upstreamAttemptResult

	for attempt := 0; attempt < maxChannelRetries; attempt++ {
		var ch *config.Channel
		for {
			selected, err := h.sched.SelectChannel(plan.channelType, plan.userID, excluded)
			if err != nil || selected == nil {
				log.Warnf("[%s-Failover] req=%s channel selection failed (attempt %d/%d): %v",
					plan.logPrefix, requestID, attempt+1, maxChannelRetries, err)
				break
			}
			if plan.skip != nil && plan.skip(selected) {
				log.Debugf("[%s-Failover] req=%s skipping channel %s (%s)",
					plan.logPrefix, requestID, selected.Name, selected.ID)
				excluded[selected.ID] = true
				continue
			}
			ch = selected
			break
		}
		if ch == nil {
			if lastFailure == nil {
				ErrorResponse(w, http.StatusServiceUnavailable,
					fmt.Sprintf("no available channels for %s endpoint", plan.endpoint))
				return
			}
			break
		}

		log.Debugf("[%s-Failover] req=%s attempt %d/%d using channel %s (%s) stream=%v",
			plan.logPrefix, requestID, attempt+1, maxChannelRetries, ch.Name, ch.ID, plan.stream)
		if plan.record && h.metrics.IsFailureRateHigh(ch.ID) {
			log.Warnf("[%s-Failover] req=%s channel %s has high failure rate, attempting anyway",
				plan.logPrefix, requestID, ch.Name)
		}

		var affinityKey string
		if plan.record && plan.userID != "" {
			affinityKey, _ = h.sched.GetKeyAffinity(plan.userID, ch.ID)
		}

		attemptStart := time.Now()
		result := plan.attempt(r, requestID, ch, affinityKey)
		latencyMs := time.Since(attemptStart).Milliseconds()

		if result.ok {
			if plan.record {
				h.metrics.RecordRequest(ch.ID, true, latencyMs,
					result.inputTokens, result.outputTokens, result.cacheRead, result.cacheCreate)
				h.sched.RecordSuccess(ch.ID)
				if h.history != nil {
					h.history.RecordRequest(ch.ID, plan.endpoint, result.model, true, latencyMs,
						result.inputTokens, result.outputTokens, "", "")
				}
				if plan.userID != "" && result.apiKeyUsed != "" && len(ch.APIKeys) > 0 {
					h.sched.SetKeyAffinity(plan.userID, ch.ID, result.apiKeyUsed,
						keyAffinityTTLForChannelType(plan.channelType))
				}
			}

			if result.stream != nil {
				h.writeStreamResponse(w, result, plan.logPrefix, requestID)
			} else {
				buffered := &bufferedHTTPResponse{
					statusCode: result.statusCode,
					headers:    result.headers,
					body:       result.body,
				}
				buffered.writeTo(w)
			}
			return
		}

		if plan.record {
			h.metrics.RecordRequest(ch.ID, false, latencyMs, 0, 0, 0, 0)
			h.sched.RecordFailure(ch.ID, isRetryableHTTPStatus(result.statusCode))
			if h.history != nil {
				h.history.RecordRequest(ch.ID, plan.endpoint, result.model, false, latencyMs,
					0, 0, result.errorMsg, result.errorDetails)
			}
		}

		log.Warnf("[%s-Failover] req=%s attempt %d/%d failed on channel %s: %s",
			plan.logPrefix, requestID, attempt+1, maxChannelRetries, ch.Name, result.errorMsg)
		lastFailure = result
		excluded[ch.ID] = true
	}

	if lastFailure != nil {
		// Last failure goes back verbatim.
		buffered := &bufferedHTTPResponse{
			statusCode: lastFailure.statusCode,
			headers:    lastFailure.headers,
			body:       lastFailure.body,
		}
		buffered.writeTo(w)
		return
	}

	ErrorResponse(w, http.StatusBadGateway, "all channels failed")
}

// writeStreamResponse relays an upstream stream to the client, flushing after
// every chunk. Closing the stream cancels the upstream request context, so a
// client disconnect stops the upstream read promptly.
func (h *Handlers) writeStreamResponse(w http.ResponseWriter, result *upstreamAttemptResult, logPrefix, requestID string) {
	defer result.stream.Close()

	copyHeadersForDownstreamResponse(w.Header(), result.headers)
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/event-stream")
	}
	w.WriteHeader(result.statusCode)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	buf := make([]byte, 4096)
	var total int64
	for {
		n, readErr := result.stream.Read(buf)
		if n > 0 {
			total += int64(n)
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				log.Debugf("[%s-Stream] req=%s client write failed after %d bytes: %v",
					logPrefix, requestID, total, writeErr)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				log.Warnf("[%s-Stream] req=%s upstream read error after %d bytes: %v",
					logPrefix, requestID, total, readErr)
			}
			break
		}
	}
	if total == 0 {
		log.Warnf("[%s-Stream] req=%s upstream stream completed with zero bytes", logPrefix, requestID)
	}
}
