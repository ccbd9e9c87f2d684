// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// Package rpc provides the in-process command API for the proxy service.
// Commands arrive as loosely-typed maps (for example decoded from JSON),
// are converted into the typed request structs below, and delegate to the
// waveproxy control-plane functions, which persist channel mutations.
package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
)

// Command names accepted by Dispatch.
const (
	Command_ProxyStart          = "proxystart"
	Command_ProxyStop           = "proxystop"
	Command_ProxyStatus         = "proxystatus"
	Command_ProxySetPort        = "proxysetport"
	Command_ProxyReloadConfig   = "proxyreloadconfig"
	Command_ChannelList         = "channellist"
	Command_ChannelCreate       = "channelcreate"
	Command_ChannelUpdate       = "channelupdate"
	Command_ChannelDelete       = "channeldelete"
	Command_ChannelPing         = "channelping"
	Command_ChannelMetrics      = "channelmetrics"
	Command_ChannelMetricsReset = "channelmetricsreset"
	Command_GlobalStats         = "globalstats"
	Command_SchedulerStats      = "schedulerstats"
	Command_SchedulerReset      = "schedulerreset"
	Command_RequestHistory      = "requesthistory"
	Command_HistoryClear        = "historyclear"
)

// Wire types for the commands above. Field names keep the JSON casing the
// desktop client already speaks.

// ProxyStatusData is the Command_ProxyStatus response.
type ProxyStatusData struct {
	Running      bool   `json:"running"`
	Port         int    `json:"port"`
	StartedAt    string `json:"startedAt,omitempty"`
	Uptime       string `json:"uptime,omitempty"`
	Version      string `json:"version"`
	ChannelCount int    `json:"channelCount"`
}

type ProxySetPortRequest struct {
	Port int `json:"port"`
}

type ChannelListRequest struct {
	ChannelType string `json:"channelType"` // messages, responses, gemini
}

type ChannelListResponse struct {
	Channels []*waveproxy.ChannelInfo `json:"channels"`
}

type ChannelCreateRequest struct {
	ChannelType string         `json:"channelType"`
	Channel     config.Channel `json:"channel"`
}

// ChannelUpdateRequest and ChannelDeleteRequest address a channel by its
// position within the dialect's list, matching what ChannelList returned.
type ChannelUpdateRequest struct {
	ChannelType string         `json:"channelType"`
	Index       int            `json:"index"`
	Channel     config.Channel `json:"channel"`
}

type ChannelDeleteRequest struct {
	ChannelType string `json:"channelType"`
	Index       int    `json:"index"`
}

type ChannelPingRequest struct {
	ChannelType string `json:"channelType"`
	Index       int    `json:"index"`
}

type ChannelPingResponse struct {
	Success   bool   `json:"success"`
	LatencyMs int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// ChannelMetricsRequest selects one channel, or every channel when
// ChannelID is empty.
type ChannelMetricsRequest struct {
	ChannelID string `json:"channelId,omitempty"`
}

type ChannelMetricsResponse struct {
	ChannelID           string  `json:"channelId"`
	RequestCount        int64   `json:"requestCount"`
	SuccessCount        int64   `json:"successCount"`
	FailureCount        int64   `json:"failureCount"`
	SuccessRate         float64 `json:"successRate"`
	ConsecutiveFailures int64   `json:"consecutiveFailures"`
	CircuitBroken       bool    `json:"circuitBroken"`
	InputTokens         int64   `json:"inputTokens"`
	OutputTokens        int64   `json:"outputTokens"`
	CacheHitRate        float64 `json:"cacheHitRate"`
	AvgLatencyMs        float64 `json:"avgLatencyMs"`
}

type ChannelMetricsResetRequest struct {
	ChannelID string `json:"channelId"`
}

type GlobalStatsResponse struct {
	TotalRequests int64   `json:"totalRequests"`
	SuccessCount  int64   `json:"successCount"`
	FailureCount  int64   `json:"failureCount"`
	SuccessRate   float64 `json:"successRate"`
	ChannelCount  int     `json:"channelCount"`
}

type SchedulerStatsResponse struct {
	CircuitBreakers map[string]map[string]interface{} `json:"circuitBreakers"`
	AffinityCount   int                               `json:"affinityCount"`
}

// SchedulerResetRequest names the channel whose circuit breaker to close.
type SchedulerResetRequest struct {
	ChannelID string `json:"channelId"`
}

// RequestHistoryRequest pages through stored requests, optionally filtered
// by channel and by outcome ("success" or "error").
type RequestHistoryRequest struct {
	ChannelID string `json:"channelId,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
	Status    string `json:"status,omitempty"`
}

type RequestHistoryEntry struct {
	ID           string `json:"id"`
	Timestamp    string `json:"timestamp"`
	ChannelID    string `json:"channelId"`
	ChannelType  string `json:"channelType"`
	Model        string `json:"model,omitempty"`
	Success      bool   `json:"success"`
	LatencyMs    int64  `json:"latencyMs"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
	ErrorMsg     string `json:"errorMsg,omitempty"`
	ErrorDetails string `json:"errorDetails,omitempty"`
}

// RequestHistoryResponse carries one page plus the total match count so the
// client can render pagination.
type RequestHistoryResponse struct {
	Records    []RequestHistoryEntry `json:"records"`
	TotalCount int64                 `json:"totalCount"`
}

// ProxyRPCHandler dispatches control-plane commands. It is stateless; the
// proxy server itself is process-global.
type ProxyRPCHandler struct{}

var globalHandler *ProxyRPCHandler
var handlerOnce sync.Once

// GetProxyRPCHandler returns the shared handler instance.
func GetProxyRPCHandler() *ProxyRPCHandler {
	handlerOnce.Do(func() {
		globalHandler = &ProxyRPCHandler{}
	})
	return globalHandler
}

// decodeCommandData converts a loosely-typed command payload into a typed
// request struct, accepting legacy bare-string apiKeys entries and RFC3339
// timestamps.
func decodeCommandData(data map[string]interface{}, result interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			config.APIKeyDecodeHook,
		),
		Result: result,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(data); err != nil {
		return fmt.Errorf("invalid command payload: %w", err)
	}
	return nil
}

// Dispatch decodes and runs one command. The returned value is the command's
// typed response, or nil for commands with no response body.
func (h *ProxyRPCHandler) Dispatch(ctx context.Context, command string, data map[string]interface{}) (interface{}, error) {
	switch command {
	case Command_ProxyStart:
		return nil, h.ProxyStartCommand(ctx)
	case Command_ProxyStop:
		return nil, h.ProxyStopCommand(ctx)
	case Command_ProxyStatus:
		return h.ProxyStatusCommand(ctx)
	case Command_ProxySetPort:
		var req ProxySetPortRequest
		if err := decodeCommandData(data, &req); err != nil {
			return nil, err
		}
		return nil, h.ProxySetPortCommand(ctx, req)
	case Command_ProxyReloadConfig:
		return nil, h.ProxyReloadConfigCommand(ctx)
	case Command_ChannelList:
		var req ChannelListRequest
		if err := decodeCommandData(data, &req); err != nil {
			return nil, err
		}
		return h.ChannelListCommand(ctx, req)
	case Command_ChannelCreate:
		var req ChannelCreateRequest
		if err := decodeCommandData(data, &req); err != nil {
			return nil, err
		}
		return nil, h.ChannelCreateCommand(ctx, req)
	case Command_ChannelUpdate:
		var req ChannelUpdateRequest
		if err := decodeCommandData(data, &req); err != nil {
			return nil, err
		}
		return nil, h.ChannelUpdateCommand(ctx, req)
	case Command_ChannelDelete:
		var req ChannelDeleteRequest
		if err := decodeCommandData(data, &req); err != nil {
			return nil, err
		}
		return nil, h.ChannelDeleteCommand(ctx, req)
	case Command_ChannelPing:
		var req ChannelPingRequest
		if err := decodeCommandData(data, &req); err != nil {
			return nil, err
		}
		return h.ChannelPingCommand(ctx, req)
	case Command_ChannelMetrics:
		var req ChannelMetricsRequest
		if err := decodeCommandData(data, &req); err != nil {
			return nil, err
		}
		return h.ChannelMetricsCommand(ctx, req)
	case Command_ChannelMetricsReset:
		var req ChannelMetricsResetRequest
		if err := decodeCommandData(data, &req); err != nil {
			return nil, err
		}
		return nil, h.ChannelMetricsResetCommand(ctx, req)
	case Command_GlobalStats:
		return h.GlobalStatsCommand(ctx)
	case Command_SchedulerStats:
		return h.SchedulerStatsCommand(ctx)
	case Command_SchedulerReset:
		var req SchedulerResetRequest
		if err := decodeCommandData(data, &req); err != nil {
			return nil, err
		}
		return nil, h.SchedulerResetCommand(ctx, req)
	case Command_RequestHistory:
		var req RequestHistoryRequest
		if err := decodeCommandData(data, &req); err != nil {
			return nil, err
		}
		return h.RequestHistoryCommand(ctx, req)
	case Command_HistoryClear:
		return nil, h.HistoryClearCommand(ctx)
	default:
		return nil, fmt.Errorf("unknown proxy command: %s", command)
	}
}

func (h *ProxyRPCHandler) ProxyStartCommand(ctx context.Context) error {
	return waveproxy.StartProxyServer(ctx)
}

func (h *ProxyRPCHandler) ProxyStopCommand(ctx context.Context) error {
	return waveproxy.StopProxyServer(ctx)
}

// ProxyStatusCommand reports whether the server is up, and on which port.
func (h *ProxyRPCHandler) ProxyStatusCommand(ctx context.Context) (*ProxyStatusData, error) {
	status := waveproxy.GetProxyStatus()
	return &ProxyStatusData{
		Running:      status.Running,
		Port:         status.Port,
		StartedAt:    status.StartedAt,
		Uptime:       status.Uptime,
		Version:      status.Version,
		ChannelCount: status.ChannelCount,
	}, nil
}

// ProxySetPortCommand changes the configured listen port, restarting a
// running server on the new port.
func (h *ProxyRPCHandler) ProxySetPortCommand(ctx context.Context, data ProxySetPortRequest) error {
	return waveproxy.SetProxyPort(ctx, data.Port)
}

// ProxyReloadConfigCommand re-reads the config file from disk.
func (h *ProxyRPCHandler) ProxyReloadConfigCommand(ctx context.Context) error {
	return waveproxy.ReloadProxyConfig()
}

// ChannelListCommand returns the channels serving the given dialect.
func (h *ProxyRPCHandler) ChannelListCommand(ctx context.Context, data ChannelListRequest) (*ChannelListResponse, error) {
	return &ChannelListResponse{Channels: waveproxy.GetChannelList(data.ChannelType)}, nil
}

// Channel mutations persist to the config file before returning.

func (h *ProxyRPCHandler) ChannelCreateCommand(ctx context.Context, data ChannelCreateRequest) error {
	return waveproxy.CreateChannel(data.ChannelType, data.Channel)
}

func (h *ProxyRPCHandler) ChannelUpdateCommand(ctx context.Context, data ChannelUpdateRequest) error {
	return waveproxy.UpdateChannel(data.ChannelType, data.Index, data.Channel)
}

func (h *ProxyRPCHandler) ChannelDeleteCommand(ctx context.Context, data ChannelDeleteRequest) error {
	return waveproxy.DeleteChannel(data.ChannelType, data.Index)
}

// ChannelPingCommand probes a channel's base URLs for reachability.
func (h *ProxyRPCHandler) ChannelPingCommand(ctx context.Context, data ChannelPingRequest) (*ChannelPingResponse, error) {
	result := waveproxy.PingChannel(data.ChannelType, data.Index)
	return &ChannelPingResponse{
		Success:   result.Success,
		LatencyMs: result.LatencyMs,
		Error:     result.Error,
	}, nil
}

func metricsResponse(m *waveproxy.MetricsInfo) ChannelMetricsResponse {
	return ChannelMetricsResponse{
		ChannelID:           m.ChannelID,
		RequestCount:        m.RequestCount,
		SuccessCount:        m.SuccessCount,
		FailureCount:        m.FailureCount,
		SuccessRate:         m.SuccessRate,
		ConsecutiveFailures: m.ConsecutiveFailures,
		CircuitBroken:       m.CircuitBroken,
		InputTokens:         m.InputTokens,
		OutputTokens:        m.OutputTokens,
		CacheHitRate:        m.CacheHitRate,
		AvgLatencyMs:        m.AvgLatencyMs,
	}
}

// ChannelMetricsCommand returns rolling-window metrics, one entry per
// matching channel.
func (h *ProxyRPCHandler) ChannelMetricsCommand(ctx context.Context, data ChannelMetricsRequest) ([]ChannelMetricsResponse, error) {
	all := waveproxy.GetMetrics(data.ChannelID)
	out := make([]ChannelMetricsResponse, 0, len(all))
	for _, m := range all {
		out = append(out, metricsResponse(m))
	}
	return out, nil
}

// ChannelMetricsResetCommand clears a channel's metrics window
func (h *ProxyRPCHandler) ChannelMetricsResetCommand(ctx context.Context, data ChannelMetricsResetRequest) error {
	return waveproxy.ResetChannelMetrics(data.ChannelID)
}

// GlobalStatsCommand aggregates request counts across all channels.
func (h *ProxyRPCHandler) GlobalStatsCommand(ctx context.Context) (*GlobalStatsResponse, error) {
	stats := waveproxy.GetGlobalStats()
	return &GlobalStatsResponse{
		TotalRequests: stats.TotalRequests,
		SuccessCount:  stats.SuccessCount,
		FailureCount:  stats.FailureCount,
		SuccessRate:   stats.SuccessRate,
		ChannelCount:  stats.ChannelCount,
	}, nil
}

// SchedulerStatsCommand reports circuit breaker and affinity state.
func (h *ProxyRPCHandler) SchedulerStatsCommand(ctx context.Context) (*SchedulerStatsResponse, error) {
	stats := waveproxy.GetSchedulerStats()
	resp := &SchedulerStatsResponse{}
	if breakers, ok := stats["circuitBreakers"].(map[string]map[string]interface{}); ok {
		resp.CircuitBreakers = breakers
	}
	if count, ok := stats["affinityCount"].(int); ok {
		resp.AffinityCount = count
	}
	return resp, nil
}

// SchedulerResetCommand force-closes a channel's circuit breaker.
func (h *ProxyRPCHandler) SchedulerResetCommand(ctx context.Context, data SchedulerResetRequest) error {
	return waveproxy.ResetScheduler(data.ChannelID)
}

func historyEntry(r *waveproxy.RequestHistoryRecord) RequestHistoryEntry {
	return RequestHistoryEntry{
		ID:           r.ID,
		Timestamp:    r.Timestamp,
		ChannelID:    r.ChannelID,
		ChannelType:  r.ChannelType,
		Model:        r.Model,
		Success:      r.Success,
		LatencyMs:    r.LatencyMs,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		ErrorMsg:     r.ErrorMsg,
		ErrorDetails: r.ErrorDetails,
	}
}

// RequestHistoryCommand returns one page of request history, newest first.
func (h *ProxyRPCHandler) RequestHistoryCommand(ctx context.Context, data RequestHistoryRequest) (*RequestHistoryResponse, error) {
	records, totalCount := waveproxy.GetRequestHistory(data.ChannelID, data.Limit, data.Offset, data.Status)
	entries := make([]RequestHistoryEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, historyEntry(r))
	}
	return &RequestHistoryResponse{Records: entries, TotalCount: totalCount}, nil
}

// HistoryClearCommand drops every stored history record.
func (h *ProxyRPCHandler) HistoryClearCommand(ctx context.Context) error {
	return waveproxy.ClearRequestHistory()
}
