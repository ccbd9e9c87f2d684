// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package waveproxy

// This file is the in-process control surface the RPC layer calls into:
// lifecycle, channel CRUD, metrics, scheduler, and history queries against
// the one process-wide proxy instance.

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/history"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/metrics"
)

// proxyMu guards both the server instance and its config.
var (
	proxyMu     sync.RWMutex
	proxyServer *ProxyServer
	proxyConfig *config.Config
)

// loadConfigIfNeededLocked populates proxyConfig from disk on first use.
// Caller holds proxyMu.
func loadConfigIfNeededLocked() error {
	if proxyConfig != nil {
		return nil
	}
	cfg, err := loadProxyConfigFromDisk()
	if err != nil {
		return err
	}
	proxyConfig = cfg
	return nil
}

// configSnapshot hands out a private copy of the current config, loading it
// from disk on first use. Read paths work on the copy without holding proxyMu.
func configSnapshot() (*config.Config, error) {
	proxyMu.Lock()
	defer proxyMu.Unlock()

	if err := loadConfigIfNeededLocked(); err != nil {
		return nil, err
	}
	return proxyConfig.Clone(), nil
}

// persistAndPushLocked saves the in-memory config to disk and refreshes
// the running server's channel tables. Caller holds proxyMu.
func persistAndPushLocked() error {
	if err := saveProxyConfigToDisk(proxyConfig); err != nil {
		return err
	}
	if proxyServer != nil {
		proxyServer.GetChannelManager().LoadChannels(proxyConfig)
	}
	return nil
}

// mutateChannels runs fn against the named channel list, then persists the
// config and pushes it to the running server. fn edits the slice in place.
func mutateChannels(channelType string, fn func(channels *[]config.Channel) error) error {
	proxyMu.Lock()
	defer proxyMu.Unlock()

	if err := loadConfigIfNeededLocked(); err != nil {
		return err
	}
	channels, err := configSliceForChannelType(proxyConfig, channelType)
	if err != nil {
		return err
	}
	if err := fn(channels); err != nil {
		return err
	}
	return persistAndPushLocked()
}

// ChannelInfo is the RPC projection of one configured channel.
type ChannelInfo struct {
	ID                 string
	Name               string
	ServiceType        string
	BaseUrl            string
	BaseUrls           []string
	ApiKeys            []config.APIKey
	AuthType           string
	Priority           int
	Status             string
	PromotionUntil     string
	ModelMapping       map[string]string
	LowQuality         bool
	InsecureSkipVerify bool
	Description        string
}

// PingResult is the outcome of a channel connectivity probe.
type PingResult struct {
	Success   bool
	LatencyMs int64
	Error     string
}

// MetricsInfo is the RPC projection of one channel's metrics snapshot.
type MetricsInfo struct {
	ChannelID           string
	RequestCount        int64
	SuccessCount        int64
	FailureCount        int64
	SuccessRate         float64
	ConsecutiveFailures int64
	CircuitBroken       bool
	InputTokens         int64
	OutputTokens        int64
	CacheHitRate        float64
	AvgLatencyMs        float64
}

// GlobalStatsInfo carries process-wide request totals.
type GlobalStatsInfo struct {
	TotalRequests int64
	SuccessCount  int64
	FailureCount  int64
	SuccessRate   float64
	ChannelCount  int
}

// RequestHistoryRecord is the RPC projection of one history row.
type RequestHistoryRecord struct {
	ID           string
	Timestamp    string
	ChannelID    string
	ChannelType  string
	Model        string
	Success      bool
	LatencyMs    int64
	InputTokens  int64
	OutputTokens int64
	ErrorMsg     string
	ErrorDetails string
}

// RpcProxyStatus is the proxy status reported to RPC clients.
type RpcProxyStatus struct {
	Running      bool
	Port         int
	StartedAt    string
	Uptime       string
	Version      string
	ChannelCount int
}

// StartProxyServer builds a server from the on-disk config and starts it.
func StartProxyServer(ctx context.Context) error {
	proxyMu.Lock()
	defer proxyMu.Unlock()

	if proxyServer != nil && proxyServer.IsRunning() {
		return fmt.Errorf("proxy server is already running")
	}

	if err := loadConfigIfNeededLocked(); err != nil {
		return err
	}

	log.Infof("[WaveProxy] Config loaded: %d channels, %d response channels, %d gemini channels",
		len(proxyConfig.Channels), len(proxyConfig.ResponseChannels), len(proxyConfig.GeminiChannels))
	for i, ch := range proxyConfig.Channels {
		log.Debugf("[WaveProxy] Channel[%d]: id=%s, name=%s, status=%s, baseUrl=%s",
			i, ch.ID, ch.Name, ch.Status, ch.BaseURL)
	}

	server, err := New(proxyConfig.Clone())
	if err != nil {
		return fmt.Errorf("failed to create proxy server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start proxy server: %w", err)
	}

	proxyServer = server
	return nil
}

// StopProxyServer shuts down the global proxy server.
func StopProxyServer(ctx context.Context) error {
	proxyMu.Lock()
	defer proxyMu.Unlock()

	if proxyServer == nil {
		return fmt.Errorf("proxy server not initialized")
	}
	if err := proxyServer.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop proxy server: %w", err)
	}
	return nil
}

// GetProxyStatus reports whether the proxy is running and on which port.
// While stopped, the configured port is reported rather than the last
// server's, since the config can change between runs.
func GetProxyStatus() RpcProxyStatus {
	proxyMu.Lock()
	defer proxyMu.Unlock()

	if err := loadConfigIfNeededLocked(); err != nil {
		return RpcProxyStatus{Running: false, Version: Version}
	}

	if proxyServer != nil {
		if status := proxyServer.Status(); status.Running {
			return RpcProxyStatus{
				Running:      true,
				Port:         status.Port,
				StartedAt:    status.StartedAt.Format(time.RFC3339),
				Uptime:       status.Uptime,
				Version:      status.Version,
				ChannelCount: status.ChannelCount,
			}
		}
	}

	return RpcProxyStatus{
		Running:      false,
		Port:         proxyConfig.Port,
		Version:      Version,
		ChannelCount: countConfigChannels(proxyConfig),
	}
}

// SetProxyPort persists a new listen port. A running proxy is moved to the
// new port by starting a second server before stopping the old one, so a
// port conflict leaves the old server untouched.
func SetProxyPort(ctx context.Context, port int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}

	proxyMu.Lock()
	defer proxyMu.Unlock()

	if err := loadConfigIfNeededLocked(); err != nil {
		return err
	}
	if proxyConfig.Port == port {
		return nil
	}

	next := proxyConfig.Clone()
	next.Port = port

	if proxyServer == nil || !proxyServer.IsRunning() {
		if err := saveProxyConfigToDisk(next); err != nil {
			return err
		}
		proxyConfig = next
		if proxyServer != nil {
			_ = proxyServer.ReloadConfig(next)
		}
		return nil
	}

	return moveRunningServerLocked(ctx, next)
}

// moveRunningServerLocked brings up a server on next's port before tearing
// down the current one, then persists next. Any failure along the way rolls
// back to the previous server and config. Caller holds proxyMu.
func moveRunningServerLocked(ctx context.Context, next *config.Config) error {
	prev := proxyServer
	prevCfg := proxyConfig.Clone()

	replacement, err := New(next)
	if err != nil {
		return err
	}
	if err := replacement.Start(ctx); err != nil {
		return err
	}

	if err := saveProxyConfigToDisk(next); err != nil {
		_ = replacement.Stop(ctx)
		return err
	}

	if err := prev.Stop(ctx); err != nil {
		_ = replacement.Stop(ctx)
		_ = saveProxyConfigToDisk(prevCfg)
		proxyConfig = prevCfg
		return err
	}

	proxyServer = replacement
	proxyConfig = next
	return nil
}

// ReloadProxyConfig re-reads waveproxy.json from disk and pushes the new
// channel lists into the running server, if any.
func ReloadProxyConfig() error {
	proxyMu.Lock()
	defer proxyMu.Unlock()

	cfg, err := loadProxyConfigFromDisk()
	if err != nil {
		return err
	}
	proxyConfig = cfg

	if proxyServer != nil {
		return proxyServer.ReloadConfig(cfg.Clone())
	}
	return nil
}

// GetChannelList returns the configured channels of one type.
func GetChannelList(channelType string) []*ChannelInfo {
	cfg, err := configSnapshot()
	if err != nil {
		return []*ChannelInfo{}
	}
	channels, err := configSliceForChannelType(cfg, channelType)
	if err != nil {
		return []*ChannelInfo{}
	}

	result := make([]*ChannelInfo, len(*channels))
	for i, ch := range *channels {
		result[i] = channelInfoFrom(ch)
	}
	return result
}

func channelInfoFrom(ch config.Channel) *ChannelInfo {
	info := &ChannelInfo{
		ID:                 ch.ID,
		Name:               ch.Name,
		ServiceType:        ch.ServiceType,
		BaseUrl:            ch.BaseURL,
		BaseUrls:           ch.BaseURLs,
		ApiKeys:            ch.APIKeys,
		AuthType:           ch.AuthType,
		Priority:           ch.Priority,
		Status:             ch.Status,
		ModelMapping:       ch.ModelMapping,
		LowQuality:         ch.LowQuality,
		InsecureSkipVerify: ch.InsecureSkipVerify,
		Description:        ch.Description,
	}
	if ch.PromotionUntil != nil {
		info.PromotionUntil = ch.PromotionUntil.Format(time.RFC3339)
	}
	return info
}

// CreateChannel appends a channel to the given type's list and persists.
func CreateChannel(channelType string, channel interface{}) error {
	ch, err := decodeProxyChannel(channel)
	if err != nil {
		return err
	}
	return mutateChannels(channelType, func(channels *[]config.Channel) error {
		*channels = append(*channels, *ch)
		return nil
	})
}

// UpdateChannel replaces the channel at index and persists. An empty ID in
// the update keeps the existing one.
func UpdateChannel(channelType string, index int, channel interface{}) error {
	ch, err := decodeProxyChannel(channel)
	if err != nil {
		return err
	}
	return mutateChannels(channelType, func(channels *[]config.Channel) error {
		if index < 0 || index >= len(*channels) {
			return fmt.Errorf("channel index out of range")
		}
		if ch.ID == "" {
			ch.ID = (*channels)[index].ID
		}
		(*channels)[index] = *ch
		return nil
	})
}

// DeleteChannel removes the channel at index and persists.
func DeleteChannel(channelType string, index int) error {
	return mutateChannels(channelType, func(channels *[]config.Channel) error {
		if index < 0 || index >= len(*channels) {
			return fmt.Errorf("channel index out of range")
		}
		*channels = append((*channels)[:index], (*channels)[index+1:]...)
		return nil
	})
}

// PingChannel probes a channel's base URLs and reports the best result.
func PingChannel(channelType string, index int) PingResult {
	cfg, err := configSnapshot()
	if err != nil {
		return PingResult{Success: false, Error: err.Error()}
	}
	channels, err := configSliceForChannelType(cfg, channelType)
	if err != nil {
		return PingResult{Success: false, Error: err.Error()}
	}
	if index < 0 || index >= len(*channels) {
		return PingResult{Success: false, Error: "channel index out of range"}
	}

	ch := (*channels)[index]
	return pingChannelBaseURLs(ch.GetAllBaseURLs(), ch.InsecureSkipVerify)
}

// GetMetrics returns metrics for one channel, or for all channels when
// channelID is empty.
func GetMetrics(channelID string) []*MetricsInfo {
	proxyMu.RLock()
	defer proxyMu.RUnlock()

	if proxyServer == nil {
		return []*MetricsInfo{}
	}
	mgr := proxyServer.GetMetricsManager()
	if mgr == nil {
		return []*MetricsInfo{}
	}

	if channelID != "" {
		return []*MetricsInfo{metricsInfoFrom(mgr.GetChannelMetrics(channelID))}
	}

	all := mgr.GetAllChannelMetrics()
	result := make([]*MetricsInfo, 0, len(all))
	for _, m := range all {
		result = append(result, metricsInfoFrom(m))
	}
	return result
}

func metricsInfoFrom(m *metrics.ChannelMetrics) *MetricsInfo {
	return &MetricsInfo{
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

// GetGlobalStats returns process-wide request totals.
func GetGlobalStats() GlobalStatsInfo {
	proxyMu.RLock()
	defer proxyMu.RUnlock()

	if proxyServer == nil {
		return GlobalStatsInfo{}
	}
	mgr := proxyServer.GetMetricsManager()
	if mgr == nil {
		return GlobalStatsInfo{}
	}

	stats := mgr.GetGlobalStats()
	return GlobalStatsInfo{
		TotalRequests: coerceInt64(stats["totalRequests"]),
		SuccessCount:  coerceInt64(stats["successCount"]),
		FailureCount:  coerceInt64(stats["failureCount"]),
		SuccessRate:   coerceFloat64(stats["successRate"]),
		ChannelCount:  coerceInt(stats["channelCount"]),
	}
}

func coerceInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func coerceFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return 0
	}
}

func coerceInt(v interface{}) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}

// ResetChannelMetrics clears the metrics snapshot for a channel.
func ResetChannelMetrics(channelID string) error {
	proxyMu.Lock()
	defer proxyMu.Unlock()

	if proxyServer == nil {
		return fmt.Errorf("proxy server not initialized")
	}
	mgr := proxyServer.GetMetricsManager()
	if mgr == nil {
		return fmt.Errorf("metrics manager not initialized")
	}

	mgr.ResetChannelMetrics(channelID)
	return nil
}

// GetSchedulerStats returns circuit breaker and affinity statistics.
func GetSchedulerStats() map[string]interface{} {
	proxyMu.RLock()
	defer proxyMu.RUnlock()

	if proxyServer == nil {
		return map[string]interface{}{}
	}
	return proxyServer.GetScheduler().GetSchedulerStats()
}

// ResetScheduler force-closes the circuit breaker for a channel.
func ResetScheduler(channelID string) error {
	proxyMu.Lock()
	defer proxyMu.Unlock()

	if proxyServer == nil {
		return fmt.Errorf("proxy server not initialized")
	}
	proxyServer.GetScheduler().ResetCircuit(channelID)
	return nil
}

// GetRequestHistory returns history rows plus the total match count for
// pagination.
func GetRequestHistory(channelID string, limit, offset int, statusFilter string) ([]*RequestHistoryRecord, int64) {
	proxyMu.RLock()
	defer proxyMu.RUnlock()

	if proxyServer == nil {
		return []*RequestHistoryRecord{}, 0
	}
	historyMgr := proxyServer.GetHistoryManager()
	if historyMgr == nil {
		return []*RequestHistoryRecord{}, 0
	}

	records, totalCount := historyMgr.GetHistory(channelID, limit, offset, statusFilter)
	result := make([]*RequestHistoryRecord, len(records))
	for i, r := range records {
		result[i] = historyRecordFrom(r)
	}
	return result, totalCount
}

func historyRecordFrom(r history.RequestRecord) *RequestHistoryRecord {
	return &RequestHistoryRecord{
		ID:           r.ID,
		Timestamp:    r.Timestamp.Format(time.RFC3339),
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

// ClearRequestHistory drops all request history rows.
func ClearRequestHistory() error {
	proxyMu.Lock()
	defer proxyMu.Unlock()

	if proxyServer == nil {
		return nil
	}
	historyMgr := proxyServer.GetHistoryManager()
	if historyMgr == nil {
		return nil
	}
	historyMgr.Clear()
	return nil
}
