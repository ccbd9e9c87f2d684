// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config defines the proxy's on-disk configuration: server
// settings plus the three channel lists, with atomic persistence and
// fsnotify-driven hot reload.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Config is the persisted proxy configuration document.
type Config struct {
	Port      int    `json:"port"`
	AccessKey string `json:"accessKey"`

	// Rolling-window failure detection.
	MetricsWindowSize       int     `json:"metricsWindowSize"`
	MetricsFailureThreshold float64 `json:"metricsFailureThreshold"`

	// Budgets for server-side conversation state.
	SessionMaxAge      time.Duration `json:"sessionMaxAge"`
	SessionMaxMessages int           `json:"sessionMaxMessages"`
	SessionMaxTokens   int           `json:"sessionMaxTokens"`

	// Upstream channel lists, one per API dialect.
	Channels         []Channel `json:"channels"`
	ResponseChannels []Channel `json:"responseChannels"`
	GeminiChannels   []Channel `json:"geminiChannels"`
}

// How a channel presents its API key to the upstream.
const (
	AuthTypeAPIKey     = "x-api-key"      // default
	AuthTypeBearer     = "bearer"         // Authorization: Bearer only
	AuthTypeBoth       = "both"           // x-api-key plus Authorization: Bearer
	AuthTypeGoogAPIKey = "x-goog-api-key" // Gemini-style header
)

// Channel lifecycle states.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusDisabled  = "disabled"
)

// Channel describes one upstream endpoint group: where to send traffic,
// which keys to use, and how the scheduler should rank it.
type Channel struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	ServiceType        string            `json:"serviceType"` // claude, openai, gemini
	BaseURL            string            `json:"baseUrl"`
	BaseURLs           []string          `json:"baseUrls,omitempty"` // takes precedence over BaseURL when set
	APIKeys            []APIKey          `json:"apiKeys"`
	AuthType           string            `json:"authType,omitempty"`
	Priority           int               `json:"priority"` // lower sorts first
	Status             string            `json:"status"`
	PromotionUntil     *time.Time        `json:"promotionUntil,omitempty"`
	ModelMapping       map[string]string `json:"modelMapping,omitempty"` // requested model -> upstream model
	LowQuality         bool              `json:"lowQuality,omitempty"`
	InsecureSkipVerify bool              `json:"insecureSkipVerify,omitempty"`
	Description        string            `json:"description,omitempty"`
}

// DefaultConfig is the configuration used when no file exists yet.
func DefaultConfig() *Config {
	return &Config{
		Port:                    3000,
		AccessKey:               "",
		MetricsWindowSize:       10,
		MetricsFailureThreshold: 0.5,
		SessionMaxAge:           24 * time.Hour,
		SessionMaxMessages:      100,
		SessionMaxTokens:        100000,
		Channels:                []Channel{},
		ResponseChannels:        []Channel{},
		GeminiChannels:          []Channel{},
	}
}

// LoadConfig reads and validates a proxy configuration from a JSON file.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes a proxy configuration to a JSON file atomically: the
// document goes to a temp file in the same directory, is fsynced, then renamed
// over the target. A failed write leaves the previous file untouched.
func SaveConfig(filePath string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(filePath)
	tmpFile, err := os.CreateTemp(dir, filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpName := tmpFile.Name()
	defer os.Remove(tmpName)

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	// The file carries API keys; owner-only permissions.
	if err := tmpFile.Chmod(0600); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to chmod temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

// Validate rejects an unusable port and clamps the metrics settings into
// their working ranges. It may mutate the receiver.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MetricsWindowSize < 3 {
		c.MetricsWindowSize = 3
	}
	if c.MetricsFailureThreshold <= 0 || c.MetricsFailureThreshold > 1 {
		c.MetricsFailureThreshold = 0.5
	}
	return nil
}

// Clone returns a copy that shares no slices with the receiver.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Channels = append([]Channel{}, c.Channels...)
	clone.ResponseChannels = append([]Channel{}, c.ResponseChannels...)
	clone.GeminiChannels = append([]Channel{}, c.GeminiChannels...)
	return &clone
}

// Clone returns a copy safe to mutate independently of the receiver.
func (ch *Channel) Clone() *Channel {
	clone := *ch
	if ch.BaseURLs != nil {
		clone.BaseURLs = append([]string{}, ch.BaseURLs...)
	}
	if ch.APIKeys != nil {
		clone.APIKeys = append([]APIKey{}, ch.APIKeys...)
	}
	if ch.ModelMapping != nil {
		mm := make(map[string]string, len(ch.ModelMapping))
		for k, v := range ch.ModelMapping {
			mm[k] = v
		}
		clone.ModelMapping = mm
	}
	return &clone
}

// GetAllBaseURLs resolves the channel's endpoint list. BaseURLs wins when
// populated; otherwise the single BaseURL is wrapped.
func (ch *Channel) GetAllBaseURLs() []string {
	if len(ch.BaseURLs) > 0 {
		return ch.BaseURLs
	}
	if ch.BaseURL != "" {
		return []string{ch.BaseURL}
	}
	return []string{}
}

// IsInPromotion reports whether the channel's promotion window is still open.
func (ch *Channel) IsInPromotion() bool {
	if ch.PromotionUntil == nil {
		return false
	}
	return time.Now().Before(*ch.PromotionUntil)
}

// Manager owns the live Config. It hands out copies, persists updates, and
// reloads when the file changes on disk.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	filePath string
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}

	onChange func(*Config) // guarded by mu
}

// NewManager loads filePath and starts watching it for outside edits. A
// missing or unreadable file is not an error; defaults serve until the
// first save.
func NewManager(filePath string) (*Manager, error) {
	m := &Manager{
		filePath: filePath,
		stopCh:   make(chan struct{}),
	}

	if err := m.load(); err != nil {
		m.config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	m.watcher = watcher

	// An empty path means in-memory only, nothing to watch.
	if filePath != "" {
		go m.watchConfig()
	}

	return m, nil
}

// Get returns a snapshot of the current configuration. Callers may mutate
// the result freely.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Clone()
}

// Update validates cfg, swaps it in, persists it, and notifies the change
// callback.
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg.Clone()
	path := m.filePath
	m.mu.Unlock()

	if path != "" {
		if err := m.save(); err != nil {
			return err
		}
	}
	if fn := m.changeCallback(); fn != nil {
		fn(cfg)
	}
	return nil
}

// OnChange registers fn to run after Update calls and after hot reloads.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) changeCallback() func(*Config) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.onChange
}

// Close stops the watcher goroutine.
func (m *Manager) Close() error {
	close(m.stopCh)
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) load() error {
	cfg, err := LoadConfig(m.filePath)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()

	return nil
}

func (m *Manager) save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	return SaveConfig(m.filePath, cfg)
}

// watchConfig watches for configuration file changes. The parent directory is
// watched rather than the file itself; atomic saves rename a temp file over the
// config path, which would orphan a file-level watch.
func (m *Manager) watchConfig() {
	if m.filePath == "" {
		return
	}

	if err := m.watcher.Add(filepath.Dir(m.filePath)); err != nil {
		log.Warnf("[WaveProxy-Config] failed to watch config directory: %v", err)
		return
	}

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Name != m.filePath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := m.load(); err != nil {
				log.Warnf("[WaveProxy-Config] reload after file change failed: %v", err)
				continue
			}
			log.Infof("[WaveProxy-Config] config file changed, reloaded: %s", m.filePath)
			if fn := m.changeCallback(); fn != nil {
				fn(m.Get())
			}
		case <-m.watcher.Errors:
			// drained so Events keeps flowing; watch errors are transient
		case <-m.stopCh:
			return
		}
	}
}
