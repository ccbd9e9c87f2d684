// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package waveproxy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alexflint/go-filemutex"
	log "github.com/sirupsen/logrus"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
)

const (
	proxyConfigFilename     = "waveproxy.json"
	proxyConfigLockFilename = "waveproxy.lock"

	// ConfigDirEnvVar overrides the default config directory (~/.config/waveproxy).
	ConfigDirEnvVar = "WAVEPROXY_CONFIG_DIR"
)

func configDir() (string, error) {
	if dir := os.Getenv(ConfigDirEnvVar); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "waveproxy"), nil
}

// DefaultConfigPath returns the waveproxy.json path inside the user config
// directory, creating the directory if needed.
func DefaultConfigPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return filepath.Join(dir, proxyConfigFilename), nil
}

func loadProxyConfigFromDisk() (*config.Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	log.Infof("[WaveProxy-Persist] Loading config from: %s", path)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Infof("[WaveProxy-Persist] Config file not found, using defaults")
			return config.DefaultConfig(), nil
		}
		log.Errorf("[WaveProxy-Persist] Error loading config: %v", err)
		return nil, err
	}
	log.Infof("[WaveProxy-Persist] Config loaded: %d channels, %d response channels, %d gemini channels",
		len(cfg.Channels), len(cfg.ResponseChannels), len(cfg.GeminiChannels))
	return cfg, nil
}

// saveProxyConfigToDisk validates and atomically writes the config. A lock
// file beside waveproxy.json serializes writers across processes.
func saveProxyConfigToDisk(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	path, err := DefaultConfigPath()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	lock, err := filemutex.New(filepath.Join(filepath.Dir(path), proxyConfigLockFilename))
	if err != nil {
		return fmt.Errorf("failed to create config lock: %w", err)
	}
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire config lock: %w", err)
	}
	defer func() {
		if err := lock.Close(); err != nil {
			log.Warnf("[WaveProxy-Persist] failed to release config lock: %v", err)
		}
	}()

	return config.SaveConfig(path, cfg)
}
