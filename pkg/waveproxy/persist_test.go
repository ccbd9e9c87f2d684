// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package waveproxy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
)

func TestDefaultConfigPathHonorsEnvOverride(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "waveproxy")
	t.Setenv(ConfigDirEnvVar, dir)

	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("DefaultConfigPath failed: %v", err)
	}
	if want := filepath.Join(dir, proxyConfigFilename); path != want {
		t.Fatalf("expected %s, got %s", want, path)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("config directory was not created: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("%s is not a directory", dir)
	}
}

func TestLoadProxyConfigDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv(ConfigDirEnvVar, t.TempDir())

	cfg, err := loadProxyConfigFromDisk()
	if err != nil {
		t.Fatalf("loadProxyConfigFromDisk failed: %v", err)
	}
	defaults := config.DefaultConfig()
	if cfg.Port != defaults.Port {
		t.Fatalf("expected default port %d, got %d", defaults.Port, cfg.Port)
	}
	if len(cfg.Channels) != 0 || len(cfg.ResponseChannels) != 0 || len(cfg.GeminiChannels) != 0 {
		t.Fatalf("expected empty channel lists, got %d/%d/%d",
			len(cfg.Channels), len(cfg.ResponseChannels), len(cfg.GeminiChannels))
	}
}

func TestSaveProxyConfigRoundTripsThroughDisk(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(ConfigDirEnvVar, dir)

	cfg := config.DefaultConfig()
	cfg.Port = 3210
	cfg.AccessKey = "shared-secret"
	cfg.Channels = []config.Channel{{
		ID:      "chan-a",
		Name:    "Primary",
		BaseURL: "https://api.example.com",
		APIKeys: []config.APIKey{{Key: "sk-one", Enabled: true}, {Key: "sk-two", Enabled: false}},
		Status:  config.StatusActive,
	}}

	if err := saveProxyConfigToDisk(cfg); err != nil {
		t.Fatalf("saveProxyConfigToDisk failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, proxyConfigLockFilename)); err != nil {
		t.Fatalf("lock file was not created: %v", err)
	}

	loaded, err := loadProxyConfigFromDisk()
	if err != nil {
		t.Fatalf("loadProxyConfigFromDisk failed: %v", err)
	}
	if loaded.Port != 3210 || loaded.AccessKey != "shared-secret" {
		t.Fatalf("round trip lost server settings: port=%d accessKey=%q", loaded.Port, loaded.AccessKey)
	}
	if len(loaded.Channels) != 1 {
		t.Fatalf("expected 1 channel, got %d", len(loaded.Channels))
	}
	ch := loaded.Channels[0]
	if ch.ID != "chan-a" || ch.BaseURL != "https://api.example.com" {
		t.Fatalf("round trip lost channel fields: %+v", ch)
	}
	if len(ch.APIKeys) != 2 || ch.APIKeys[0].Key != "sk-one" || !ch.APIKeys[0].Enabled || ch.APIKeys[1].Enabled {
		t.Fatalf("round trip lost API keys: %+v", ch.APIKeys)
	}
}

func TestSaveProxyConfigRejectsInvalidPort(t *testing.T) {
	t.Setenv(ConfigDirEnvVar, t.TempDir())

	cfg := config.DefaultConfig()
	cfg.Port = 0
	if err := saveProxyConfigToDisk(cfg); err == nil {
		t.Fatalf("expected validation error for port 0")
	}
	if err := saveProxyConfigToDisk(nil); err == nil {
		t.Fatalf("expected error for nil config")
	}
}
