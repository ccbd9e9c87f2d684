// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wavetermdev/waveproxy/pkg/util/sigutil"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy/config"
)

const (
	portEnvVar      = "WAVEPROXY_PORT"
	accessKeyEnvVar = "WAVEPROXY_ACCESS_KEY"
)

var servePort int
var serveConfigFile string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 3000, "port to listen on")
	serveCmd.Flags().StringVarP(&serveConfigFile, "config", "c", "", "config file path")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the AI API proxy server",
	Long: `Start the WaveProxy AI API proxy server.

This command starts a local HTTP proxy server that forwards requests to
multiple AI API providers (Claude, OpenAI, Gemini) with failover, API key
rotation, and metrics collection. Channel edits written to the config file
are hot-reloaded into the running server.

Examples:
  waveproxy serve                        # Start proxy on default port 3000
  waveproxy serve --port 8080            # Start proxy on port 8080
  waveproxy serve -p 8080 -c config.json # Start with a custom config file
`,
	RunE: serveRun,
}

func serveRun(cmd *cobra.Command, args []string) error {
	cfgPath := serveConfigFile
	if cfgPath == "" {
		var err error
		cfgPath, err = waveproxy.DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("failed to resolve config path: %w", err)
		}
	}

	cfgManager, err := config.NewManager(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	defer cfgManager.Close()

	cfg := cfgManager.Get()
	if cmd.Flags().Changed("port") {
		cfg.Port = servePort
	} else if envPort := os.Getenv(portEnvVar); envPort != "" {
		parsed, err := strconv.Atoi(envPort)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", portEnvVar, envPort, err)
		}
		cfg.Port = parsed
	}
	if accessKey := os.Getenv(accessKeyEnvVar); accessKey != "" {
		cfg.AccessKey = accessKey
	}

	server, err := waveproxy.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create proxy server: %w", err)
	}

	// Push config file edits into the running server. The listen port and
	// access key stay fixed until restart.
	cfgManager.OnChange(func(newCfg *config.Config) {
		if err := server.ReloadConfig(newCfg); err != nil {
			log.Errorf("[WaveProxy] config reload failed: %v", err)
		}
	})

	sigutil.InstallSIGUSR1Handler()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start proxy server: %w", err)
	}

	log.Infof("[WaveProxy] Server running on port %d (config: %s)", cfg.Port, cfgPath)
	log.Infof("[WaveProxy] Press Ctrl+C to stop")

	<-sigChan
	log.Infof("[WaveProxy] Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Errorf("[WaveProxy] Error during shutdown: %v", err)
	}

	log.Infof("[WaveProxy] Server stopped")
	return nil
}
