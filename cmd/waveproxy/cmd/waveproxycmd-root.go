// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy"
)

const logLevelEnvVar = "WAVEPROXY_LOG_LEVEL"

var rootLogLevel string

var rootCmd = &cobra.Command{
	Use:               "waveproxy",
	Short:             "local failover proxy for AI provider APIs",
	PersistentPreRunE: rootPreRun,
	SilenceUsage:      true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func rootPreRun(cmd *cobra.Command, args []string) error {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if err := godotenv.Load(); err != nil {
		log.Debugf("[WaveProxy] no .env file found, using system environment")
	}

	level := rootLogLevel
	if level == "" {
		level = os.Getenv(logLevelEnvVar)
	}
	if level != "" {
		parsed, err := log.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		log.SetLevel(parsed)
	}
	return nil
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	rootCmd.Version = fmt.Sprintf("%s (build %s, commit %s)",
		waveproxy.Version, waveproxy.BuildTime, waveproxy.GitCommit)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
