// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wavetermdev/waveproxy/pkg/waveproxy"
)

var statusPort int

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVarP(&statusPort, "port", "p", 0, "port the proxy listens on (default: configured port)")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "check whether the proxy server is healthy",
	RunE:  statusRun,
}

func statusRun(cmd *cobra.Command, args []string) error {
	// The configured port from waveproxy.json is the default probe target;
	// a flag or WAVEPROXY_PORT overrides it.
	st := waveproxy.GetProxyStatus()
	port := st.Port
	if cmd.Flags().Changed("port") {
		port = statusPort
	} else if envPort := os.Getenv(portEnvVar); envPort != "" {
		parsed, err := strconv.Atoi(envPort)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", portEnvVar, envPort, err)
		}
		port = parsed
	}
	if port <= 0 {
		return fmt.Errorf("no port configured; pass --port")
	}

	if err := proxyHealthCheck(port); err != nil {
		return fmt.Errorf("waveproxy is not responding on port %d: %w", port, err)
	}

	fmt.Printf("waveproxy is healthy on port %d (%d channels configured)\n", port, st.ChannelCount)
	return nil
}

// proxyHealthCheck hits the local health endpoint and reports a non-200 as
// an error.
func proxyHealthCheck(port int) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}
