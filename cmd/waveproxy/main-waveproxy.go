// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/wavetermdev/waveproxy/cmd/waveproxy/cmd"
	"github.com/wavetermdev/waveproxy/pkg/waveproxy"
)

// set via -ldflags at build time
var WaveProxyVersion = "1.0.0"
var BuildTime = "unknown"
var GitCommit = "unknown"

func main() {
	waveproxy.Version = WaveProxyVersion
	waveproxy.BuildTime = BuildTime
	waveproxy.GitCommit = GitCommit
	cmd.Execute()
}
