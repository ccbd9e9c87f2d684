//go:build windows

// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package sigutil

// InstallSIGUSR1Handler is a no-op on Windows, which has no SIGUSR1.
func InstallSIGUSR1Handler() {}
