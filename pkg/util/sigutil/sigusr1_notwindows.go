//go:build !windows

// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package sigutil

import (
	"os"
	"os/signal"
	"runtime"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// InstallSIGUSR1Handler logs all goroutine stacks whenever the process
// receives SIGUSR1, for debugging a live proxy.
func InstallSIGUSR1Handler() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGUSR1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("[SIGUSR1] panic in signal handler: %v", r)
			}
		}()
		for range sigCh {
			dumpGoroutineStacks()
		}
	}()
}

func dumpGoroutineStacks() {
	buf := make([]byte, 1<<20)
	stackLen := runtime.Stack(buf, true)
	log.Infof("[SIGUSR1] goroutine stack dump (%d bytes):\n%s", stackLen, buf[:stackLen])
}
