//go:build !windows

package main

import (
	"os"
	"syscall"
)

var (
	pauseSignal   os.Signal   = syscall.SIGUSR1
	resumeSignal  os.Signal   = syscall.SIGUSR2
	cancelSignals []os.Signal = []os.Signal{os.Interrupt, syscall.SIGTERM}
)
