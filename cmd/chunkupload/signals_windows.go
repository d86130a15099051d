//go:build windows

package main

import "os"

// Windows has no user signals: uploads can only be cancelled.
var (
	pauseSignal   os.Signal
	resumeSignal  os.Signal
	cancelSignals []os.Signal = []os.Signal{os.Interrupt}
)
