package main

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
)

type controller interface {
	Pause(trackingID string)
	Resume(trackingID string)
	Cancel(ctx context.Context, trackingID string) error
}

// signalHandler steers the running upload with process signals.
type signalHandler struct {
	ctl    controller
	logger log.Logger

	mu        sync.Mutex
	current   string
	cancelled bool
}

func newSignalHandler(ctl controller, logger log.Logger) *signalHandler {
	return &signalHandler{ctl: ctl, logger: logger}
}

func (h *signalHandler) track(trackingID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = trackingID
}

func (h *signalHandler) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *signalHandler) handle(ctx context.Context, sig os.Signal) {
	h.mu.Lock()
	id := h.current
	if sig != pauseSignal && sig != resumeSignal {
		h.cancelled = true
	}
	h.mu.Unlock()

	if id == "" {
		return
	}

	switch sig {
	case pauseSignal:
		h.logger.Warnf("Pausing upload %s", id)
		h.ctl.Pause(id)
	case resumeSignal:
		h.logger.Infof("Resuming upload %s", id)
		h.ctl.Resume(id)
	default:
		h.logger.Warnf("Cancelling upload %s", id)
		if err := h.ctl.Cancel(ctx, id); err != nil {
			h.logger.Errorf("Cancel upload %s: %s", id, err)
		}
	}
}

// watch handles signals until the returned stop function is called.
func (h *signalHandler) watch(ctx context.Context) func() {
	signals := append([]os.Signal{}, cancelSignals...)
	if pauseSignal != nil {
		signals = append(signals, pauseSignal, resumeSignal)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case sig := <-ch:
				h.handle(ctx, sig)
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
		wg.Wait()
	}
}
