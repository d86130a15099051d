package session

import (
	"context"
	"sync"
)

// Control carries the pause and cancel flags of one tracking id.
// It is independent of the Session: flags can be set before a session exists and outlive it.
type Control struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
	// changed is closed and replaced on every flag change, waking up waiters.
	changed chan struct{}
}

func newControl() *Control {
	return &Control{changed: make(chan struct{})}
}

// Pause ...
func (c *Control) Pause() {
	c.set(func() { c.paused = true })
}

// Resume ...
func (c *Control) Resume() {
	c.set(func() { c.paused = false })
}

// Cancel ...
func (c *Control) Cancel() {
	c.set(func() { c.cancelled = true })
}

// Reset clears both flags.
func (c *Control) Reset() {
	c.set(func() {
		c.paused = false
		c.cancelled = false
	})
}

// IsPaused ...
func (c *Control) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// IsCancelled ...
func (c *Control) IsCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// WaitWhilePaused blocks until the control is not paused, or it gets cancelled, or ctx is done.
// It reports whether the control is cancelled.
func (c *Control) WaitWhilePaused(ctx context.Context) (bool, error) {
	for {
		c.mu.Lock()
		paused, cancelled, changed := c.paused, c.cancelled, c.changed
		c.mu.Unlock()

		if cancelled {
			return true, nil
		}
		if !paused {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-changed:
		}
	}
}

func (c *Control) set(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
	close(c.changed)
	c.changed = make(chan struct{})
}

// Controls is the registry of control flags, keyed by tracking id.
type Controls struct {
	mu       sync.Mutex
	controls map[string]*Control
}

// NewControls ...
func NewControls() *Controls {
	return &Controls{controls: map[string]*Control{}}
}

// Get returns the control of the tracking id, creating it on first use.
func (c *Controls) Get(trackingID string) *Control {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctrl, ok := c.controls[trackingID]
	if !ok {
		ctrl = newControl()
		c.controls[trackingID] = ctrl
	}
	return ctrl
}

// Remove forgets the control of the tracking id.
func (c *Controls) Remove(trackingID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.controls, trackingID)
}
