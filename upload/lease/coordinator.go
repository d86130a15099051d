// Package lease acquires and releases the exclusive write lease of a remote object
// for the lifetime of one upload session.
//
// Leases are not renewed: an upload running longer than the lease duration fails
// its commit with blob.ErrLeaseExpired.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitrise-io/go-chunked-upload/blob"
	"github.com/bitrise-io/go-chunked-upload/internal/wait"
	"github.com/bitrise-io/go-chunked-upload/metrics"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	// DefaultDuration ...
	DefaultDuration = 60 * time.Second
	// DefaultBreakDelay is the wait between breaking a stale lease and acquiring a new one.
	DefaultBreakDelay = time.Second
)

// ErrLeaseAcquisitionFailed is returned when no lease could be obtained on the object.
var ErrLeaseAcquisitionFailed = errors.New("lease acquisition failed")

// Coordinator ...
type Coordinator struct {
	logger     log.Logger
	metrics    metrics.Sink
	duration   time.Duration
	breakDelay time.Duration
}

// NewCoordinator creates a Coordinator. A non-positive duration falls back to DefaultDuration,
// a negative break delay to DefaultBreakDelay.
func NewCoordinator(logger log.Logger, sink metrics.Sink, duration, breakDelay time.Duration) *Coordinator {
	if duration <= 0 {
		duration = DefaultDuration
	}
	if breakDelay < 0 {
		breakDelay = DefaultBreakDelay
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Coordinator{
		logger:     logger,
		metrics:    sink,
		duration:   duration,
		breakDelay: breakDelay,
	}
}

// Acquire takes a fresh lease on obj. A lease left behind by a crashed writer is broken first;
// concurrent writers of the same object are not arbitrated, the last one to break wins.
func (c *Coordinator) Acquire(ctx context.Context, obj blob.Object) (string, error) {
	state, err := obj.LeaseState(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: get lease state of %s: %w", ErrLeaseAcquisitionFailed, obj.Name(), err)
	}

	if state == blob.Leased {
		c.logger.Warnf("Object %s is leased, breaking stale lease", obj.Name())
		if err := obj.BreakLease(ctx); err != nil {
			return "", fmt.Errorf("%w: break lease of %s: %w", ErrLeaseAcquisitionFailed, obj.Name(), err)
		}
		c.metrics.LeaseBroken()

		if err := wait.Sleep(ctx, c.breakDelay); err != nil {
			return "", fmt.Errorf("%w: wait after breaking the lease of %s: %w", ErrLeaseAcquisitionFailed, obj.Name(), err)
		}
	}

	leaseID, err := obj.AcquireLease(ctx, c.duration)
	if err != nil {
		return "", fmt.Errorf("%w: acquire lease of %s: %w", ErrLeaseAcquisitionFailed, obj.Name(), err)
	}

	c.logger.Debugf("Acquired lease %s on %s for %s", leaseID, obj.Name(), c.duration)
	return leaseID, nil
}

// Release ...
func (c *Coordinator) Release(ctx context.Context, obj blob.Object, leaseID string) error {
	if err := obj.ReleaseLease(ctx, leaseID); err != nil {
		return fmt.Errorf("release lease of %s: %w", obj.Name(), err)
	}
	c.logger.Debugf("Released lease %s on %s", leaseID, obj.Name())
	return nil
}

// Duration ...
func (c *Coordinator) Duration() time.Duration {
	return c.duration
}
