package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunked-upload/blob"
	"github.com/bitrise-io/go-chunked-upload/blob/memblob"
	"github.com/bitrise-io/go-chunked-upload/metrics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type breakCounter struct {
	metrics.Nop
	breaks int
}

func (b *breakCounter) LeaseBroken() {
	b.breaks++
}

type failingObject struct {
	*memblob.Object
	stateErr   error
	acquireErr error
}

func (f failingObject) LeaseState(ctx context.Context) (blob.LeaseState, error) {
	if f.stateErr != nil {
		return blob.Unleased, f.stateErr
	}
	return f.Object.LeaseState(ctx)
}

func (f failingObject) AcquireLease(ctx context.Context, d time.Duration) (string, error) {
	if f.acquireErr != nil {
		return "", f.acquireErr
	}
	return f.Object.AcquireLease(ctx, d)
}

func TestCoordinator_AcquireUnleased(t *testing.T) {
	obj := memblob.New("file.bin")
	sink := &breakCounter{}
	c := NewCoordinator(log.NewLogger(), sink, time.Minute, 0)

	leaseID, err := c.Acquire(context.Background(), obj)

	require.NoError(t, err)
	assert.NotEmpty(t, leaseID)
	assert.Equal(t, leaseID, obj.HeldLease())
	assert.Equal(t, 0, obj.BreakCalls())
	assert.Equal(t, 0, sink.breaks)
}

func TestCoordinator_BreaksStaleLease(t *testing.T) {
	obj := memblob.New("file.bin")
	obj.ForceLease("crashed-writer", time.Hour)
	sink := &breakCounter{}
	c := NewCoordinator(log.NewLogger(), sink, time.Minute, 10*time.Millisecond)

	start := time.Now()
	leaseID, err := c.Acquire(context.Background(), obj)

	require.NoError(t, err)
	assert.NotEqual(t, "crashed-writer", leaseID)
	assert.Equal(t, leaseID, obj.HeldLease())
	assert.Equal(t, 1, obj.BreakCalls())
	assert.Equal(t, 1, sink.breaks)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestCoordinator_BreakDelayHonoursContext(t *testing.T) {
	obj := memblob.New("file.bin")
	obj.ForceLease("crashed-writer", time.Hour)
	c := NewCoordinator(log.NewLogger(), nil, time.Minute, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Acquire(ctx, obj)

	assert.ErrorIs(t, err, ErrLeaseAcquisitionFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCoordinator_Failures(t *testing.T) {
	errNetwork := errors.New("network down")
	tests := []struct {
		name  string
		obj   blob.Object
		cause error
	}{
		{
			name:  "lease state unavailable",
			obj:   failingObject{Object: memblob.New("a"), stateErr: errNetwork},
			cause: errNetwork,
		},
		{
			name:  "acquire rejected",
			obj:   failingObject{Object: memblob.New("b"), acquireErr: blob.ErrLeaseAlreadyPresent},
			cause: blob.ErrLeaseAlreadyPresent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCoordinator(log.NewLogger(), nil, 0, 0)

			_, err := c.Acquire(context.Background(), tt.obj)

			assert.ErrorIs(t, err, ErrLeaseAcquisitionFailed)
			assert.ErrorIs(t, err, tt.cause)
		})
	}
}

func TestCoordinator_Release(t *testing.T) {
	obj := memblob.New("file.bin")
	c := NewCoordinator(log.NewLogger(), nil, 0, 0)
	assert.Equal(t, DefaultDuration, c.Duration())

	leaseID, err := c.Acquire(context.Background(), obj)
	require.NoError(t, err)

	require.NoError(t, c.Release(context.Background(), obj, leaseID))
	assert.Empty(t, obj.HeldLease())

	err = c.Release(context.Background(), obj, leaseID)
	assert.ErrorIs(t, err, blob.ErrLeaseMissing)
}
