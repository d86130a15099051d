// Package blob defines the remote object contract the upload engine stages
// blocks against. Implementations live in the s3blob and memblob packages.
package blob

import (
	"context"
	"errors"
	"time"
)

// LeaseState ...
type LeaseState int

const (
	// Unleased means nobody holds a write lease on the object.
	Unleased LeaseState = iota
	// Leased means a (possibly stale) write lease is held on the object.
	Leased
)

func (s LeaseState) String() string {
	if s == Leased {
		return "leased"
	}
	return "unleased"
}

var (
	// ErrLeaseMissing is returned when a write is attempted without a lease being held on the object.
	ErrLeaseMissing = errors.New("there is currently no lease on the object")
	// ErrLeaseMismatch is returned when the supplied lease id does not match the active lease.
	ErrLeaseMismatch = errors.New("the lease id specified did not match the lease id for the object")
	// ErrLeaseExpired is returned when the lease held by the caller has run out.
	ErrLeaseExpired = errors.New("the lease on the object has expired")
	// ErrLeaseAlreadyPresent is returned by AcquireLease when another lease is active.
	ErrLeaseAlreadyPresent = errors.New("there is already a lease present")
	// ErrInvalidBlock is returned by StageBlock for a block the object can never accept,
	// like an id beyond the block limit of the store.
	ErrInvalidBlock = errors.New("the specified block is not accepted by the object")
	// ErrInvalidBlockList is returned by CommitBlockList when a listed block was never staged.
	ErrInvalidBlockList = errors.New("the specified block list is invalid")
)

// IsLeaseError reports whether err is a rejection caused by a missing, foreign or expired lease.
func IsLeaseError(err error) bool {
	return errors.Is(err, ErrLeaseMissing) || errors.Is(err, ErrLeaseMismatch) || errors.Is(err, ErrLeaseExpired)
}

// Object is a remote object that is assembled from individually staged blocks.
//
// Blocks are staged under a write lease and become visible only once the
// ordered block list is committed.
type Object interface {
	// Name returns the object name, used for logging and status records.
	Name() string

	// URL returns a location the committed object can be fetched from.
	URL(ctx context.Context) (string, error)

	StageBlock(ctx context.Context, blockID string, data []byte, leaseID string) error
	CommitBlockList(ctx context.Context, blockIDs []string, leaseID string, metadata map[string]string) error
	UncommittedBlocks(ctx context.Context, leaseID string) ([]string, error)

	AcquireLease(ctx context.Context, duration time.Duration) (string, error)
	BreakLease(ctx context.Context) error
	ReleaseLease(ctx context.Context, leaseID string) error
	LeaseState(ctx context.Context) (LeaseState, error)
}
