// Package memblob provides an in-memory blob.Object.
// It backs dry runs of the CLI and lets tests inject staging faults.
package memblob

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunked-upload/blob"
	"github.com/google/uuid"
)

// Option ...
type Option func(*Object)

// WithClock overrides the time source used for lease expiry.
func WithClock(now func() time.Time) Option {
	return func(o *Object) {
		o.now = now
	}
}

type fault struct {
	remaining int
	err       error
}

// Object is a blob.Object held in memory.
type Object struct {
	name string
	now  func() time.Time

	mu              sync.Mutex
	leaseID         string
	leaseExpiry     time.Time
	staged          map[string][]byte
	committedBlocks []string
	committedData   map[string][]byte
	content         []byte
	metadata        map[string]string

	stageCalls  int
	commitCalls int
	breakCalls  int
	faults      map[string]*fault
	onStage     func(blockID string)
}

// New creates an empty object.
func New(name string, opts ...Option) *Object {
	o := &Object{
		name:          name,
		now:           time.Now,
		staged:        map[string][]byte{},
		committedData: map[string][]byte{},
		faults:        map[string]*fault{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Name ...
func (o *Object) Name() string {
	return o.name
}

// URL ...
func (o *Object) URL(context.Context) (string, error) {
	return "mem://" + o.name, nil
}

// FailStage makes the next `times` StageBlock calls for blockID fail with err.
func (o *Object) FailStage(blockID string, times int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.faults[blockID] = &fault{remaining: times, err: err}
}

// OnStage registers a hook that runs at the start of every StageBlock call, outside of the object lock.
func (o *Object) OnStage(fn func(blockID string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onStage = fn
}

// ForceLease installs a lease as if a previous writer had crashed while holding it.
func (o *Object) ForceLease(leaseID string, duration time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.leaseID = leaseID
	o.leaseExpiry = o.now().Add(duration)
}

// StageBlock ...
func (o *Object) StageBlock(ctx context.Context, blockID string, data []byte, leaseID string) error {
	o.mu.Lock()
	hook := o.onStage
	o.stageCalls++
	o.mu.Unlock()

	if hook != nil {
		hook(blockID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.checkLease(leaseID); err != nil {
		return err
	}
	if f, ok := o.faults[blockID]; ok && f.remaining > 0 {
		f.remaining--
		return fmt.Errorf("stage block %s: %w", blockID, f.err)
	}

	o.staged[blockID] = append([]byte(nil), data...)
	return nil
}

// CommitBlockList assembles the object from the listed blocks and discards every other uncommitted block.
func (o *Object) CommitBlockList(_ context.Context, blockIDs []string, leaseID string, metadata map[string]string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.commitCalls++
	if err := o.checkLease(leaseID); err != nil {
		return err
	}

	var content bytes.Buffer
	data := make(map[string][]byte, len(blockIDs))
	for _, id := range blockIDs {
		b, ok := o.staged[id]
		if !ok {
			b, ok = o.committedData[id]
		}
		if !ok {
			return fmt.Errorf("block %s: %w", id, blob.ErrInvalidBlockList)
		}
		data[id] = b
		content.Write(b)
	}

	o.content = content.Bytes()
	o.committedBlocks = append([]string(nil), blockIDs...)
	o.committedData = data
	o.staged = map[string][]byte{}
	o.metadata = map[string]string{}
	for k, v := range metadata {
		o.metadata[k] = v
	}
	return nil
}

// UncommittedBlocks returns the staged block ids in lexical order.
func (o *Object) UncommittedBlocks(_ context.Context, leaseID string) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.checkLease(leaseID); err != nil {
		return nil, err
	}
	return o.stagedIDs(), nil
}

// AcquireLease ...
func (o *Object) AcquireLease(_ context.Context, duration time.Duration) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.leaseActive() {
		return "", blob.ErrLeaseAlreadyPresent
	}
	o.leaseID = uuid.NewString()
	o.leaseExpiry = o.now().Add(duration)
	return o.leaseID, nil
}

// BreakLease ...
func (o *Object) BreakLease(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.breakCalls++
	o.leaseID = ""
	o.leaseExpiry = time.Time{}
	return nil
}

// ReleaseLease ...
func (o *Object) ReleaseLease(_ context.Context, leaseID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.leaseID == "" {
		return blob.ErrLeaseMissing
	}
	if o.leaseID != leaseID {
		return blob.ErrLeaseMismatch
	}
	o.leaseID = ""
	o.leaseExpiry = time.Time{}
	return nil
}

// LeaseState ...
func (o *Object) LeaseState(context.Context) (blob.LeaseState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.leaseActive() {
		return blob.Leased, nil
	}
	return blob.Unleased, nil
}

// StageCalls returns the number of StageBlock calls seen so far, failed ones included.
func (o *Object) StageCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stageCalls
}

// CommitCalls ...
func (o *Object) CommitCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.commitCalls
}

// BreakCalls ...
func (o *Object) BreakCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.breakCalls
}

// StagedBlockIDs ...
func (o *Object) StagedBlockIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stagedIDs()
}

// CommittedBlockIDs returns the block list of the last commit.
func (o *Object) CommittedBlockIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.committedBlocks...)
}

// Content returns the committed object content.
func (o *Object) Content() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]byte(nil), o.content...)
}

// Metadata returns the metadata of the last commit.
func (o *Object) Metadata() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()

	m := make(map[string]string, len(o.metadata))
	for k, v := range o.metadata {
		m[k] = v
	}
	return m
}

// HeldLease returns the active lease id, or an empty string.
func (o *Object) HeldLease() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.leaseActive() {
		return ""
	}
	return o.leaseID
}

func (o *Object) leaseActive() bool {
	return o.leaseID != "" && o.now().Before(o.leaseExpiry)
}

func (o *Object) checkLease(leaseID string) error {
	switch {
	case o.leaseID == "":
		return blob.ErrLeaseMissing
	case o.leaseID != leaseID:
		return blob.ErrLeaseMismatch
	case !o.now().Before(o.leaseExpiry):
		return blob.ErrLeaseExpired
	}
	return nil
}

func (o *Object) stagedIDs() []string {
	ids := make([]string, 0, len(o.staged))
	for id := range o.staged {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
