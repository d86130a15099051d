// Package status persists upload status records keyed by tracking id.
// Records are written on every status change and never read back for resume decisions.
package status

import (
	"context"
	"sync"
	"time"
)

// Status ...
type Status string

// Statuses in lifecycle order.
const (
	Initializing Status = "initializing"
	Processing   Status = "processing"
	Complete     Status = "complete"
	Error        Status = "error"
)

// Record is the durable view of an upload.
type Record struct {
	Status              Status     `json:"status"`
	LastModified        time.Time  `json:"lastModified"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	FileURL             string     `json:"fileUrl,omitempty"`
	Error               string     `json:"error,omitempty"`
	LastSuccessfulChunk *int       `json:"lastSuccessfulChunk,omitempty"`
	UploadedBytes       *int64     `json:"uploadedBytes,omitempty"`
}

// Recorder upserts status records.
type Recorder interface {
	Upsert(ctx context.Context, trackingID string, record Record) error
}

// Nop discards every record.
type Nop struct{}

// Upsert ...
func (Nop) Upsert(context.Context, string, Record) error {
	return nil
}

// Memory keeps records in memory, along with the history of every upsert.
type Memory struct {
	mu      sync.Mutex
	latest  map[string]Record
	history map[string][]Status
}

// NewMemory ...
func NewMemory() *Memory {
	return &Memory{latest: map[string]Record{}, history: map[string][]Status{}}
}

// Upsert ...
func (m *Memory) Upsert(_ context.Context, trackingID string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest[trackingID] = record
	m.history[trackingID] = append(m.history[trackingID], record.Status)
	return nil
}

// Get ...
func (m *Memory) Get(trackingID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.latest[trackingID]
	return r, ok
}

// History returns the statuses upserted for trackingID, oldest first.
func (m *Memory) History(trackingID string) []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Status(nil), m.history[trackingID]...)
}

// Multi upserts into every recorder and returns the first error.
type Multi []Recorder

// Upsert ...
func (m Multi) Upsert(ctx context.Context, trackingID string, record Record) error {
	var firstErr error
	for _, r := range m {
		if err := r.Upsert(ctx, trackingID, record); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
