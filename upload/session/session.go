// Package session keeps the in-memory state of in-flight upload sessions and
// the control flags that steer them.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when no session exists for a tracking id.
var ErrNotFound = errors.New("upload session not found")

// Session is the mutable record of one upload session.
// It is only handed out inside Store.WithLock.
type Session struct {
	TrackingID            string
	CompletedChunkIDs     map[int]struct{}
	LastSuccessfulChunkID int
	UploadedBytes         int64
	BlockIDs              map[int]string
	LeaseID               string
	StartedAt             time.Time

	// mu replaces the cooperative `locked` flag of the record.
	mu sync.Mutex
}

func newSession(trackingID string, now time.Time) *Session {
	return &Session{
		TrackingID:            trackingID,
		CompletedChunkIDs:     map[int]struct{}{},
		LastSuccessfulChunkID: -1,
		BlockIDs:              map[int]string{},
		StartedAt:             now,
	}
}

// IsCompleted ...
func (s *Session) IsCompleted(chunkID int) bool {
	_, ok := s.CompletedChunkIDs[chunkID]
	return ok
}

// RecordChunk marks a chunk as staged. Recording the same chunk twice has no effect.
func (s *Session) RecordChunk(chunkID int, size int64, blockID string) {
	if s.IsCompleted(chunkID) {
		return
	}
	s.CompletedChunkIDs[chunkID] = struct{}{}
	if chunkID > s.LastSuccessfulChunkID {
		s.LastSuccessfulChunkID = chunkID
	}
	s.UploadedBytes += size
	s.BlockIDs[chunkID] = blockID
}

func (s *Session) snapshot() Snapshot {
	completed := make([]int, 0, len(s.CompletedChunkIDs))
	for id := range s.CompletedChunkIDs {
		completed = append(completed, id)
	}
	sort.Ints(completed)

	blockIDs := make(map[int]string, len(s.BlockIDs))
	for k, v := range s.BlockIDs {
		blockIDs[k] = v
	}

	return Snapshot{
		TrackingID:            s.TrackingID,
		CompletedChunkIDs:     completed,
		LastSuccessfulChunkID: s.LastSuccessfulChunkID,
		UploadedBytes:         s.UploadedBytes,
		BlockIDs:              blockIDs,
		LeaseID:               s.LeaseID,
		StartedAt:             s.StartedAt,
	}
}

// Snapshot is a read-only copy of a Session.
type Snapshot struct {
	TrackingID            string
	CompletedChunkIDs     []int
	LastSuccessfulChunkID int
	UploadedBytes         int64
	BlockIDs              map[int]string
	LeaseID               string
	StartedAt             time.Time
}

// OrderedBlockIDs returns the block ids of chunks 0..chunkCount-1.
// The second return value lists the chunk ids that have no block id recorded.
func (s Snapshot) OrderedBlockIDs(chunkCount int) ([]string, []int) {
	ids := make([]string, chunkCount)
	var missing []int
	for i := 0; i < chunkCount; i++ {
		id, ok := s.BlockIDs[i]
		if !ok {
			missing = append(missing, i)
			continue
		}
		ids[i] = id
	}
	return ids, missing
}
