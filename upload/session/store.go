package session

import (
	"fmt"
	"sync"
	"time"
)

// Store holds the upload sessions of one engine, keyed by tracking id.
type Store struct {
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore ...
func NewStore() *Store {
	return NewStoreWithClock(time.Now)
}

// NewStoreWithClock creates a store that stamps StartedAt with now.
func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{
		now:      now,
		sessions: map[string]*Session{},
	}
}

// Create starts a fresh session, replacing any existing one with the same tracking id.
func (s *Store) Create(trackingID string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := newSession(trackingID, s.now())
	s.sessions[trackingID] = sess
	return sess.snapshot()
}

// GetOrCreate returns the existing session or starts a new one.
// The boolean reports whether the session already existed.
func (s *Store) GetOrCreate(trackingID string) (Snapshot, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[trackingID]
	if !ok {
		sess = newSession(trackingID, s.now())
		s.sessions[trackingID] = sess
	}
	s.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshot(), ok
}

// WithLock applies fn to the session while holding the session's lock.
// Mutations of a session must go through this method.
func (s *Store) WithLock(trackingID string, fn func(*Session) error) error {
	s.mu.Lock()
	sess, ok := s.sessions[trackingID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", trackingID, ErrNotFound)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return fn(sess)
}

// RecordChunk records a staged chunk on the session.
func (s *Store) RecordChunk(trackingID string, chunkID int, size int64, blockID string) (Snapshot, error) {
	var snap Snapshot
	err := s.WithLock(trackingID, func(sess *Session) error {
		sess.RecordChunk(chunkID, size, blockID)
		snap = sess.snapshot()
		return nil
	})
	return snap, err
}

// Get returns a copy of the session, if it exists.
func (s *Store) Get(trackingID string) (Snapshot, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[trackingID]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshot(), true
}

// Remove discards the session. Removing an unknown session is a no-op.
func (s *Store) Remove(trackingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, trackingID)
}

// Len ...
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
