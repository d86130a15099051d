package chunkuploader

import (
	"sync"
	"time"
)

// Stats tracks staging performance for hung detection and reporting.
type Stats struct {
	sum            time.Duration
	finishedChunks int64
	failedAttempts int64
	mu             sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful staging duration.
func (s *Stats) Update(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedChunks++
}

// Failed records a failed staging attempt.
func (s *Stats) Failed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedAttempts++
}

// Average returns the average staging duration of completed chunks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedChunks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedChunks)
}

// FinishedCount returns the number of staged chunks.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedChunks
}

// FailedAttempts ...
func (s *Stats) FailedAttempts() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedAttempts
}

// TotalDuration returns the sum of all staging durations.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}
