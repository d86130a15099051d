// Package metrics is the narrow interface the upload engine reports measurements through,
// with Prometheus and analytics-tracker implementations.
package metrics

import "time"

// Sink receives upload measurements. Implementations must be safe for concurrent use
// and must not block the caller.
type Sink interface {
	// ChunkStaged is called once per successfully staged chunk.
	ChunkStaged(size int64, took time.Duration)
	// ChunkRetried is called before a failed chunk attempt is retried.
	ChunkRetried(attempt int)
	// LeaseBroken is called when a stale lease had to be broken before acquiring a new one.
	LeaseBroken()
	// UploadFinished is called once per upload with its terminal status.
	UploadFinished(status string, bytes int64, took time.Duration)
}

// Nop discards every measurement.
type Nop struct{}

// ChunkStaged ...
func (Nop) ChunkStaged(int64, time.Duration) {}

// ChunkRetried ...
func (Nop) ChunkRetried(int) {}

// LeaseBroken ...
func (Nop) LeaseBroken() {}

// UploadFinished ...
func (Nop) UploadFinished(string, int64, time.Duration) {}

// Multi fans measurements out to several sinks.
type Multi []Sink

// ChunkStaged ...
func (m Multi) ChunkStaged(size int64, took time.Duration) {
	for _, s := range m {
		s.ChunkStaged(size, took)
	}
}

// ChunkRetried ...
func (m Multi) ChunkRetried(attempt int) {
	for _, s := range m {
		s.ChunkRetried(attempt)
	}
}

// LeaseBroken ...
func (m Multi) LeaseBroken() {
	for _, s := range m {
		s.LeaseBroken()
	}
}

// UploadFinished ...
func (m Multi) UploadFinished(status string, bytes int64, took time.Duration) {
	for _, s := range m {
		s.UploadFinished(status, bytes, took)
	}
}
