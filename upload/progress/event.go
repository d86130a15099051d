// Package progress computes upload progress events and publishes them to subscribers.
package progress

import (
	"math"
	"time"
)

// Status ...
type Status string

// Upload statuses carried by events.
const (
	StatusInitializing Status = "initializing"
	StatusUploading    Status = "uploading"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Name is the name an event is published under.
type Name string

// Event names.
const (
	EventProgress Name = "progress"
	EventError    Name = "error"
	EventPaused   Name = "paused"
	EventResumed  Name = "resumed"
)

// Event is a point-in-time view of an upload.
type Event struct {
	TrackingID      string    `json:"trackingId"`
	OwnerID         string    `json:"ownerId,omitempty"`
	Progress        float64   `json:"progress"`
	ChunksCompleted int       `json:"chunksCompleted"`
	TotalChunks     int       `json:"totalChunks"`
	UploadedBytes   int64     `json:"uploadedBytes"`
	TotalBytes      int64     `json:"totalBytes"`
	Status          Status    `json:"status"`
	ETASeconds      float64   `json:"estimatedTimeRemaining"`
	BytesPerSecond  float64   `json:"uploadSpeed"`
	ServerLoad      float64   `json:"serverLoad"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Func receives the events of a single upload.
type Func func(Event)

// State is the input of an event.
type State struct {
	TrackingID      string
	OwnerID         string
	ChunksCompleted int
	TotalChunks     int
	UploadedBytes   int64
	TotalBytes      int64
	StartedAt       time.Time
	Status          Status
	ServerLoad      float64
	Err             error
}

// Compute derives the event of the state at now. Speed and ETA are 0 when they
// cannot be computed, e.g. before the first byte is uploaded.
func Compute(s State, now time.Time) Event {
	e := Event{
		TrackingID:      s.TrackingID,
		OwnerID:         s.OwnerID,
		ChunksCompleted: s.ChunksCompleted,
		TotalChunks:     s.TotalChunks,
		UploadedBytes:   s.UploadedBytes,
		TotalBytes:      s.TotalBytes,
		Status:          s.Status,
		ServerLoad:      clamp(s.ServerLoad, 0, 1),
		Timestamp:       now,
	}
	if s.Err != nil {
		e.Error = s.Err.Error()
	}

	if s.TotalBytes > 0 {
		e.Progress = finite(float64(s.UploadedBytes) / float64(s.TotalBytes) * 100)
	}

	if elapsed := now.Sub(s.StartedAt).Seconds(); elapsed > 0 {
		e.BytesPerSecond = finite(float64(s.UploadedBytes) / elapsed)
	}
	if e.BytesPerSecond > 0 {
		remaining := s.TotalBytes - s.UploadedBytes
		if remaining < 0 {
			remaining = 0
		}
		e.ETASeconds = finite(float64(remaining) / e.BytesPerSecond)
	}

	return e
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func clamp(f, lo, hi float64) float64 {
	f = finite(f)
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}
