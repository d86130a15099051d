package metrics

import (
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

// HostIDEnvKey names the env var identifying the uploading host in analytics events.
const HostIDEnvKey = "CHUNKED_UPLOAD_HOST_ID"

// Tracker reports upload measurements as analytics events.
// Per-chunk measurements are aggregated and sent along with the upload event.
type Tracker struct {
	tracker analytics.Tracker

	chunksStaged atomic.Int64
	bytesStaged  atomic.Int64
	retries      atomic.Int64
}

// NewTracker ...
func NewTracker(tracker analytics.Tracker) *Tracker {
	return &Tracker{tracker: tracker}
}

// NewDefaultTracker creates a Tracker backed by the default analytics client.
func NewDefaultTracker(logger log.Logger, envRepo env.Repository) *Tracker {
	p := analytics.Properties{
		"host_id": envRepo.Get(HostIDEnvKey),
	}
	return NewTracker(analytics.NewDefaultTracker(logger, p))
}

// ChunkStaged ...
func (t *Tracker) ChunkStaged(size int64, _ time.Duration) {
	t.chunksStaged.Add(1)
	t.bytesStaged.Add(size)
}

// ChunkRetried ...
func (t *Tracker) ChunkRetried(int) {
	t.retries.Add(1)
}

// LeaseBroken ...
func (t *Tracker) LeaseBroken() {
	t.tracker.Enqueue("chunked_upload_lease_broken")
}

// UploadFinished ...
func (t *Tracker) UploadFinished(status string, bytes int64, took time.Duration) {
	properties := analytics.Properties{
		"status":        status,
		"upload_bytes":  bytes,
		"upload_time_s": took.Truncate(time.Second).Seconds(),
		"chunks_staged": t.chunksStaged.Swap(0),
		"bytes_staged":  t.bytesStaged.Swap(0),
		"chunk_retries": t.retries.Swap(0),
	}
	t.tracker.Enqueue("chunked_upload_finished", properties)
}

// Wait blocks until the queued events are sent.
func (t *Tracker) Wait() {
	t.tracker.Wait()
}
