package upload

import (
	"fmt"
	"time"

	"github.com/bitrise-io/go-chunked-upload/upload/chunkuploader"
	"github.com/bitrise-io/go-chunked-upload/upload/lease"
	"github.com/bitrise-io/go-chunked-upload/upload/planner"
	"github.com/bitrise-io/go-chunked-upload/upload/scheduler"
)

// DefaultChunkSize ...
const DefaultChunkSize = 8 * 1024 * 1024

// Options configure a single upload.
type Options struct {
	// ChunkSize is the base chunk size, multiplied for files above 1 GiB.
	ChunkSize int64
	// MaxRetries is the number of staging attempts per chunk.
	MaxRetries     int
	RetryDelayBase time.Duration
	MaxRetryDelay  time.Duration
	Jitter         bool
	// MaxConcurrent is the base concurrency, adjusted to the file size.
	MaxConcurrent int
	// ResumeFromChunk skips the chunks with a smaller id, trusting they are already staged
	// from a previous run. Chunks recorded in the session are skipped regardless.
	ResumeFromChunk int

	LeaseDuration   time.Duration
	LeaseBreakDelay time.Duration

	AttemptTimeout    time.Duration
	HungThreshold     time.Duration
	MaxBytesPerSecond int64

	// OwnerID is carried by the progress events, it lets subscribers filter their uploads.
	OwnerID string
	// Metadata is committed along with the block list.
	Metadata map[string]string
}

// DefaultOptions ...
func DefaultOptions() Options {
	uploaderDefaults := chunkuploader.DefaultConfig()
	return Options{
		ChunkSize:       DefaultChunkSize,
		MaxRetries:      uploaderDefaults.MaxRetries,
		RetryDelayBase:  uploaderDefaults.RetryDelayBase,
		MaxRetryDelay:   uploaderDefaults.MaxRetryDelay,
		Jitter:          uploaderDefaults.Jitter,
		MaxConcurrent:   3,
		LeaseDuration:   lease.DefaultDuration,
		LeaseBreakDelay: lease.DefaultBreakDelay,
		AttemptTimeout:  uploaderDefaults.AttemptTimeout,
		HungThreshold:   uploaderDefaults.HungThreshold,
	}
}

func (o Options) uploaderConfig() chunkuploader.Config {
	return chunkuploader.Config{
		MaxRetries:        o.MaxRetries,
		RetryDelayBase:    o.RetryDelayBase,
		MaxRetryDelay:     o.MaxRetryDelay,
		Jitter:            o.Jitter,
		AttemptTimeout:    o.AttemptTimeout,
		HungThreshold:     o.HungThreshold,
		MaxBytesPerSecond: o.MaxBytesPerSecond,
	}
}

// Plan is the layout of an upload.
type Plan struct {
	Chunks      []planner.Chunk
	ChunkSize   int64
	Concurrency int
}

// PlanFor computes the chunks and the concurrency an upload of fileSize bytes runs with.
func PlanFor(fileSize int64, opts Options) (Plan, error) {
	chunks, err := planner.Plan(fileSize, opts.ChunkSize)
	if err != nil {
		return Plan{}, fmt.Errorf("plan chunks: %w", err)
	}
	return Plan{
		Chunks:      chunks,
		ChunkSize:   planner.EffectiveChunkSize(fileSize, opts.ChunkSize),
		Concurrency: scheduler.AdjustConcurrency(fileSize, opts.MaxConcurrent),
	}, nil
}
