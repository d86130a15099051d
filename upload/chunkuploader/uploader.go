// Package chunkuploader stages single chunks of an upload source against a remote object,
// with bounded retries, exponential backoff and hung attempt detection.
package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-chunked-upload/blob"
	"github.com/bitrise-io/go-chunked-upload/internal/wait"
	"github.com/bitrise-io/go-chunked-upload/metrics"
	"github.com/bitrise-io/go-chunked-upload/upload/planner"
	"github.com/bitrise-io/go-chunked-upload/upload/session"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

var (
	// ErrShortRead is returned when the source holds fewer bytes than the chunk covers.
	ErrShortRead = errors.New("short read from source")
	// ErrUploadCancelled is returned when the upload got cancelled before an attempt.
	ErrUploadCancelled = errors.New("upload cancelled")
	// ErrLeaseRejected is returned when the remote object rejected the lease of a staging call.
	ErrLeaseRejected = errors.New("lease rejected by remote object")
	// ErrBlockRejected is returned when the remote object can never accept the chunk's block.
	ErrBlockRejected = errors.New("block rejected by remote object")
	// ErrChunkUploadFailed is returned when every staging attempt of a chunk failed.
	ErrChunkUploadFailed = errors.New("chunk upload failed")
)

// Status ...
type Status string

// StatusCompleted is reported once a chunk is staged.
const StatusCompleted Status = "completed"

// Result describes a staged chunk.
type Result struct {
	ChunkID  int
	BlockID  string
	Size     int64
	Attempts int
	Took     time.Duration
	Status   Status
}

// ProgressFunc is called synchronously from the uploading goroutine.
type ProgressFunc func(Result)

// Request describes one chunk to stage.
type Request struct {
	// Chunk's Attempts counter is incremented on every attempt.
	Chunk       *planner.Chunk
	TotalChunks int
	Source      Source
	Object      blob.Object
	LeaseID     string
	// Control is consulted before every attempt. Optional.
	Control    *session.Control
	OnProgress ProgressFunc
}

// Uploader stages chunks with retry and hung detection. It is safe for concurrent use;
// its Stats and bandwidth limit are shared by every chunk it uploads.
type Uploader struct {
	config  Config
	logger  log.Logger
	metrics metrics.Sink
	stats   *Stats
	limiter *rate.Limiter

	inFlight atomic.Int64

	hungCheckInterval time.Duration
}

// New creates a new Uploader with the given configuration.
func New(config Config, logger log.Logger, sink metrics.Sink) *Uploader {
	if sink == nil {
		sink = metrics.Nop{}
	}

	var limiter *rate.Limiter
	if config.MaxBytesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.MaxBytesPerSecond), int(config.MaxBytesPerSecond))
	}

	return &Uploader{
		config:            config,
		logger:            logger,
		metrics:           sink,
		stats:             NewStats(),
		limiter:           limiter,
		hungCheckInterval: time.Second,
	}
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// InFlight returns the number of staging calls currently running.
func (u *Uploader) InFlight() int64 {
	return u.inFlight.Load()
}

// UploadChunk reads the chunk from the source and stages it under the block id derived from its id.
// The block id is returned once the chunk is staged; recording it is up to the caller.
func (u *Uploader) UploadChunk(ctx context.Context, req Request) (string, error) {
	chunk := req.Chunk
	data, err := readChunk(req.Source, *chunk)
	if err != nil {
		return "", err
	}

	blockID := planner.BlockID(chunk.ID)
	attempts := u.config.attempts()
	var uploadErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := u.checkControl(ctx, req.Control, chunk.ID); err != nil {
			return "", err
		}
		if err := u.waitBandwidth(ctx, len(data)); err != nil {
			return "", fmt.Errorf("chunk %d upload cancelled: %w", chunk.ID, err)
		}

		chunk.Attempts++
		u.logger.Debugf("Uploading chunk %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
			chunk.ID+1, req.TotalChunks, attempt+1, attempts,
			u.stats.FinishedCount(), u.stats.Average().Round(time.Millisecond))

		start := time.Now()
		took, hung, err := u.stage(ctx, req, blockID, data, start, attempt < attempts-1)
		if err == nil {
			u.stats.Update(took)
			u.metrics.ChunkStaged(chunk.Size, took)
			u.logger.Debugf("Chunk %d staged in %v (%d bytes)", chunk.ID+1, took.Round(time.Millisecond), chunk.Size)

			if req.OnProgress != nil {
				req.OnProgress(Result{
					ChunkID:  chunk.ID,
					BlockID:  blockID,
					Size:     chunk.Size,
					Attempts: chunk.Attempts,
					Took:     took,
					Status:   StatusCompleted,
				})
			}
			return blockID, nil
		}

		u.stats.Failed()
		if blob.IsLeaseError(err) {
			return "", fmt.Errorf("stage chunk %d: %w: %w", chunk.ID, ErrLeaseRejected, err)
		}
		if errors.Is(err, blob.ErrInvalidBlock) {
			return "", fmt.Errorf("stage chunk %d: %w: %w", chunk.ID, ErrBlockRejected, err)
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("chunk %d upload cancelled: %w", chunk.ID, ctx.Err())
		}

		uploadErr = err
		if attempt == attempts-1 {
			break
		}

		u.metrics.ChunkRetried(attempt + 1)
		backoff := u.backoff(attempt)
		if hung {
			u.logger.Warnf("Chunk %d attempt %d cancelled (hung), retrying after %v", chunk.ID+1, attempt+1, backoff)
		} else {
			u.logger.Warnf("Chunk %d attempt %d failed: %v, retrying after %v", chunk.ID+1, attempt+1, err, backoff)
		}

		if err := wait.Sleep(ctx, backoff); err != nil {
			return "", fmt.Errorf("chunk %d upload cancelled: %w", chunk.ID, err)
		}
	}

	return "", fmt.Errorf("%w: chunk %d after %d attempts: %w", ErrChunkUploadFailed, chunk.ID, attempts, uploadErr)
}

// stage runs a single staging attempt. hung reports whether the attempt was cut short by
// hung detection or the attempt timeout rather than by the caller.
func (u *Uploader) stage(ctx context.Context, req Request, blockID string, data []byte, start time.Time, detectHung bool) (time.Duration, bool, error) {
	attemptCtx, cancelAttempt := context.WithCancel(ctx)
	defer cancelAttempt()
	if u.config.AttemptTimeout > 0 {
		var cancelTimeout context.CancelFunc
		attemptCtx, cancelTimeout = context.WithTimeout(attemptCtx, u.config.AttemptTimeout)
		defer cancelTimeout()
	}

	// Hung detection is skipped on the last attempt
	if detectHung && u.config.HungThreshold > 0 {
		go u.detectHungUpload(attemptCtx, cancelAttempt, start, req.Chunk.ID)
	}

	u.inFlight.Add(1)
	err := req.Object.StageBlock(attemptCtx, blockID, data, req.LeaseID)
	u.inFlight.Add(-1)

	hung := err != nil && attemptCtx.Err() != nil && ctx.Err() == nil
	return time.Since(start), hung, err
}

func (u *Uploader) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, chunkID int) {
	ticker := time.NewTicker(u.hungCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if u.stats.FinishedCount() > 0 {
				elapsed := time.Since(start)
				avg := u.stats.Average()
				if elapsed-avg > u.config.HungThreshold {
					u.logger.Warnf("Found hung chunk upload (chunk %d); canceling request after %s (avg: %s)",
						chunkID+1, elapsed.Round(time.Millisecond), avg.Round(time.Millisecond))
					cancel()
					return
				}
			}
		}
	}
}

func (u *Uploader) checkControl(ctx context.Context, ctrl *session.Control, chunkID int) error {
	if ctrl == nil {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("chunk %d upload cancelled: %w", chunkID, err)
		}
		return nil
	}

	if ctrl.IsPaused() {
		u.logger.Debugf("Chunk %d waits for the upload to be resumed", chunkID+1)
	}
	cancelled, err := ctrl.WaitWhilePaused(ctx)
	if err != nil {
		return fmt.Errorf("chunk %d upload cancelled: %w", chunkID, err)
	}
	if cancelled {
		return fmt.Errorf("chunk %d: %w", chunkID, ErrUploadCancelled)
	}
	return ctx.Err()
}

func (u *Uploader) waitBandwidth(ctx context.Context, n int) error {
	if u.limiter == nil {
		return nil
	}
	for n > 0 {
		take := n
		if burst := u.limiter.Burst(); take > burst {
			take = burst
		}
		if err := u.limiter.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// backoff returns RetryDelayBase × 2^attempt plus jitter if enabled, capped at MaxRetryDelay.
func (u *Uploader) backoff(attempt int) time.Duration {
	maxDelay := u.config.MaxRetryDelay
	if maxDelay <= 0 {
		maxDelay = u.config.RetryDelayBase
	}
	d := retryablehttp.DefaultBackoff(u.config.RetryDelayBase, maxDelay, attempt, nil)
	if u.config.Jitter && d > 1 {
		d += time.Duration(rand.Int64N(int64(d / 2)))
	}
	return min(d, maxDelay)
}

func readChunk(src Source, chunk planner.Chunk) ([]byte, error) {
	data := make([]byte, chunk.Size)
	n, err := src.ReadAt(data, chunk.Start)
	if int64(n) < chunk.Size {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: chunk %d: read %d of %d bytes at offset %d", ErrShortRead, chunk.ID, n, chunk.Size, chunk.Start)
		}
		return nil, fmt.Errorf("read chunk %d: %w", chunk.ID, err)
	}
	return data, nil
}
