package upload

import (
	"errors"
	"fmt"

	"github.com/bitrise-io/go-chunked-upload/upload/chunkuploader"
	"github.com/bitrise-io/go-chunked-upload/upload/lease"
	"github.com/bitrise-io/go-chunked-upload/upload/planner"
)

var (
	// ErrSessionInProgress is returned when an upload with the same tracking id is already running.
	ErrSessionInProgress = errors.New("an upload with this tracking id is already in progress")
	// ErrIncompleteUpload is returned when a chunk has no block id at commit time.
	ErrIncompleteUpload = errors.New("not every chunk is staged")

	// Errors of the upload components, re-exported for callers of the engine.
	ErrInvalidInput           = planner.ErrInvalidInput
	ErrShortRead              = chunkuploader.ErrShortRead
	ErrUploadCancelled        = chunkuploader.ErrUploadCancelled
	ErrLeaseRejected          = chunkuploader.ErrLeaseRejected
	ErrBlockRejected          = chunkuploader.ErrBlockRejected
	ErrChunkUploadFailed      = chunkuploader.ErrChunkUploadFailed
	ErrLeaseAcquisitionFailed = lease.ErrLeaseAcquisitionFailed
)

// Error is returned by a failed upload. It tells the caller whether and from where
// the upload can be resumed.
type Error struct {
	TrackingID string
	// LastSuccessfulChunk is the highest staged chunk id, -1 if none.
	LastSuccessfulChunk int
	UploadedBytes       int64
	// ResumeFromChunk is the lowest chunk id that is not staged. Unlike LastSuccessfulChunk+1
	// it never skips a chunk that failed while later ones succeeded.
	ResumeFromChunk int
	// Resumable is false when the staged blocks were discarded.
	Resumable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upload %s: %s", e.TrackingID, e.Err)
}

// Unwrap ...
func (e *Error) Unwrap() error {
	return e.Err
}

// discardsBlocks reports whether the staged blocks are of no use after err.
func discardsBlocks(err error) bool {
	return errors.Is(err, ErrShortRead) || errors.Is(err, ErrLeaseRejected) || errors.Is(err, ErrBlockRejected) ||
		errors.Is(err, ErrUploadCancelled)
}
