package upload

import (
	"context"

	"github.com/bitrise-io/go-chunked-upload/upload/progress"
	"github.com/bitrise-io/go-chunked-upload/upload/session"
)

// Pause stops the upload from starting new staging attempts. Attempts in flight are not interrupted.
func (e *Engine) Pause(trackingID string) {
	e.controls.Get(trackingID).Pause()
	e.logger.Infof("Upload %s paused", trackingID)
	e.publishControl(trackingID, progress.EventPaused, progress.StatusPaused)
}

// Resume ...
func (e *Engine) Resume(trackingID string) {
	e.controls.Get(trackingID).Resume()
	e.logger.Infof("Upload %s resumed", trackingID)
	e.publishControl(trackingID, progress.EventResumed, progress.StatusUploading)
}

// Retry clears the pause and cancel flags and creates the session if there is none,
// so the tracking id can be uploaded again.
func (e *Engine) Retry(trackingID string) {
	e.controls.Get(trackingID).Reset()
	if _, existed := e.sessions.GetOrCreate(trackingID); !existed {
		e.logger.Infof("Upload %s restarted with a new session", trackingID)
	}
}

// Cancel stops the upload for good. If it is running, its uncommitted blocks are discarded,
// its lease is released and its session is deleted before Cancel returns; the running Upload
// call then returns ErrUploadCancelled. The returned error reports a failed cleanup step.
func (e *Engine) Cancel(ctx context.Context, trackingID string) error {
	e.controls.Get(trackingID).Cancel()
	e.logger.Infof("Cancelling upload %s", trackingID)

	r := e.lookup(trackingID)
	if r == nil {
		e.sessions.Remove(trackingID)
		e.forgetResumePoint(trackingID)
		return nil
	}
	return e.cleanup(ctx, r, true)
}

// LastSuccessfulChunk returns the highest staged chunk id of the session, or of the last
// resumable failure of the tracking id. -1 means no chunk is staged yet.
func (e *Engine) LastSuccessfulChunk(trackingID string) (int, bool) {
	if snap, ok := e.sessions.Get(trackingID); ok {
		return snap.LastSuccessfulChunkID, true
	}
	if p, ok := e.resumePoint(trackingID); ok {
		return p.LastSuccessfulChunk, true
	}
	return -1, false
}

// UploadedBytes returns the bytes staged by the session, or by the last resumable failure
// of the tracking id.
func (e *Engine) UploadedBytes(trackingID string) (int64, bool) {
	if snap, ok := e.sessions.Get(trackingID); ok {
		return snap.UploadedBytes, true
	}
	if p, ok := e.resumePoint(trackingID); ok {
		return p.UploadedBytes, true
	}
	return 0, false
}

// ResumeFromChunk returns the chunk id a failed upload of the tracking id can be resumed from.
func (e *Engine) ResumeFromChunk(trackingID string) (int, bool) {
	p, ok := e.resumePoint(trackingID)
	if !ok {
		return 0, false
	}
	return p.ResumeFromChunk, true
}

// Sessions returns the session store of the engine.
func (e *Engine) Sessions() *session.Store {
	return e.sessions
}

func (e *Engine) publishControl(trackingID string, name progress.Name, st progress.Status) {
	if r := e.lookup(trackingID); r != nil {
		e.emitControlEvent(r, name, st)
		return
	}

	var uploaded int64
	if snap, ok := e.sessions.Get(trackingID); ok {
		uploaded = snap.UploadedBytes
	}
	e.emitter.Emit(name, progress.State{TrackingID: trackingID, UploadedBytes: uploaded, Status: st, StartedAt: e.now()})
}
