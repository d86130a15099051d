// Package upload is the resumable, concurrent chunked upload engine.
//
// An upload acquires the write lease of the remote object, stages the planned chunks
// on a bounded worker pool, commits the id-ordered block list and releases the lease.
// Uploads are steered by tracking id through Pause, Resume, Retry and Cancel.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-chunked-upload/blob"
	"github.com/bitrise-io/go-chunked-upload/metrics"
	"github.com/bitrise-io/go-chunked-upload/status"
	"github.com/bitrise-io/go-chunked-upload/upload/chunkuploader"
	"github.com/bitrise-io/go-chunked-upload/upload/lease"
	"github.com/bitrise-io/go-chunked-upload/upload/planner"
	"github.com/bitrise-io/go-chunked-upload/upload/progress"
	"github.com/bitrise-io/go-chunked-upload/upload/scheduler"
	"github.com/bitrise-io/go-chunked-upload/upload/session"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

const cleanupTimeout = 30 * time.Second

// Finished upload statuses reported to the metrics sink.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)

// Option configures an Engine.
type Option func(*Engine)

// WithStatusRecorder ...
func WithStatusRecorder(r status.Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithPublisher sets where progress events are published, in addition to the per-upload callback.
func WithPublisher(p progress.Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithMetrics ...
func WithMetrics(m metrics.Sink) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithSessionStore shares a session store between engines, or seeds one.
func WithSessionStore(s *session.Store) Option {
	return func(e *Engine) {
		e.sessions = s
	}
}

// WithClock ...
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine runs uploads. It holds the sessions and control flags of every tracking id
// and is safe for concurrent use.
type Engine struct {
	logger    log.Logger
	sessions  *session.Store
	controls  *session.Controls
	recorder  status.Recorder
	publisher progress.Publisher
	emitter   *progress.Emitter
	metrics   metrics.Sink
	now       func() time.Time

	mu           sync.Mutex
	runs         map[string]*run
	resumePoints map[string]Error
}

// NewEngine ...
func NewEngine(logger log.Logger, opts ...Option) *Engine {
	e := &Engine{
		logger:       logger,
		controls:     session.NewControls(),
		recorder:     status.Nop{},
		publisher:    progress.NopPublisher{},
		metrics:      metrics.Nop{},
		now:          time.Now,
		runs:         map[string]*run{},
		resumePoints: map[string]Error{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sessions == nil {
		e.sessions = session.NewStoreWithClock(e.now)
	}
	e.emitter = progress.NewEmitterWithClock(e.publisher, e.now)
	return e
}

// run is an upload in progress.
type run struct {
	trackingID  string
	ownerID     string
	obj         blob.Object
	leases      *lease.Coordinator
	totalChunks int
	totalBytes  int64
	workers     int
	startedAt   time.Time
	onProgress  progress.Func

	mu            sync.Mutex
	leaseID       string
	cleanedUp     bool
	uploader      *chunkuploader.Uploader
	resumeFrom    int
	skippedChunks int
	skippedBytes  int64

	// emitMu guards the event queue. One goroutine at a time delivers the queued events,
	// in order, so onProgress calls never overlap and the counters never go backwards.
	emitMu       sync.Mutex
	delivered    *sync.Cond
	events       []queuedEvent
	delivering   bool
	closed       bool
	lastChunks   int
	lastUploaded int64
}

// queuedEvent is a progress event waiting for delivery. A nil snap repeats the
// counters of the last delivered event.
type queuedEvent struct {
	name   progress.Name
	status progress.Status
	snap   *session.Snapshot
	err    error
}

// enqueueLocked appends ev unless the final event of the run is already queued.
func (r *run) enqueueLocked(ev queuedEvent, final bool) bool {
	if r.closed {
		return false
	}
	r.closed = final
	r.events = append(r.events, ev)
	return true
}

// waitDelivered blocks until the queue is empty and nobody is delivering it.
func (r *run) waitDelivered() {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	for r.delivering || len(r.events) > 0 {
		r.delivered.Wait()
	}
}

// setLease stores the acquired lease, unless the run got cleaned up meanwhile.
func (r *run) setLease(leaseID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cleanedUp {
		return false
	}
	r.leaseID = leaseID
	return true
}

func (r *run) serverLoad() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.uploader == nil || r.workers == 0 {
		return 0
	}
	return float64(r.uploader.InFlight()) / float64(r.workers)
}

// nextChunk returns the lowest chunk id that is neither staged nor skipped.
func (r *run) nextChunk(snap session.Snapshot) int {
	r.mu.Lock()
	resumeFrom := r.resumeFrom
	r.mu.Unlock()

	completed := make(map[int]bool, len(snap.CompletedChunkIDs))
	for _, id := range snap.CompletedChunkIDs {
		completed[id] = true
	}
	for id := resumeFrom; id < r.totalChunks; id++ {
		if !completed[id] {
			return id
		}
	}
	return r.totalChunks
}

// Upload stages src chunk by chunk against obj and commits it.
//
// onProgress receives an event after every staged chunk and on every status change. Calls
// never overlap and come in event order, from the uploading goroutines or from the goroutine
// of a control call. The final event is delivered before Upload returns. A failed upload
// returns an *Error.
func (e *Engine) Upload(ctx context.Context, src chunkuploader.Source, obj blob.Object, opts Options, trackingID string, onProgress progress.Func) error {
	if trackingID == "" {
		return fmt.Errorf("tracking id must not be empty: %w", ErrInvalidInput)
	}

	plan, err := PlanFor(src.Size(), opts)
	if err != nil {
		return &Error{TrackingID: trackingID, LastSuccessfulChunk: -1, Err: err}
	}

	r := &run{
		trackingID:  trackingID,
		ownerID:     opts.OwnerID,
		obj:         obj,
		leases:      lease.NewCoordinator(e.logger, e.metrics, opts.LeaseDuration, opts.LeaseBreakDelay),
		totalChunks: len(plan.Chunks),
		totalBytes:  src.Size(),
		workers:     plan.Concurrency,
		startedAt:   e.now(),
		onProgress:  onProgress,
	}
	r.delivered = sync.NewCond(&r.emitMu)
	if !e.register(r) {
		return fmt.Errorf("%s: %w", trackingID, ErrSessionInProgress)
	}

	ctrl := e.controls.Get(trackingID)
	if ctrl.IsCancelled() {
		e.unregister(trackingID)
		return &Error{TrackingID: trackingID, LastSuccessfulChunk: -1, Err: fmt.Errorf("%w, retry it to start over", ErrUploadCancelled)}
	}

	e.logger.Infof("Uploading %s (%s) to %s in %d chunks of %s with concurrency %d",
		trackingID, units.HumanSize(float64(r.totalBytes)), obj.Name(), r.totalChunks,
		units.HumanSize(float64(plan.ChunkSize)), plan.Concurrency)
	e.setStatus(ctx, trackingID, status.Record{Status: status.Initializing})
	e.emitControlEvent(r, progress.EventProgress, progress.StatusInitializing)

	leaseID, err := r.leases.Acquire(ctx, obj)
	if err != nil {
		return e.fail(ctx, r, err)
	}
	if !r.setLease(leaseID) {
		if err := r.leases.Release(ctx, obj, leaseID); err != nil {
			e.logger.Warnf("Failed to release lease of %s: %s", obj.Name(), err)
		}
		return e.finishCancelled(ctx, r)
	}

	snap, resumed := e.sessions.GetOrCreate(trackingID)
	_ = e.sessions.WithLock(trackingID, func(s *session.Session) error {
		s.LeaseID = leaseID
		return nil
	})

	pending := e.pendingChunks(r, plan.Chunks, snap, opts.ResumeFromChunk)
	if resumed || len(pending) < len(plan.Chunks) {
		e.logger.Infof("Resuming %s: %d of %d chunks left to upload", trackingID, len(pending), len(plan.Chunks))
	}

	e.setStatus(ctx, trackingID, status.Record{Status: status.Processing})

	uploader := chunkuploader.New(opts.uploaderConfig(), e.logger, e.metrics)
	r.mu.Lock()
	r.uploader = uploader
	r.mu.Unlock()

	tasks := make([]scheduler.Task[string], 0, len(pending))
	for _, chunk := range pending {
		chunk := chunk
		tasks = append(tasks, func(ctx context.Context) (string, error) {
			if ctrl.IsCancelled() {
				return "", fmt.Errorf("chunk %d: %w", chunk.ID, ErrUploadCancelled)
			}
			return uploader.UploadChunk(ctx, chunkuploader.Request{
				Chunk:       chunk,
				TotalChunks: r.totalChunks,
				Source:      src,
				Object:      obj,
				LeaseID:     leaseID,
				Control:     ctrl,
				OnProgress: func(res chunkuploader.Result) {
					e.chunkStaged(r, ctrl, res)
				},
			})
		})
	}

	_, runErr := scheduler.Run(ctx, tasks, plan.Concurrency)
	if ctrl.IsCancelled() {
		return e.finishCancelled(ctx, r)
	}
	if runErr != nil {
		return e.fail(ctx, r, runErr)
	}

	return e.commit(ctx, r, leaseID, opts.Metadata)
}

func (e *Engine) pendingChunks(r *run, chunks []planner.Chunk, snap session.Snapshot, resumeFrom int) []*planner.Chunk {
	if resumeFrom < 0 {
		resumeFrom = 0
	}

	completed := make(map[int]bool, len(snap.CompletedChunkIDs))
	for _, id := range snap.CompletedChunkIDs {
		completed[id] = true
	}

	var skippedChunks int
	var skippedBytes int64
	pending := make([]*planner.Chunk, 0, len(chunks))
	for i := range chunks {
		chunk := chunks[i]
		switch {
		case completed[chunk.ID]:
		case chunk.ID < resumeFrom:
			skippedChunks++
			skippedBytes += chunk.Size
		default:
			pending = append(pending, &chunk)
		}
	}

	r.mu.Lock()
	r.resumeFrom = resumeFrom
	r.skippedChunks = skippedChunks
	r.skippedBytes = skippedBytes
	r.mu.Unlock()

	return pending
}

func (e *Engine) chunkStaged(r *run, ctrl *session.Control, res chunkuploader.Result) {
	// Recording and queueing under one lock keeps the queued snapshots in recording order.
	r.emitMu.Lock()
	snap, err := e.sessions.RecordChunk(r.trackingID, res.ChunkID, res.Size, res.BlockID)
	if err != nil {
		r.emitMu.Unlock()
		e.logger.Debugf("Discarding chunk %d of %s: %s", res.ChunkID, r.trackingID, err)
		return
	}
	if ctrl.IsCancelled() {
		r.emitMu.Unlock()
		return
	}
	r.enqueueLocked(queuedEvent{name: progress.EventProgress, status: progress.StatusUploading, snap: &snap}, false)
	r.emitMu.Unlock()

	e.deliver(r)
}

func (e *Engine) commit(ctx context.Context, r *run, leaseID string, metadata map[string]string) error {
	snap, ok := e.sessions.Get(r.trackingID)
	if !ok {
		return e.finishCancelled(ctx, r)
	}

	r.mu.Lock()
	resumeFrom := r.resumeFrom
	r.mu.Unlock()

	blockIDs, missing := snap.OrderedBlockIDs(r.totalChunks)
	var unstaged []int
	for _, id := range missing {
		if id < resumeFrom {
			blockIDs[id] = planner.BlockID(id)
			continue
		}
		unstaged = append(unstaged, id)
	}
	if len(unstaged) > 0 {
		return e.fail(ctx, r, fmt.Errorf("%w: chunks %v", ErrIncompleteUpload, unstaged))
	}

	if err := r.obj.CommitBlockList(ctx, blockIDs, leaseID, metadata); err != nil {
		switch {
		case blob.IsLeaseError(err):
			err = fmt.Errorf("commit block list: %w: %w", ErrLeaseRejected, err)
		case errors.Is(err, blob.ErrInvalidBlockList):
			// A block trusted from the resume hint is not staged, only a full upload can fix it.
			r.mu.Lock()
			r.resumeFrom = 0
			r.mu.Unlock()
			err = fmt.Errorf("commit block list: %w", err)
		default:
			err = fmt.Errorf("commit block list: %w", err)
		}
		return e.fail(ctx, r, err)
	}

	fileURL, err := r.obj.URL(ctx)
	if err != nil {
		e.logger.Warnf("Failed to get the URL of %s: %s", r.obj.Name(), err)
	}

	took := e.now().Sub(r.startedAt)
	_ = e.cleanup(ctx, r, false)
	e.controls.Remove(r.trackingID)
	e.unregister(r.trackingID)
	e.forgetResumePoint(r.trackingID)

	completedAt := e.now()
	e.setStatus(ctx, r.trackingID, status.Record{Status: status.Complete, CompletedAt: &completedAt, FileURL: fileURL})

	e.emitFinal(r, queuedEvent{name: progress.EventProgress, status: progress.StatusCompleted, snap: &snap})

	r.mu.Lock()
	stats := r.uploader.Stats()
	r.mu.Unlock()
	e.logger.Debugf("Staged %d chunks of %s in %s of staging time, %d failed attempts",
		stats.FinishedCount(), r.trackingID, stats.TotalDuration().Round(time.Millisecond), stats.FailedAttempts())

	e.metrics.UploadFinished(ResultCompleted, r.totalBytes, took)
	e.logger.Donef("Uploaded %s (%s) in %s", r.trackingID, units.HumanSize(float64(r.totalBytes)), took.Round(time.Millisecond))
	return nil
}

func (e *Engine) fail(ctx context.Context, r *run, err error) error {
	if e.controls.Get(r.trackingID).IsCancelled() {
		return e.finishCancelled(ctx, r)
	}

	snap, ok := e.sessions.Get(r.trackingID)
	if !ok {
		snap = session.Snapshot{TrackingID: r.trackingID, LastSuccessfulChunkID: -1}
	}

	discard := discardsBlocks(err)
	_ = e.cleanup(ctx, r, discard)
	e.controls.Remove(r.trackingID)
	e.unregister(r.trackingID)

	uploadErr := &Error{
		TrackingID:          r.trackingID,
		LastSuccessfulChunk: snap.LastSuccessfulChunkID,
		UploadedBytes:       snap.UploadedBytes,
		ResumeFromChunk:     r.nextChunk(snap),
		Resumable:           !discard,
		Err:                 err,
	}
	if uploadErr.Resumable {
		e.saveResumePoint(*uploadErr)
	} else {
		e.forgetResumePoint(r.trackingID)
	}

	e.setStatus(ctx, r.trackingID, status.Record{
		Status:              status.Error,
		Error:               err.Error(),
		LastSuccessfulChunk: &uploadErr.LastSuccessfulChunk,
		UploadedBytes:       &uploadErr.UploadedBytes,
	})
	e.emitFinal(r, queuedEvent{name: progress.EventError, status: progress.StatusFailed, snap: &snap, err: err})

	e.metrics.UploadFinished(ResultFailed, snap.UploadedBytes, e.now().Sub(r.startedAt))
	e.logger.Errorf("Upload %s failed: %s", r.trackingID, err)
	return uploadErr
}

// finishCancelled ends a cancelled run. The control flags are kept until Retry.
func (e *Engine) finishCancelled(ctx context.Context, r *run) error {
	snap, ok := e.sessions.Get(r.trackingID)
	if !ok {
		snap = session.Snapshot{TrackingID: r.trackingID, LastSuccessfulChunkID: -1}
	}

	_ = e.cleanup(ctx, r, true)
	e.unregister(r.trackingID)
	e.forgetResumePoint(r.trackingID)

	e.setStatus(ctx, r.trackingID, status.Record{Status: status.Error, Error: ErrUploadCancelled.Error()})
	e.emitFinal(r, queuedEvent{name: progress.EventError, status: progress.StatusFailed, snap: &snap, err: ErrUploadCancelled})

	e.metrics.UploadFinished(ResultCancelled, snap.UploadedBytes, e.now().Sub(r.startedAt))
	e.logger.Warnf("Upload %s cancelled", r.trackingID)
	return &Error{
		TrackingID:          r.trackingID,
		LastSuccessfulChunk: snap.LastSuccessfulChunkID,
		UploadedBytes:       snap.UploadedBytes,
		Err:                 ErrUploadCancelled,
	}
}

// cleanup discards the uncommitted blocks if asked to, releases the lease and deletes the session.
// It runs once per run; failures are logged and returned.
func (e *Engine) cleanup(ctx context.Context, r *run, discard bool) error {
	r.mu.Lock()
	if r.cleanedUp {
		r.mu.Unlock()
		return nil
	}
	r.cleanedUp = true
	leaseID := r.leaseID
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	var errs []error
	if leaseID != "" {
		if discard {
			if err := e.discardBlocks(ctx, r.obj, leaseID); err != nil {
				e.logger.Warnf("Failed to discard uncommitted blocks of %s: %s", r.obj.Name(), err)
				errs = append(errs, err)
			}
		}
		if err := r.leases.Release(ctx, r.obj, leaseID); err != nil {
			e.logger.Warnf("Failed to release lease: %s", err)
			errs = append(errs, err)
		}
	}
	e.sessions.Remove(r.trackingID)

	return errors.Join(errs...)
}

func (e *Engine) discardBlocks(ctx context.Context, obj blob.Object, leaseID string) error {
	blocks, err := obj.UncommittedBlocks(ctx, leaseID)
	if err != nil {
		return fmt.Errorf("list uncommitted blocks: %w", err)
	}
	if len(blocks) == 0 {
		return nil
	}

	e.logger.Debugf("Discarding %d uncommitted blocks of %s", len(blocks), obj.Name())
	if err := obj.CommitBlockList(ctx, []string{}, leaseID, nil); err != nil {
		return fmt.Errorf("commit empty block list: %w", err)
	}
	return nil
}

// emitControlEvent queues an event that is not tied to a staged chunk and delivers the queue.
// It is safe to call from onProgress: the event is then delivered after the callback returns.
func (e *Engine) emitControlEvent(r *run, name progress.Name, st progress.Status) {
	r.emitMu.Lock()
	queued := r.enqueueLocked(queuedEvent{name: name, status: st}, false)
	r.emitMu.Unlock()
	if queued {
		e.deliver(r)
	}
}

// emitFinal queues the last event of the run and waits until it is delivered.
// It must not be called from onProgress.
func (e *Engine) emitFinal(r *run, ev queuedEvent) {
	r.emitMu.Lock()
	queued := r.enqueueLocked(ev, true)
	r.emitMu.Unlock()
	if queued {
		e.deliver(r)
	}
	r.waitDelivered()
}

// deliver hands the queued events to the publisher and to onProgress, unless another
// goroutine is already doing so. That goroutine also picks up the events queued meanwhile.
func (e *Engine) deliver(r *run) {
	r.emitMu.Lock()
	if r.delivering {
		r.emitMu.Unlock()
		return
	}
	r.delivering = true

	for len(r.events) > 0 {
		ev := r.events[0]
		r.events = r.events[1:]
		state := e.stateLocked(r, ev)
		r.emitMu.Unlock()

		event := e.emitter.Emit(ev.name, state)
		if r.onProgress != nil {
			r.onProgress(event)
		}

		r.emitMu.Lock()
	}

	r.delivering = false
	r.delivered.Broadcast()
	r.emitMu.Unlock()
}

// stateLocked builds the state of ev. The counters never drop below the last delivered ones.
func (e *Engine) stateLocked(r *run, ev queuedEvent) progress.State {
	r.mu.Lock()
	skippedChunks, skippedBytes := r.skippedChunks, r.skippedBytes
	r.mu.Unlock()

	chunks := max(r.lastChunks, skippedChunks)
	uploaded := max(r.lastUploaded, skippedBytes)
	if ev.snap != nil {
		chunks = max(chunks, len(ev.snap.CompletedChunkIDs)+skippedChunks)
		uploaded = max(uploaded, ev.snap.UploadedBytes+skippedBytes)
	}
	r.lastChunks, r.lastUploaded = chunks, uploaded

	return progress.State{
		TrackingID:      r.trackingID,
		OwnerID:         r.ownerID,
		ChunksCompleted: chunks,
		TotalChunks:     r.totalChunks,
		UploadedBytes:   uploaded,
		TotalBytes:      r.totalBytes,
		StartedAt:       r.startedAt,
		Status:          ev.status,
		ServerLoad:      r.serverLoad(),
		Err:             ev.err,
	}
}

func (e *Engine) setStatus(ctx context.Context, trackingID string, record status.Record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	record.LastModified = e.now()
	if err := e.recorder.Upsert(ctx, trackingID, record); err != nil {
		e.logger.Warnf("Failed to update status of %s to %s: %s", trackingID, record.Status, err)
	}
}

func (e *Engine) register(r *run) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.runs[r.trackingID]; ok {
		return false
	}
	e.runs[r.trackingID] = r
	return true
}

func (e *Engine) unregister(trackingID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, trackingID)
}

func (e *Engine) lookup(trackingID string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[trackingID]
}

func (e *Engine) saveResumePoint(p Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumePoints[p.TrackingID] = p
}

func (e *Engine) forgetResumePoint(trackingID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.resumePoints, trackingID)
}

func (e *Engine) resumePoint(trackingID string) (Error, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.resumePoints[trackingID]
	return p, ok
}
