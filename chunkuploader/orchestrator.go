package chunkuploader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-chunkupload/session"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

const defaultHungCheckInterval = time.Second

// Orchestrator drives an upload through planning, transferring and finalizing.
// The upload session is persisted in a session.Store before any part is sent,
// so an interrupted upload continues where it stopped, even from another process.
//
// Start and Resume block until the upload completes, pauses or fails.
// Pause, Abort, State and Progress may be called from other goroutines meanwhile.
type Orchestrator struct {
	config       Config
	collaborator Collaborator
	store        session.Store
	transfer     *PartTransferClient
	retry        RetryPolicy
	scheduler    *Scheduler
	pause        *PauseController
	stats        *Stats
	logger       log.Logger

	hungCheckInterval time.Duration

	// runMu is held for the whole duration of Start, Resume and Abort.
	runMu sync.Mutex

	mu     sync.Mutex
	state  State
	upload *uploadContext
	// planningAborted is set when an Abort interrupted Start before the transfer, Start did the abort.
	planningAborted bool

	reportMu sync.Mutex
}

// NewOrchestrator ...
func NewOrchestrator(config Config, collaborator Collaborator, store session.Store, logger log.Logger) *Orchestrator {
	config = config.withDefaults()

	return &Orchestrator{
		config:       config,
		collaborator: collaborator,
		store:        store,
		transfer:     NewPartTransferClient(collaborator, config.HTTPClient, logger),
		retry:        NewRetryPolicy(config.MaxAttempts, config.RetryBaseDelay, logger),
		scheduler:    NewScheduler(logger),
		pause:        NewPauseController(),
		stats:        NewStats(),
		logger:       logger,

		hungCheckInterval: defaultHungCheckInterval,
	}
}

// State ...
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Progress returns the progress of the current (or last) upload.
func (o *Orchestrator) Progress() ProgressSnapshot {
	o.mu.Lock()
	u := o.upload
	o.mu.Unlock()

	if u == nil {
		return ProgressSnapshot{}
	}
	return u.progress.Snapshot()
}

// Stats returns the part upload statistics of the current (or last) upload. Start resets them.
func (o *Orchestrator) Stats() *Stats {
	return o.stats
}

// Start uploads source as target, continuing the stored session of the same target if there is one.
// It returns StatusPaused when Pause is called or ctx is cancelled, and StatusAborted when Abort interrupts it.
// A part exhausting its retries fails with an *ExhaustedRetriesError and leaves the upload resumable.
func (o *Orchestrator) Start(ctx context.Context, target UploadTarget, source ChunkSource) (Result, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	switch o.State() {
	case StateIdle, StateCompleted, StateAborted:
	default:
		return Result{}, ErrUploadInProgress
	}

	runCtx, done := o.pause.Begin(ctx)
	defer done()

	o.stats.Reset()
	o.mu.Lock()
	o.planningAborted = false
	o.mu.Unlock()

	o.setState(StatePlanning)
	u, err := o.prepare(ctx, runCtx, target, source)
	if err != nil {
		if !errors.Is(err, ErrCancelled) {
			o.setState(StateIdle)
			return Result{}, err
		}
		if o.pause.IsAborted() {
			o.mu.Lock()
			o.planningAborted = true
			o.mu.Unlock()
			o.setState(StateAborted)
			o.logger.Infof("Upload of %s aborted while planning", target.FileName)
			if err := o.abortStored(ctx, target); err != nil && !errors.Is(err, ErrNothingToAbort) {
				return Result{Status: StatusAborted}, err
			}
			return Result{Status: StatusAborted}, nil
		}
		// Nothing to resume in this process, a stored session is continued by the next Start.
		o.setState(StateIdle)
		o.logger.Infof("Upload of %s paused while planning", target.FileName)
		return Result{Status: StatusPaused}, nil
	}

	o.mu.Lock()
	o.upload = u
	o.mu.Unlock()

	return o.run(ctx, runCtx, u)
}

// Resume continues a paused or failed upload with the parts not uploaded yet.
func (o *Orchestrator) Resume(ctx context.Context) (Result, error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	switch o.State() {
	case StatePaused, StateFailed:
	default:
		return Result{}, ErrNothingToResume
	}
	// Interrupted by an Abort which is about to take over.
	if o.pause.IsAborted() {
		return Result{}, ErrNothingToResume
	}

	runCtx, done := o.pause.Begin(ctx)
	defer done()

	o.mu.Lock()
	u := o.upload
	o.mu.Unlock()

	o.logger.Infof("Resuming upload of %s (%d/%d parts done)", u.target.FileName, u.completedCount(), len(u.plan))
	return o.run(ctx, runCtx, u)
}

// Pause stops the running transfer. In-flight part uploads are cancelled and will be sent again on Resume.
// Start or Resume return with StatusPaused.
func (o *Orchestrator) Pause() {
	o.logger.Infof("Pausing upload")
	o.pause.Pause()
}

// Abort stops the running transfer, aborts the remote session and clears the stored one.
// An interrupted Start or Resume returns StatusAborted.
func (o *Orchestrator) Abort(ctx context.Context) error {
	o.pause.Abort()

	o.runMu.Lock()
	defer o.runMu.Unlock()

	switch o.State() {
	case StatePaused, StateFailed:
	case StateAborted:
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.planningAborted {
			o.planningAborted = false
			return nil
		}
		return ErrNothingToAbort
	default:
		return ErrNothingToAbort
	}

	o.mu.Lock()
	u := o.upload
	o.mu.Unlock()

	return o.abortRemote(ctx, u)
}

// AbortStored aborts the stored session of target, left behind by an earlier process.
func (o *Orchestrator) AbortStored(ctx context.Context, target UploadTarget) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	return o.abortStored(ctx, target)
}

func (o *Orchestrator) abortStored(ctx context.Context, target UploadTarget) error {
	s, err := o.store.Load(ctx, target.sessionTarget())
	if err != nil {
		return fmt.Errorf("load upload session: %w", err)
	}
	if s == nil {
		return ErrNothingToAbort
	}

	abortErr := o.collaborator.Abort(ctx, *s)
	if err := o.store.Clear(ctx); err != nil {
		o.logger.Warnf("Failed to clear stored upload session: %s", err)
	}
	if abortErr != nil {
		return fmt.Errorf("abort upload session: %w", abortErr)
	}

	o.logger.Infof("Aborted upload of %s (upload id: %s)", target.FileName, s.UploadID)
	return nil
}

// prepare recovers the stored session or starts a new one. The network calls use runCtx, so a Pause
// or Abort interrupts them. A started session is stored even if the run is interrupted afterwards.
func (o *Orchestrator) prepare(ctx, runCtx context.Context, target UploadTarget, source ChunkSource) (*uploadContext, error) {
	plan, err := Plan(target.FileSize, o.config.ChunkSize)
	if err != nil {
		return nil, err
	}
	if len(plan) == 0 {
		return nil, ErrEmptyFile
	}

	u := newUploadContext(target, source, plan, o.config.SpeedSampleInterval)

	stored, err := o.store.Load(ctx, target.sessionTarget())
	if err != nil {
		o.logger.Warnf("Failed to load stored upload session, starting a new one: %s", err)
		stored = nil
	}

	if stored != nil {
		if runCtx.Err() != nil {
			return nil, cancelledf("list uploaded parts")
		}
		parts, err := o.collaborator.ListParts(runCtx, *stored)
		switch {
		case err != nil && runCtx.Err() != nil:
			return nil, cancelledf("list uploaded parts")
		case errors.Is(err, ErrSessionNotFound):
			o.logger.Warnf("Stored upload session %s doesn't exist anymore, starting a new one", stored.UploadID)
			if err := o.store.Clear(ctx); err != nil {
				o.logger.Warnf("Failed to clear stored upload session: %s", err)
			}
			stored = nil
		case err != nil:
			return nil, fmt.Errorf("list uploaded parts: %w", err)
		default:
			u.session = *stored
			done := u.seed(parts)
			o.logger.Infof("Continuing upload of %s (upload id: %s): %d/%d parts already uploaded",
				target.FileName, stored.UploadID, done, len(plan))
		}
	}

	if stored == nil {
		if runCtx.Err() != nil {
			return nil, cancelledf("start upload session")
		}
		s, err := o.collaborator.StartSession(runCtx, target.FileName, target.ContentType)
		if err != nil {
			if runCtx.Err() != nil {
				return nil, cancelledf("start upload session")
			}
			return nil, fmt.Errorf("start upload session: %w", err)
		}
		u.session = s
		o.logger.Infof("Started upload of %s (upload id: %s, key: %s)", target.FileName, s.UploadID, s.Key)

		if err := o.store.Save(ctx, target.sessionTarget(), s); err != nil {
			o.logger.Warnf("Failed to store upload session, the upload won't be resumable: %s", err)
		}
	}

	return u, nil
}

func (o *Orchestrator) run(ctx, runCtx context.Context, u *uploadContext) (Result, error) {
	defer o.transfer.CloseIdleConnections()

	o.setState(StateTransferring)
	o.report(u.progress.Start())

	remaining := u.missing()
	tasks := make([]Task, 0, len(remaining))
	for _, d := range remaining {
		tasks = append(tasks, Task{PartNumber: d.PartNumber, Run: o.partTask(u, d)})
	}

	o.logger.Infof("Uploading %d/%d parts of %s (%s each, %d at once)",
		len(tasks), len(u.plan), units.HumanSizeWithPrecision(float64(u.target.FileSize), 3),
		units.HumanSizeWithPrecision(float64(o.config.ChunkSize), 3), o.config.Concurrency)

	outcome, err := o.scheduler.RunAll(runCtx, tasks, o.config.Concurrency)
	switch outcome {
	case OutcomePaused:
		if o.pause.IsAborted() {
			return o.interrupted(u), nil
		}
		return o.paused(u), nil
	case OutcomeFailed:
		o.setState(StateFailed)
		o.report(u.progress.Stop())
		o.logger.Errorf("Upload failed: %s", err)
		return Result{}, err
	}

	return o.finalize(ctx, u)
}

func (o *Orchestrator) partTask(u *uploadContext, d ChunkDescriptor) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if ctx.Err() != nil {
			return cancelledf("part %d", d.PartNumber)
		}

		data, err := u.source.ReadChunk(d)
		if err != nil {
			return fmt.Errorf("read chunk: %w", err)
		}

		var part CompletedPart
		err = o.retry.Do(ctx, func(ctx context.Context, attempt int) error {
			o.logger.Debugf("Uploading part %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
				d.PartNumber, len(u.plan), attempt+1, o.config.MaxAttempts,
				o.stats.FinishedCount(), o.stats.Average().Round(time.Millisecond))

			start := time.Now()
			p, err := o.attempt(ctx, u.session, d, data, attempt)
			if err != nil {
				var transferErr *TransferError
				if errors.As(err, &transferErr) {
					o.stats.AttemptFailed()
				}
				return err
			}

			o.stats.PartFinished(time.Since(start))
			part = p
			return nil
		})
		if err != nil {
			return err
		}

		o.logger.Debugf("Part %d uploaded, ETag: %s", part.PartNumber, part.ETag)
		o.recordPart(u, part)
		return nil
	}
}

// attempt uploads a part once. Except on the last attempt, an upload slower than
// the average by more than HungThreshold is cancelled and reported as a TransferError.
func (o *Orchestrator) attempt(ctx context.Context, s RemoteSession, d ChunkDescriptor, data []byte, attempt int) (CompletedPart, error) {
	if o.config.HungThreshold <= 0 || attempt == o.config.MaxAttempts-1 {
		return o.transfer.UploadPart(ctx, s, d, data)
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var hung atomic.Bool
	go o.detectHungUpload(attemptCtx, func() {
		hung.Store(true)
		cancel()
	}, time.Now(), d.PartNumber)

	part, err := o.transfer.UploadPart(attemptCtx, s, d, data)
	if err != nil && hung.Load() && ctx.Err() == nil {
		return CompletedPart{}, &TransferError{PartNumber: d.PartNumber, Op: "upload", Err: errors.New("upload hung")}
	}
	return part, err
}

func (o *Orchestrator) detectHungUpload(ctx context.Context, cancel func(), start time.Time, partNumber int) {
	ticker := time.NewTicker(o.hungCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(start)
			if o.stats.isHung(elapsed, o.config.HungThreshold) {
				o.logger.Warnf("Found hung part upload (part %d); canceling request after %s (avg: %s)",
					partNumber, elapsed.Round(time.Second), o.stats.Average().Round(time.Second))
				cancel()
				return
			}
		}
	}
}

func (o *Orchestrator) finalize(ctx context.Context, u *uploadContext) (Result, error) {
	if missing := u.missing(); len(missing) > 0 {
		o.setState(StateFailed)
		return Result{}, fmt.Errorf("%d parts are not uploaded, first missing part: %d", len(missing), missing[0].PartNumber)
	}

	if ctx.Err() != nil {
		return o.paused(u), nil
	}

	o.setState(StateFinalizing)
	parts := u.sortedParts()
	o.logger.TDebugf("Completing upload %s with %d parts", u.session.UploadID, len(parts))

	if err := o.collaborator.Complete(ctx, u.session, parts); err != nil {
		if ctx.Err() != nil {
			// Interrupted, not rejected: the session is intact and Resume completes it.
			return o.paused(u), nil
		}
		o.logger.Errorf("Failed to complete upload: %s, aborting it", err)

		abortErr := o.collaborator.Abort(ctx, u.session)
		if errors.Is(abortErr, ErrSessionNotFound) && !errors.Is(err, ErrSessionNotFound) {
			// The session existed before the complete request and is gone after it: the request went through.
			o.logger.Warnf("Upload session %s doesn't exist anymore, the upload was completed", u.session.UploadID)
			return o.completed(ctx, u, parts), nil
		}
		if abortErr = o.aborted(ctx, u, abortErr); abortErr != nil {
			o.logger.Warnf("%s", abortErr)
		}
		return Result{Status: StatusAborted, Key: u.session.Key}, &FinalizeError{Err: err}
	}

	return o.completed(ctx, u, parts), nil
}

func (o *Orchestrator) completed(ctx context.Context, u *uploadContext, parts []CompletedPart) Result {
	if err := o.store.Clear(ctx); err != nil {
		o.logger.Warnf("Failed to clear stored upload session: %s", err)
	}

	o.setState(StateCompleted)
	o.report(u.progress.Stop())
	o.logger.Donef("Uploaded %s to %s (%d parts, %d failed attempts)", u.target.FileName, u.session.Key, len(parts), o.stats.FailedAttempts())

	return Result{Status: StatusCompleted, Key: u.session.Key, Parts: parts}
}

func (o *Orchestrator) paused(u *uploadContext) Result {
	o.setState(StatePaused)
	snapshot := u.progress.Stop()
	o.report(snapshot)
	o.logger.Infof("Upload paused: %d/%d parts uploaded", snapshot.UploadedChunks, snapshot.TotalChunks)
	return Result{Status: StatusPaused, Key: u.session.Key}
}

// interrupted ends a run stopped by Abort. The Abort call waiting for the run aborts the remote session,
// until then the upload stays paused and can't be resumed.
func (o *Orchestrator) interrupted(u *uploadContext) Result {
	o.setState(StatePaused)
	o.report(u.progress.Stop())
	o.logger.Infof("Upload of %s interrupted, aborting it", u.target.FileName)
	return Result{Status: StatusAborted, Key: u.session.Key}
}

// abortRemote aborts the remote session and clears the stored one, even if the remote abort fails.
func (o *Orchestrator) abortRemote(ctx context.Context, u *uploadContext) error {
	return o.aborted(ctx, u, o.collaborator.Abort(ctx, u.session))
}

func (o *Orchestrator) aborted(ctx context.Context, u *uploadContext, abortErr error) error {
	if err := o.store.Clear(ctx); err != nil {
		o.logger.Warnf("Failed to clear stored upload session: %s", err)
	}

	o.setState(StateAborted)
	o.report(u.progress.Stop())

	if abortErr != nil {
		return fmt.Errorf("abort upload session %s: %w", u.session.UploadID, abortErr)
	}
	o.logger.Infof("Aborted upload of %s", u.target.FileName)
	return nil
}

func (o *Orchestrator) setState(state State) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != state {
		o.logger.Debugf("Upload state: %s -> %s", o.state, state)
	}
	o.state = state
}

// recordPart reports under the same lock, so that snapshots are delivered in order.
func (o *Orchestrator) recordPart(u *uploadContext, part CompletedPart) {
	o.reportMu.Lock()
	defer o.reportMu.Unlock()

	snapshot := u.record(part)
	if o.config.OnProgress != nil {
		o.config.OnProgress(snapshot)
	}
}

func (o *Orchestrator) report(snapshot ProgressSnapshot) {
	if o.config.OnProgress == nil {
		return
	}

	o.reportMu.Lock()
	defer o.reportMu.Unlock()
	o.config.OnProgress(snapshot)
}
