// Package orchestrator runs one crawl job at a time: discovery, deduplication,
// and a sequential processing loop that can be paused, resumed, stopped, and
// replayed over the items that failed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/clock/system"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/dedup"
	"github.com/JakeFAU/listing-crawler/internal/discovery"
	"github.com/JakeFAU/listing-crawler/internal/id/uuid"
	"github.com/JakeFAU/listing-crawler/internal/logging"
)

// Dependencies wires the collaborators of an Orchestrator. Sink, Clock, IDs
// and Logger are optional.
type Dependencies struct {
	Revealer  crawler.Revealer
	Extractor crawler.Extractor
	Store     crawler.Store
	Resolver  crawler.IdentityResolver
	Sink      crawler.ProgressSink
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Logger    *zap.Logger
}

// Orchestrator owns the state of one job. Control methods are safe for
// concurrent use; the job itself runs on a single background goroutine.
//
// Snapshots are handed to the sink while the orchestrator lock is held so that
// they arrive in order; sinks must return quickly and must not call back into
// the orchestrator. A terminal snapshot may hold the lock for as long as the
// sink's bounded wait (see progress.Config.TerminalWait).
type Orchestrator struct {
	revealer   crawler.Revealer
	extractor  crawler.Extractor
	store      crawler.Store
	sink       crawler.ProgressSink
	clock      crawler.Clock
	ids        crawler.IDGenerator
	discovery  *discovery.Engine
	dedup      *dedup.Stage
	baseLogger *zap.Logger

	mu         sync.Mutex
	state      crawler.JobState
	lastEvent  crawler.Event
	run        crawler.JobRunSnapshot
	delay      time.Duration
	identities map[crawler.CandidateRef]crawler.Identity
	pending    []crawler.Candidate // retry items not yet recorded
	logger     *zap.Logger
	baseCtx    context.Context
	running    bool
	done       chan struct{}
	cancel     context.CancelFunc
	resume     chan struct{}
}

// New validates deps and returns an idle Orchestrator.
func New(deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Revealer == nil:
		return nil, errors.New("revealer is required")
	case deps.Extractor == nil:
		return nil, errors.New("extractor is required")
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Resolver == nil:
		return nil, errors.New("identity resolver is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := deps.Clock
	if clk == nil {
		clk = system.New()
	}
	ids := deps.IDs
	if ids == nil {
		ids = uuid.New()
	}
	done := make(chan struct{})
	close(done)
	return &Orchestrator{
		revealer:   deps.Revealer,
		extractor:  deps.Extractor,
		store:      deps.Store,
		sink:       deps.Sink,
		clock:      clk,
		ids:        ids,
		discovery:  discovery.New(logger),
		dedup:      dedup.New(deps.Resolver, deps.Store, logger),
		baseLogger: logger.Named("orchestrator"),
		logger:     logger.Named("orchestrator"),
		state:      crawler.StateIdle,
		run:        crawler.JobRunSnapshot{FailureQueue: []crawler.CandidateRef{}, Succeeded: []crawler.Record{}},
		identities: map[crawler.CandidateRef]crawler.Identity{},
		baseCtx:    context.Background(),
		done:       done,
	}, nil
}

// Start begins a new job run. The run continues in the background and is not
// bound to ctx cancellation; use Stop to end it.
func (o *Orchestrator) Start(ctx context.Context, cfg crawler.JobConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid job config: %w", err)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running || o.state.IsActive() {
		return crawler.ErrAlreadyRunning
	}
	jobID, err := o.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	if err := o.transitionLocked(crawler.StateDiscovering); err != nil {
		return err
	}
	o.run = crawler.JobRunSnapshot{
		JobID:        jobID,
		CatalogURL:   cfg.CatalogURL,
		FailureQueue: []crawler.CandidateRef{},
		Succeeded:    []crawler.Record{},
		StartedAt:    o.clock.Now(),
	}
	o.delay = cfg.InterItemDelay
	o.identities = map[crawler.CandidateRef]crawler.Identity{}
	o.pending = nil
	o.logger = logging.ForJob(o.baseLogger, jobID, cfg.CatalogURL)
	o.baseCtx = context.WithoutCancel(ctx)
	runCtx := o.beginPassLocked()
	o.emitLocked(crawler.EventJobStarted)
	o.logger.Info("job started")

	go o.runJob(runCtx, cfg)
	return nil
}

// Pause asks the processing loop to block before the next item. Pausing an
// already paused job is a no-op.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case crawler.StatePaused:
		return nil
	case crawler.StateProcessing:
		if err := o.transitionLocked(crawler.StatePaused); err != nil {
			return err
		}
		o.resume = make(chan struct{})
		o.emitLocked(crawler.EventPaused)
		o.logger.Info("job paused", zap.Int("processed", o.run.ProcessedCount))
		return nil
	default:
		return fmt.Errorf("%w: cannot pause while %s", crawler.ErrInvalidState, o.state)
	}
}

// Resume continues a paused job.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != crawler.StatePaused {
		return fmt.Errorf("%w: cannot resume while %s", crawler.ErrInvalidState, o.state)
	}
	if err := o.transitionLocked(crawler.StateProcessing); err != nil {
		return err
	}
	close(o.resume)
	o.emitLocked(crawler.EventResumed)
	o.logger.Info("job resumed")
	return nil
}

// Stop ends the active job. The state becomes Stopped immediately; an item
// whose extraction is in flight finishes but its result is discarded. A store
// write already under way completes first and its item counts as succeeded.
// Stopping a retry pass puts the unfinished items back on the failure queue.
// Stop on an inactive job does nothing.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.IsActive() {
		return
	}
	if err := o.transitionLocked(crawler.StateStopped); err != nil {
		o.logger.Error("stop transition rejected", zap.Error(err))
		return
	}
	o.requeuePendingLocked()
	o.run.FinishedAt = o.clock.Now()
	o.emitLocked(crawler.EventJobStopped)
	if o.cancel != nil {
		o.cancel()
	}
	o.logger.Info("job stopped",
		zap.Int("processed", o.run.ProcessedCount),
		zap.Int("failed", o.run.FailedCount),
	)
}

// RetryFailed replays the current failure queue. It is only valid once the
// job has completed; the run returns to Completed when the replay finishes.
func (o *Orchestrator) RetryFailed() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != crawler.StateCompleted || o.running {
		return fmt.Errorf("%w: retry requires a completed job, state is %s", crawler.ErrInvalidState, o.state)
	}
	if err := o.transitionLocked(crawler.StateProcessing); err != nil {
		return err
	}
	queue := append([]crawler.CandidateRef(nil), o.run.FailureQueue...)
	items := make([]crawler.Candidate, 0, len(queue))
	for _, ref := range queue {
		items = append(items, crawler.Candidate{Ref: ref, Identity: o.identities[ref]})
	}
	o.run.ProcessedCount -= o.run.FailedCount
	o.run.FailedCount = 0
	o.run.FailureQueue = []crawler.CandidateRef{}
	o.run.FinishedAt = time.Time{}
	o.run.Pass++
	o.pending = items
	runCtx := o.beginPassLocked()
	o.emitLocked(crawler.EventRetryStarted)
	o.logger.Info("retrying failed items", zap.Int("pass", o.run.Pass), zap.Int("items", len(items)))

	go o.runRetry(runCtx, items, o.delay)
	return nil
}

// CurrentState reports the job state.
func (o *Orchestrator) CurrentState() crawler.JobState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// CurrentRun returns a deep copy of the current run.
func (o *Orchestrator) CurrentRun() crawler.JobRunSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked().Clone()
}

// JobID returns the id of the most recent run, or "" before the first Start.
func (o *Orchestrator) JobID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run.JobID
}

// Done returns a channel closed when the current pass (initial run or retry)
// has exited.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// Wait blocks until the current pass exits or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	select {
	case <-o.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for job: %w", ctx.Err())
	}
}

func (o *Orchestrator) busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running || o.state.IsActive()
}

func (o *Orchestrator) beginPassLocked() context.Context {
	runCtx, cancel := context.WithCancel(o.baseCtx)
	o.cancel = cancel
	o.running = true
	o.done = make(chan struct{})
	return runCtx
}

func (o *Orchestrator) runJob(ctx context.Context, cfg crawler.JobConfig) {
	completed := false
	defer func() { o.finishPass(completed) }()

	res, err := o.discovery.Discover(ctx, o.revealer, cfg, o.observeDiscovery)
	if err != nil {
		return
	}
	o.mu.Lock()
	if o.state != crawler.StateDiscovering {
		o.mu.Unlock()
		return
	}
	o.run.DiscoveryRounds = res.Rounds
	o.run.DiscoveryOutcome = res.Outcome
	o.run.DiscoveredCount = len(res.Refs)
	o.emitLocked(crawler.EventDiscoveryDone)
	o.logger.Info("discovery finished",
		zap.String("outcome", string(res.Outcome)),
		zap.Int("rounds", res.Rounds),
		zap.Int("refs", len(res.Refs)),
	)
	o.mu.Unlock()

	part, err := o.dedup.Partition(ctx, res.Refs)
	if err != nil {
		return
	}

	o.mu.Lock()
	if o.state != crawler.StateDiscovering {
		o.mu.Unlock()
		return
	}
	items := part.NewItems
	o.run.DiscoveredCount = part.Discovered
	o.run.UnresolvedCount = part.Unresolved
	o.run.DuplicateCount = part.Duplicates
	o.run.SkippedCount = part.Skipped
	o.run.TotalToProcess = len(items)
	if cfg.MaxItems > 0 && len(items) > cfg.MaxItems {
		o.run.DeferredCount = len(items) - cfg.MaxItems
		items = items[:cfg.MaxItems]
	}
	for _, cand := range part.NewItems {
		o.identities[cand.Ref] = cand.Identity
	}
	o.emitLocked(crawler.EventDedupDone)
	if len(items) == 0 {
		o.mu.Unlock()
		completed = true
		return
	}
	if err := o.transitionLocked(crawler.StateProcessing); err != nil {
		o.logger.Error("processing transition rejected", zap.Error(err))
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	completed = o.processItems(ctx, items, cfg.InterItemDelay)
}

func (o *Orchestrator) runRetry(ctx context.Context, items []crawler.Candidate, delay time.Duration) {
	completed := false
	defer func() { o.finishPass(completed) }()
	completed = o.processItems(ctx, items, delay)
}

func (o *Orchestrator) observeDiscovery(round, seen int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != crawler.StateDiscovering {
		return
	}
	o.run.DiscoveryRounds = round
	o.run.DiscoveredCount = seen
	o.emitLocked(crawler.EventDiscoveryRound)
}

// processItems runs the per-item loop and reports whether every item was
// handled without a stop.
func (o *Orchestrator) processItems(ctx context.Context, items []crawler.Candidate, delay time.Duration) bool {
	// In-flight calls are never interrupted; stop is observed at boundaries.
	itemCtx := context.WithoutCancel(ctx)
	for i, cand := range items {
		if !o.checkpoint(ctx) {
			return false
		}
		rec, err := o.extract(itemCtx, cand)

		// The write happens under the lock so a Stop either precedes it
		// (discard) or waits for it (record).
		o.mu.Lock()
		if o.state == crawler.StateStopped {
			o.mu.Unlock()
			o.discardInFlight(cand)
			return false
		}
		if err == nil {
			if upsertErr := o.store.Upsert(itemCtx, rec); upsertErr != nil {
				err = fmt.Errorf("upsert %s: %w", cand.Identity, upsertErr)
			}
		}
		o.recordLocked(cand, rec, err)
		o.mu.Unlock()

		if i < len(items)-1 {
			if err := system.Sleep(ctx, delay); err != nil {
				return false
			}
		}
	}
	return true
}

// checkpoint blocks while paused and reports whether the loop may start the
// next item.
func (o *Orchestrator) checkpoint(ctx context.Context) bool {
	for {
		o.mu.Lock()
		state, resume := o.state, o.resume
		o.mu.Unlock()
		switch state {
		case crawler.StateStopped:
			return false
		case crawler.StatePaused:
			select {
			case <-resume:
			case <-ctx.Done():
				return false
			}
		default:
			if ctx.Err() != nil {
				return false
			}
			return true
		}
	}
}

func (o *Orchestrator) extract(ctx context.Context, cand crawler.Candidate) (rec crawler.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extractor panic on %s: %v", cand.Ref, r)
		}
	}()
	rec, err = o.extractor.ExtractItem(ctx, cand.Ref)
	if err != nil {
		return crawler.Record{}, fmt.Errorf("extract %s: %w", cand.Ref, err)
	}
	rec.Identity = cand.Identity
	if rec.URL == "" {
		rec.URL = string(cand.Ref)
	}
	if rec.ExtractedAt.IsZero() {
		rec.ExtractedAt = o.clock.Now()
	}
	return rec, nil
}

func (o *Orchestrator) recordLocked(cand crawler.Candidate, rec crawler.Record, err error) {
	if err != nil {
		o.run.FailureQueue = append(o.run.FailureQueue, cand.Ref)
		o.run.FailedCount++
		o.logger.Warn("item failed",
			zap.String("ref", string(cand.Ref)),
			zap.String("source", cand.Identity.Source),
			zap.String("external_id", cand.Identity.ExternalID),
			zap.Error(err),
		)
	} else {
		o.run.Succeeded = append(o.run.Succeeded, rec)
		o.run.SucceededCount++
		o.logger.Debug("item stored", zap.String("ref", string(cand.Ref)))
	}
	o.run.ProcessedCount++
	if len(o.pending) > 0 && o.pending[0].Ref == cand.Ref {
		o.pending = o.pending[1:]
	}
	o.emitLocked(crawler.EventItemProcessed)
}

// requeuePendingLocked returns the unfinished items of a retry pass to the
// failure queue in their original order.
func (o *Orchestrator) requeuePendingLocked() {
	if len(o.pending) == 0 {
		return
	}
	for _, cand := range o.pending {
		o.run.FailureQueue = append(o.run.FailureQueue, cand.Ref)
	}
	o.run.FailedCount += len(o.pending)
	o.run.ProcessedCount += len(o.pending)
	o.logger.Info("requeued unfinished retry items", zap.Int("items", len(o.pending)))
	o.pending = nil
}

func (o *Orchestrator) discardInFlight(cand crawler.Candidate) {
	o.logger.Info("discarding in-flight item after stop", zap.String("ref", string(cand.Ref)))
}

func (o *Orchestrator) finishPass(completed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case completed && o.state.IsActive():
		if err := o.transitionLocked(crawler.StateCompleted); err != nil {
			o.logger.Error("completion transition rejected", zap.Error(err))
			break
		}
		o.run.FinishedAt = o.clock.Now()
		o.emitLocked(crawler.EventJobCompleted)
		o.logger.Info("job completed",
			zap.Int("pass", o.run.Pass),
			zap.Int("processed", o.run.ProcessedCount),
			zap.Int("succeeded", o.run.SucceededCount),
			zap.Int("failed", o.run.FailedCount),
			zap.Int("skipped", o.run.SkippedCount),
		)
	case o.state.IsActive():
		// The pass ended without a Stop call; report it as stopped.
		if err := o.transitionLocked(crawler.StateStopped); err == nil {
			o.requeuePendingLocked()
			o.run.FinishedAt = o.clock.Now()
			o.emitLocked(crawler.EventJobStopped)
		}
	}
	o.pending = nil
	o.running = false
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	close(o.done)
}

// snapshotLocked shares the run's record storage. Both slices only ever grow
// by append and records are not modified once recorded, so clipping keeps the
// snapshot stable while the run continues.
func (o *Orchestrator) snapshotLocked() crawler.JobRunSnapshot {
	snap := o.run
	snap.FailureQueue = slices.Clip(o.run.FailureQueue)
	snap.Succeeded = slices.Clip(o.run.Succeeded)
	snap.State = o.state
	snap.Event = o.lastEvent
	snap.At = o.clock.Now()
	return snap
}

func (o *Orchestrator) emitLocked(evt crawler.Event) {
	o.lastEvent = evt
	if o.sink == nil {
		return
	}
	o.sink.OnSnapshot(o.snapshotLocked())
}
