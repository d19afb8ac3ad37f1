package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("run not found")

// JobRun is the persisted summary of one job run. It carries counters and the
// failure queue but not the extracted records, which belong to the record store.
type JobRun struct {
	JobID            uuid.UUID
	CatalogURL       string
	State            crawler.JobState
	LastEvent        crawler.Event
	Pass             int
	DiscoveryRounds  int
	DiscoveryOutcome crawler.DiscoveryOutcome
	Discovered       int
	Skipped          int
	TotalToProcess   int
	Deferred         int
	Processed        int
	Succeeded        int
	Failed           int
	FailureQueue     []string
	StartedAt        time.Time
	// FinishedAt is nil while the run is active.
	FinishedAt *time.Time
	UpdatedAt  time.Time
}

// RunFromSnapshot converts a snapshot into its persisted form.
func RunFromSnapshot(snap crawler.JobRunSnapshot) (JobRun, error) {
	id, err := uuid.Parse(snap.JobID)
	if err != nil {
		return JobRun{}, fmt.Errorf("parse job id %q: %w", snap.JobID, err)
	}
	queue := make([]string, len(snap.FailureQueue))
	for i, ref := range snap.FailureQueue {
		queue[i] = string(ref)
	}
	run := JobRun{
		JobID:            id,
		CatalogURL:       snap.CatalogURL,
		State:            snap.State,
		LastEvent:        snap.Event,
		Pass:             snap.Pass,
		DiscoveryRounds:  snap.DiscoveryRounds,
		DiscoveryOutcome: snap.DiscoveryOutcome,
		Discovered:       snap.DiscoveredCount,
		Skipped:          snap.SkippedCount,
		TotalToProcess:   snap.TotalToProcess,
		Deferred:         snap.DeferredCount,
		Processed:        snap.ProcessedCount,
		Succeeded:        snap.SucceededCount,
		Failed:           snap.FailedCount,
		FailureQueue:     queue,
		StartedAt:        snap.StartedAt,
		UpdatedAt:        snap.At,
	}
	if !snap.FinishedAt.IsZero() {
		finished := snap.FinishedAt
		run.FinishedAt = &finished
	}
	return run, nil
}

// RunRepository persists job run summaries.
type RunRepository interface {
	// UpsertRun inserts or replaces the summary for run.JobID. Writes older
	// than the stored UpdatedAt are ignored.
	UpsertRun(ctx context.Context, run JobRun) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, jobID uuid.UUID) (JobRun, error)
	// ListRuns returns runs, newest first, filtered by optional state plus limit/offset.
	ListRuns(ctx context.Context, state *crawler.JobState, limit, offset int) ([]JobRun, error)
}
