package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/store"
)

const (
	defaultRunsTable = "job_runs"
	defaultListLimit = 50
	runColumns       = `job_id, catalog_url, state, last_event, pass, discovery_rounds, discovery_outcome,
	discovered, skipped, total_to_process, deferred, processed, succeeded, failed,
	failure_queue, started_at, finished_at, updated_at`
)

// RunStore implements store.RunRepository on Postgres.
type RunStore struct {
	pool  pool
	table string
}

// NewRunStore constructs a RunStore from an existing pool.
func NewRunStore(p pool, table string) (*RunStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table, defaultRunsTable)
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: p, table: name}, nil
}

// Migrate creates the runs table if it is missing.
func (s *RunStore) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	job_id            UUID PRIMARY KEY,
	catalog_url       TEXT NOT NULL DEFAULT '',
	state             TEXT NOT NULL,
	last_event        TEXT NOT NULL DEFAULT '',
	pass              INT NOT NULL DEFAULT 0,
	discovery_rounds  INT NOT NULL DEFAULT 0,
	discovery_outcome TEXT NOT NULL DEFAULT '',
	discovered        INT NOT NULL DEFAULT 0,
	skipped           INT NOT NULL DEFAULT 0,
	total_to_process  INT NOT NULL DEFAULT 0,
	deferred          INT NOT NULL DEFAULT 0,
	processed         INT NOT NULL DEFAULT 0,
	succeeded         INT NOT NULL DEFAULT 0,
	failed            INT NOT NULL DEFAULT 0,
	failure_queue     JSONB NOT NULL DEFAULT '[]'::jsonb,
	started_at        TIMESTAMPTZ NOT NULL,
	finished_at       TIMESTAMPTZ,
	updated_at        TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// UpsertRun writes run unless the stored row is newer.
func (s *RunStore) UpsertRun(ctx context.Context, run store.JobRun) error {
	queue := run.FailureQueue
	if queue == nil {
		queue = []string{}
	}
	queueJSON, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("marshal failure queue: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
ON CONFLICT (job_id) DO UPDATE SET
	state = EXCLUDED.state,
	last_event = EXCLUDED.last_event,
	pass = EXCLUDED.pass,
	discovery_rounds = EXCLUDED.discovery_rounds,
	discovery_outcome = EXCLUDED.discovery_outcome,
	discovered = EXCLUDED.discovered,
	skipped = EXCLUDED.skipped,
	total_to_process = EXCLUDED.total_to_process,
	deferred = EXCLUDED.deferred,
	processed = EXCLUDED.processed,
	succeeded = EXCLUDED.succeeded,
	failed = EXCLUDED.failed,
	failure_queue = EXCLUDED.failure_queue,
	finished_at = EXCLUDED.finished_at,
	updated_at = EXCLUDED.updated_at
WHERE %s.updated_at <= EXCLUDED.updated_at`, s.table, runColumns, s.table)

	args := []any{
		run.JobID,
		run.CatalogURL,
		string(run.State),
		string(run.LastEvent),
		run.Pass,
		run.DiscoveryRounds,
		string(run.DiscoveryOutcome),
		run.Discovered,
		run.Skipped,
		run.TotalToProcess,
		run.Deferred,
		run.Processed,
		run.Succeeded,
		run.Failed,
		queueJSON,
		run.StartedAt,
		run.FinishedAt,
		run.UpdatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert run %s: %w", run.JobID, err)
	}
	return nil
}

// GetRun loads one run or returns store.ErrNotFound.
func (s *RunStore) GetRun(ctx context.Context, jobID uuid.UUID) (store.JobRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE job_id = $1`, runColumns, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRun{}, store.ErrNotFound
		}
		return store.JobRun{}, fmt.Errorf("get run %s: %w", jobID, err)
	}
	return run, nil
}

// ListRuns returns runs newest first with optional state filtering.
func (s *RunStore) ListRuns(ctx context.Context, state *crawler.JobState, limit, offset int) ([]store.JobRun, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	var stateArg *string
	if state != nil {
		v := string(*state)
		stateArg = &v
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE ($1::text IS NULL OR state = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, runColumns, s.table)
	rows, err := s.pool.Query(ctx, query, stateArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.JobRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// Close releases the underlying pool.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (store.JobRun, error) {
	var (
		run                   store.JobRun
		state, event, outcome string
		queueJSON             []byte
		finishedAt            *time.Time
	)
	err := row.Scan(
		&run.JobID,
		&run.CatalogURL,
		&state,
		&event,
		&run.Pass,
		&run.DiscoveryRounds,
		&outcome,
		&run.Discovered,
		&run.Skipped,
		&run.TotalToProcess,
		&run.Deferred,
		&run.Processed,
		&run.Succeeded,
		&run.Failed,
		&queueJSON,
		&run.StartedAt,
		&finishedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return store.JobRun{}, err
	}
	run.State = crawler.JobState(state)
	run.LastEvent = crawler.Event(event)
	run.DiscoveryOutcome = crawler.DiscoveryOutcome(outcome)
	run.FinishedAt = finishedAt
	if len(queueJSON) > 0 {
		if err := json.Unmarshal(queueJSON, &run.FailureQueue); err != nil {
			return store.JobRun{}, fmt.Errorf("decode failure queue: %w", err)
		}
	}
	return run, nil
}
