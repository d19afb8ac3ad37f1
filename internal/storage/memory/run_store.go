package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/store"
)

// RunStore is an in-memory store.RunRepository.
type RunStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]store.JobRun
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[uuid.UUID]store.JobRun)}
}

// UpsertRun stores run unless a newer summary is already present.
func (s *RunStore) UpsertRun(_ context.Context, run store.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.runs[run.JobID]; ok && prev.UpdatedAt.After(run.UpdatedAt) {
		return nil
	}
	s.runs[run.JobID] = copyRun(run)
	return nil
}

// GetRun loads a run or returns store.ErrNotFound.
func (s *RunStore) GetRun(_ context.Context, jobID uuid.UUID) (store.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[jobID]
	if !ok {
		return store.JobRun{}, store.ErrNotFound
	}
	return copyRun(run), nil
}

// ListRuns returns runs ordered by StartedAt descending.
func (s *RunStore) ListRuns(_ context.Context, state *crawler.JobState, limit, offset int) ([]store.JobRun, error) {
	s.mu.RLock()
	out := make([]store.JobRun, 0, len(s.runs))
	for _, run := range s.runs {
		if state != nil && run.State != *state {
			continue
		}
		out = append(out, copyRun(run))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].JobID.String() > out[j].JobID.String()
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if offset >= len(out) {
		return []store.JobRun{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func copyRun(run store.JobRun) store.JobRun {
	out := run
	out.FailureQueue = append([]string(nil), run.FailureQueue...)
	if run.FinishedAt != nil {
		finished := *run.FinishedAt
		out.FinishedAt = &finished
	}
	return out
}
