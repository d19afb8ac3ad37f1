package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/progress"
	"github.com/JakeFAU/listing-crawler/internal/store"
)

// StoreSink persists run summaries via a store.RunRepository. Each batch is
// collapsed to the newest snapshot per job to reduce write amplification.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes the newest snapshot of every job in the batch. It respects
// ctx deadlines and returns the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []crawler.JobRunSnapshot) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, snap := range progress.LatestByJob(batch) {
		run, err := store.RunFromSnapshot(snap)
		if err != nil {
			s.logger.Warn("skipping snapshot with malformed job id", zap.String("job_id", snap.JobID), zap.Error(err))
			continue
		}
		if err := s.repo.UpsertRun(ctx, run); err != nil {
			return fmt.Errorf("upsert run %s: %w", snap.JobID, err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
