package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// LogSink emits structured logs for debugging snapshot streams. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each snapshot in the batch. Per-item snapshots are logged at
// debug level; lifecycle snapshots at info.
func (s *LogSink) Consume(_ context.Context, batch []crawler.JobRunSnapshot) error {
	for _, snap := range batch {
		fields := []zap.Field{
			zap.String("job_id", snap.JobID),
			zap.String("event", string(snap.Event)),
			zap.String("state", string(snap.State)),
			zap.Int("pass", snap.Pass),
			zap.Int("discovered", snap.DiscoveredCount),
			zap.Int("skipped", snap.SkippedCount),
			zap.Int("total", snap.TotalToProcess),
			zap.Int("processed", snap.ProcessedCount),
			zap.Int("succeeded", snap.SucceededCount),
			zap.Int("failed", snap.FailedCount),
		}
		switch snap.Event {
		case crawler.EventItemProcessed, crawler.EventDiscoveryRound:
			s.logger.Debug("job progress", fields...)
		default:
			s.logger.Info("job progress", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
