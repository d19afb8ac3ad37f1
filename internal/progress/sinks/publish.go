package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/progress"
)

// RunNotification is the message published when a job pass ends.
type RunNotification struct {
	JobID          string                 `json:"job_id"`
	CatalogURL     string                 `json:"catalog_url,omitempty"`
	State          crawler.JobState       `json:"state"`
	Pass           int                    `json:"pass"`
	Discovered     int                    `json:"discovered"`
	Skipped        int                    `json:"skipped"`
	TotalToProcess int                    `json:"total_to_process"`
	Deferred       int                    `json:"deferred"`
	Processed      int                    `json:"processed"`
	Succeeded      int                    `json:"succeeded"`
	Failed         int                    `json:"failed"`
	FailureQueue   []crawler.CandidateRef `json:"failure_queue"`
	StartedAt      time.Time              `json:"started_at"`
	FinishedAt     time.Time              `json:"finished_at"`
}

// PublishSink publishes a RunNotification for every completed or stopped pass.
type PublishSink struct {
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublishSink constructs a PublishSink that writes to topic.
func NewPublishSink(publisher crawler.Publisher, topic string, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes terminal snapshots and ignores the rest.
func (s *PublishSink) Consume(ctx context.Context, batch []crawler.JobRunSnapshot) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, snap := range batch {
		if !progress.IsTerminal(snap) {
			continue
		}
		msgID, err := s.publisher.Publish(ctx, s.topic, notificationFrom(snap))
		if err != nil {
			return fmt.Errorf("publish run %s: %w", snap.JobID, err)
		}
		s.logger.Debug("run notification published",
			zap.String("job_id", snap.JobID),
			zap.String("message_id", msgID),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}

func notificationFrom(snap crawler.JobRunSnapshot) RunNotification {
	return RunNotification{
		JobID:          snap.JobID,
		CatalogURL:     snap.CatalogURL,
		State:          snap.State,
		Pass:           snap.Pass,
		Discovered:     snap.DiscoveredCount,
		Skipped:        snap.SkippedCount,
		TotalToProcess: snap.TotalToProcess,
		Deferred:       snap.DeferredCount,
		Processed:      snap.ProcessedCount,
		Succeeded:      snap.SucceededCount,
		Failed:         snap.FailedCount,
		FailureQueue:   append([]crawler.CandidateRef{}, snap.FailureQueue...),
		StartedAt:      snap.StartedAt,
		FinishedAt:     snap.FinishedAt,
	}
}
