package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []crawler.JobRunSnapshot) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_OnSnapshot demonstrates forwarding a snapshot and flushing via Close.
func ExampleHub_OnSnapshot() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sink)

	hub.OnSnapshot(crawler.JobRunSnapshot{
		JobID: "00000000-0000-0000-0000-000000000001",
		State: crawler.StateDiscovering,
		Event: crawler.EventJobStarted,
		At:    time.Unix(0, 0),
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("snapshots forwarded: %d\n", sink.total)
	// Output:
	// snapshots forwarded: 1
}

// ExampleSink implements a custom Sink that tracks the furthest progress seen.
func ExampleSink() {
	var processed int
	capture := sinkFunc(func(_ context.Context, batch []crawler.JobRunSnapshot) error {
		for _, snap := range batch {
			if snap.ProcessedCount > processed {
				processed = snap.ProcessedCount
			}
		}
		return nil
	})
	hub := NewHub(Config{
		BufferSize:     2,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, capture)

	hub.OnSnapshot(crawler.JobRunSnapshot{
		JobID:          "00000000-0000-0000-0000-000000000002",
		State:          crawler.StateProcessing,
		Event:          crawler.EventItemProcessed,
		ProcessedCount: 5,
		SucceededCount: 5,
		At:             time.Unix(0, 0),
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("items processed: %d\n", processed)
	// Output:
	// items processed: 5
}

type sinkFunc func(context.Context, []crawler.JobRunSnapshot) error

func (f sinkFunc) Consume(ctx context.Context, batch []crawler.JobRunSnapshot) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
