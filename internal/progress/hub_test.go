package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	snap := sampleSnapshot(crawler.EventJobStarted)
	hub.OnSnapshot(snap)
	hub.OnSnapshot(snap)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.OnSnapshot(sampleSnapshot(crawler.EventJobStarted))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubNonBlockingWithoutConsumers asserts intermediate snapshots never block callers.
func TestHubNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan crawler.JobRunSnapshot),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.OnSnapshot(sampleSnapshot(crawler.EventItemProcessed))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

// TestHubTerminalSnapshotWaitsForSpace shows a completion snapshot survives a
// momentarily full buffer.
func TestHubTerminalSnapshotWaitsForSpace(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{TerminalWait: time.Second},
		events: make(chan crawler.JobRunSnapshot),
		logger: zap.NewNop(),
	}
	received := make(chan crawler.JobRunSnapshot, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		received <- <-hub.events
	}()
	hub.OnSnapshot(sampleSnapshot(crawler.EventJobCompleted))
	got := <-received
	require.Equal(t, crawler.EventJobCompleted, got.Event)
	require.Zero(t, hub.Dropped())
}

// TestHubTerminalSnapshotWaitIsBounded shows a terminal snapshot on a full
// buffer is dropped after TerminalWait instead of blocking the caller.
func TestHubTerminalSnapshotWaitIsBounded(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{TerminalWait: 30 * time.Millisecond},
		events: make(chan crawler.JobRunSnapshot),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.OnSnapshot(sampleSnapshot(crawler.EventJobStopped))
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	require.Less(t, elapsed, time.Second)
	require.Empty(t, hub.events)
}

// TestHubRejectsInvalidSnapshots drops snapshots with no job id or inconsistent counters.
func TestHubRejectsInvalidSnapshots(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)

	hub.OnSnapshot(crawler.JobRunSnapshot{At: time.Now(), State: crawler.StateIdle})
	bad := sampleSnapshot(crawler.EventItemProcessed)
	bad.ProcessedCount = 3
	hub.OnSnapshot(bad)

	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())

	// closed hubs ignore further snapshots
	hub.OnSnapshot(sampleSnapshot(crawler.EventJobStarted))
	require.Empty(t, sink.Batches())
}

// TestHubFlushOnClose ensures Close drains any buffered snapshots before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.OnSnapshot(sampleSnapshot(crawler.EventJobStarted))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())
}

func TestLatestByJob(t *testing.T) {
	t.Parallel()

	a1 := sampleSnapshot(crawler.EventJobStarted)
	b1 := sampleSnapshot(crawler.EventJobStarted)
	a2 := a1
	a2.Event = crawler.EventDedupDone

	got := LatestByJob([]crawler.JobRunSnapshot{a1, b1, a2})
	require.Len(t, got, 2)
	require.Equal(t, a1.JobID, got[0].JobID)
	require.Equal(t, crawler.EventDedupDone, got[0].Event)
	require.Equal(t, b1.JobID, got[1].JobID)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]crawler.JobRunSnapshot
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]crawler.JobRunSnapshot{}}
}

func (s *stubSink) Consume(_ context.Context, batch []crawler.JobRunSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]crawler.JobRunSnapshot(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]crawler.JobRunSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]crawler.JobRunSnapshot, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]crawler.JobRunSnapshot(nil), b...)
	}
	return out
}

func sampleSnapshot(evt crawler.Event) crawler.JobRunSnapshot {
	state := crawler.StateProcessing
	if evt == crawler.EventJobCompleted {
		state = crawler.StateCompleted
	}
	return crawler.JobRunSnapshot{
		JobID:          uuid.NewString(),
		State:          state,
		Event:          evt,
		ProcessedCount: 2,
		SucceededCount: 1,
		FailedCount:    1,
		FailureQueue:   []crawler.CandidateRef{"https://shop.example/p/2"},
		At:             time.Now(),
	}
}
