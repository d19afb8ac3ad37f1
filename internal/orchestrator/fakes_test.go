package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

type staticRevealer struct {
	refs []crawler.CandidateRef
}

func (r *staticRevealer) Snapshot(context.Context) ([]crawler.CandidateRef, error) {
	return append([]crawler.CandidateRef(nil), r.refs...), nil
}

func (r *staticRevealer) Advance(context.Context) error {
	return nil
}

type lastSegmentResolver struct{}

func (lastSegmentResolver) Resolve(ref crawler.CandidateRef) (crawler.Identity, bool) {
	s := string(ref)
	idx := strings.LastIndex(s, "/")
	if idx < 0 || idx == len(s)-1 {
		return crawler.Identity{}, false
	}
	return crawler.Identity{Source: "test", ExternalID: s[idx+1:]}, true
}

// scriptedExtractor fails refs listed in fail, panics on refs in panics and
// optionally blocks each call until a value is sent on gate.
type scriptedExtractor struct {
	mu      sync.Mutex
	fail    map[crawler.CandidateRef]bool
	panics  map[crawler.CandidateRef]bool
	calls   []crawler.CandidateRef
	gate    chan struct{}
	entered chan crawler.CandidateRef
}

func (e *scriptedExtractor) ExtractItem(_ context.Context, ref crawler.CandidateRef) (crawler.Record, error) {
	e.mu.Lock()
	e.calls = append(e.calls, ref)
	gate, entered := e.gate, e.entered
	shouldFail, shouldPanic := e.fail[ref], e.panics[ref]
	e.mu.Unlock()

	if entered != nil {
		entered <- ref
	}
	if gate != nil {
		<-gate
	}
	if shouldPanic {
		panic("selector exploded")
	}
	if shouldFail {
		return crawler.Record{}, errors.New("page timed out")
	}
	return crawler.Record{Fields: map[string]string{"title": string(ref)}}, nil
}

func (e *scriptedExtractor) Calls() []crawler.CandidateRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]crawler.CandidateRef(nil), e.calls...)
}

func (e *scriptedExtractor) SetFail(ref crawler.CandidateRef, fail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail == nil {
		e.fail = map[crawler.CandidateRef]bool{}
	}
	e.fail[ref] = fail
}

// memStore optionally blocks each Upsert until a value is sent on gate,
// announcing the write on entered first.
type memStore struct {
	mu        sync.Mutex
	records   map[crawler.Identity]crawler.Record
	failWrite map[string]bool
	gate      chan struct{}
	entered   chan crawler.Identity
}

func newMemStore(known ...string) *memStore {
	s := &memStore{records: map[crawler.Identity]crawler.Record{}, failWrite: map[string]bool{}}
	for _, id := range known {
		s.records[crawler.Identity{Source: "test", ExternalID: id}] = crawler.Record{}
	}
	return s
}

func (s *memStore) Exists(_ context.Context, id crawler.Identity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok, nil
}

func (s *memStore) Upsert(_ context.Context, rec crawler.Record) error {
	s.mu.Lock()
	gate, entered := s.gate, s.entered
	s.mu.Unlock()
	if entered != nil {
		entered <- rec.Identity
	}
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite[rec.Identity.ExternalID] {
		return fmt.Errorf("write %s: disk full", rec.Identity)
	}
	s.records[rec.Identity] = rec
	return nil
}

func (s *memStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type recordingSink struct {
	mu    sync.Mutex
	snaps []crawler.JobRunSnapshot
}

func (s *recordingSink) OnSnapshot(snap crawler.JobRunSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append(s.snaps, snap)
}

func (s *recordingSink) Snapshots() []crawler.JobRunSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]crawler.JobRunSnapshot(nil), s.snaps...)
}

func (s *recordingSink) Events() []crawler.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.Event, 0, len(s.snaps))
	for _, snap := range s.snaps {
		out = append(out, snap.Event)
	}
	return out
}

type harness struct {
	orch      *Orchestrator
	extractor *scriptedExtractor
	store     *memStore
	sink      *recordingSink
}

func newHarness(t *testing.T, refs []crawler.CandidateRef, extractor *scriptedExtractor, store *memStore) *harness {
	t.Helper()
	if extractor == nil {
		extractor = &scriptedExtractor{}
	}
	if store == nil {
		store = newMemStore()
	}
	sink := &recordingSink{}
	orch, err := New(Dependencies{
		Revealer:  &staticRevealer{refs: refs},
		Extractor: extractor,
		Store:     store,
		Resolver:  lastSegmentResolver{},
		Sink:      sink,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	return &harness{orch: orch, extractor: extractor, store: store, sink: sink}
}

func testConfig() crawler.JobConfig {
	return crawler.JobConfig{
		DiscoveryStabilityThreshold: 1,
		MaxDiscoveryRounds:          3,
	}
}

func waitForState(t *testing.T, orch *Orchestrator, want crawler.JobState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return orch.CurrentState() == want
	}, 2*time.Second, 5*time.Millisecond, "state never reached %s", want)
}

func waitDone(t *testing.T, orch *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, orch.Wait(ctx))
}

func refList(values ...string) []crawler.CandidateRef {
	out := make([]crawler.CandidateRef, len(values))
	for i, v := range values {
		out[i] = crawler.CandidateRef(v)
	}
	return out
}
