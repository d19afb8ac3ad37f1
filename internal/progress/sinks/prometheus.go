package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// PrometheusSink exports job progress via Prometheus. It owns the collectors
// for job lifecycle, candidate partitioning, and per-item results.
type PrometheusSink struct {
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	jobRuntime   *prometheus.HistogramVec

	candidates     *prometheus.CounterVec
	itemsProcessed *prometheus.CounterVec
	discoveryRound prometheus.Histogram

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listing_jobs_started_total",
			Help: "Total job runs started, including retry passes.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listing_jobs_finished_total",
			Help: "Job passes finished partitioned by final state.",
		}, []string{"state"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "listing_jobs_running",
			Help: "Current number of jobs with an active pass.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "listing_job_runtime_seconds",
			Help:    "Wall time from start to the end of the last pass.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"state"}),
		candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listing_candidates_total",
			Help: "Candidates seen by deduplication partitioned by outcome.",
		}, []string{"outcome"}),
		itemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listing_items_processed_total",
			Help: "Items processed partitioned by result.",
		}, []string{"result"}),
		discoveryRound: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "listing_discovery_rounds",
			Help:    "Advance calls needed before discovery ended.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.candidates,
		s.itemsProcessed,
		s.discoveryRound,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []crawler.JobRunSnapshot) error {
	for _, snap := range batch {
		s.consumeSnapshot(snap)
	}
	return nil
}

func (s *PrometheusSink) consumeSnapshot(snap crawler.JobRunSnapshot) {
	switch snap.Event {
	case crawler.EventJobStarted:
		s.jobsStarted.Inc()
		if s.tracker.start(snap) {
			s.jobsRunning.Inc()
		}
	case crawler.EventRetryStarted:
		s.jobsStarted.Inc()
		if s.tracker.start(snap) {
			s.jobsRunning.Inc()
		}
	case crawler.EventDiscoveryDone:
		s.discoveryRound.Observe(float64(snap.DiscoveryRounds))
	case crawler.EventDedupDone:
		s.candidates.WithLabelValues("new").Add(float64(snap.TotalToProcess))
		s.candidates.WithLabelValues("skipped").Add(float64(snap.SkippedCount))
		s.candidates.WithLabelValues("unresolved").Add(float64(snap.UnresolvedCount))
		s.candidates.WithLabelValues("duplicate").Add(float64(snap.DuplicateCount))
	case crawler.EventItemProcessed:
		succeeded, failed := s.tracker.advance(snap)
		if succeeded > 0 {
			s.itemsProcessed.WithLabelValues("success").Add(float64(succeeded))
		}
		if failed > 0 {
			s.itemsProcessed.WithLabelValues("failure").Add(float64(failed))
		}
	case crawler.EventJobCompleted, crawler.EventJobStopped:
		state := string(snap.State)
		s.jobsFinished.WithLabelValues(state).Inc()
		if !snap.StartedAt.IsZero() && snap.FinishedAt.After(snap.StartedAt) {
			s.jobRuntime.WithLabelValues(state).Observe(snap.FinishedAt.Sub(snap.StartedAt).Seconds())
		}
		if s.tracker.complete(snap.JobID) {
			s.jobsRunning.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobProgress struct {
	running   bool
	succeeded int
	failed    int
}

// jobTracker remembers per-job counters so item metrics advance by deltas
// even when snapshots are batched or coalesced.
type jobTracker struct {
	mu   sync.Mutex
	jobs map[string]*jobProgress
}

func newJobTracker() *jobTracker {
	return &jobTracker{jobs: make(map[string]*jobProgress)}
}

func (t *jobTracker) start(snap crawler.JobRunSnapshot) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	job := t.jobs[snap.JobID]
	if job == nil {
		job = &jobProgress{}
		t.jobs[snap.JobID] = job
	}
	job.succeeded = snap.SucceededCount
	job.failed = snap.FailedCount
	if job.running {
		return false
	}
	job.running = true
	return true
}

func (t *jobTracker) advance(snap crawler.JobRunSnapshot) (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job := t.jobs[snap.JobID]
	if job == nil {
		job = &jobProgress{}
		t.jobs[snap.JobID] = job
	}
	succeeded := max(snap.SucceededCount-job.succeeded, 0)
	failed := max(snap.FailedCount-job.failed, 0)
	job.succeeded = snap.SucceededCount
	job.failed = snap.FailedCount
	return succeeded, failed
}

func (t *jobTracker) complete(jobID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[jobID]
	if !ok || !job.running {
		return false
	}
	job.running = false
	return true
}
