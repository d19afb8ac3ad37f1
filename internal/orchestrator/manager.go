package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// ErrUnknownJob is returned when a job id does not name a job known to the Manager.
var ErrUnknownJob = errors.New("unknown job")

// RevealerFactory opens a Revealer positioned on a catalog page.
type RevealerFactory interface {
	Open(ctx context.Context, catalogURL string) (crawler.Revealer, error)
}

// RevealerFunc adapts a function to RevealerFactory.
type RevealerFunc func(ctx context.Context, catalogURL string) (crawler.Revealer, error)

// Open calls f.
func (f RevealerFunc) Open(ctx context.Context, catalogURL string) (crawler.Revealer, error) {
	return f(ctx, catalogURL)
}

// ManagerDependencies are shared by every job the Manager starts.
type ManagerDependencies struct {
	Revealers RevealerFactory
	Extractor crawler.Extractor
	Store     crawler.Store
	Resolver  crawler.IdentityResolver
	Sink      crawler.ProgressSink
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Logger    *zap.Logger
}

// Manager runs one Orchestrator per job and allows at most one active job
// per catalog host.
type Manager struct {
	deps   ManagerDependencies
	logger *zap.Logger

	mu       sync.Mutex
	jobs     map[string]*Orchestrator
	order    []string
	byHost   map[string]*Orchestrator
	reserved map[string]struct{}
	wg       sync.WaitGroup
}

// NewManager validates deps and returns an empty Manager.
func NewManager(deps ManagerDependencies) (*Manager, error) {
	switch {
	case deps.Revealers == nil:
		return nil, errors.New("revealer factory is required")
	case deps.Extractor == nil:
		return nil, errors.New("extractor is required")
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Resolver == nil:
		return nil, errors.New("identity resolver is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Manager{
		deps:     deps,
		logger:   deps.Logger.Named("manager"),
		jobs:     make(map[string]*Orchestrator),
		byHost:   make(map[string]*Orchestrator),
		reserved: make(map[string]struct{}),
	}, nil
}

// Start opens a revealer for cfg.CatalogURL and starts a new job on it.
func (m *Manager) Start(ctx context.Context, cfg crawler.JobConfig) (crawler.JobRunSnapshot, error) {
	if cfg.CatalogURL == "" {
		return crawler.JobRunSnapshot{}, errors.New("catalog url is required")
	}
	if err := cfg.Validate(); err != nil {
		return crawler.JobRunSnapshot{}, fmt.Errorf("invalid job config: %w", err)
	}
	host := crawler.HostOf(cfg.CatalogURL)

	m.mu.Lock()
	if _, pending := m.reserved[host]; pending {
		m.mu.Unlock()
		return crawler.JobRunSnapshot{}, fmt.Errorf("%w: job for %s is starting", crawler.ErrAlreadyRunning, host)
	}
	if prev := m.byHost[host]; prev != nil && prev.busy() {
		m.mu.Unlock()
		return crawler.JobRunSnapshot{}, fmt.Errorf("%w: job %s is active for %s", crawler.ErrAlreadyRunning, prev.JobID(), host)
	}
	m.reserved[host] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.reserved, host)
		m.mu.Unlock()
	}()

	// The revealer lives as long as the job, not the request that started it.
	rev, err := m.deps.Revealers.Open(context.WithoutCancel(ctx), cfg.CatalogURL)
	if err != nil {
		return crawler.JobRunSnapshot{}, fmt.Errorf("open revealer for %s: %w", cfg.CatalogURL, err)
	}
	orch, err := New(Dependencies{
		Revealer:  rev,
		Extractor: m.deps.Extractor,
		Store:     m.deps.Store,
		Resolver:  m.deps.Resolver,
		Sink:      m.deps.Sink,
		Clock:     m.deps.Clock,
		IDs:       m.deps.IDs,
		Logger:    m.deps.Logger,
	})
	if err != nil {
		closeRevealer(rev, m.logger)
		return crawler.JobRunSnapshot{}, err
	}
	if err := orch.Start(ctx, cfg); err != nil {
		closeRevealer(rev, m.logger)
		return crawler.JobRunSnapshot{}, err
	}

	jobID := orch.JobID()
	done := orch.Done()
	m.mu.Lock()
	m.jobs[jobID] = orch
	m.order = append(m.order, jobID)
	m.byHost[host] = orch
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		<-done
		// Retries only extract, so the revealer is done after the first pass.
		closeRevealer(rev, m.logger)
		m.logger.Debug("revealer released", zap.String("job_id", jobID))
	}()

	m.logger.Info("job registered", zap.String("job_id", jobID), zap.String("host", host))
	return orch.CurrentRun(), nil
}

// Get returns the current snapshot of a job.
func (m *Manager) Get(jobID string) (crawler.JobRunSnapshot, error) {
	orch, err := m.lookup(jobID)
	if err != nil {
		return crawler.JobRunSnapshot{}, err
	}
	return orch.CurrentRun(), nil
}

// Pause pauses a processing job.
func (m *Manager) Pause(jobID string) error {
	orch, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	return orch.Pause()
}

// Resume resumes a paused job.
func (m *Manager) Resume(jobID string) error {
	orch, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	return orch.Resume()
}

// Stop stops a job. Stopping an inactive job is not an error.
func (m *Manager) Stop(jobID string) error {
	orch, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	orch.Stop()
	return nil
}

// Retry replays the failure queue of a completed job.
func (m *Manager) Retry(jobID string) error {
	orch, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	return orch.RetryFailed()
}

// Wait blocks until the current pass of a job exits.
func (m *Manager) Wait(ctx context.Context, jobID string) error {
	orch, err := m.lookup(jobID)
	if err != nil {
		return err
	}
	return orch.Wait(ctx)
}

// List returns snapshots for every known job in start order.
func (m *Manager) List() []crawler.JobRunSnapshot {
	m.mu.Lock()
	orchs := make([]*Orchestrator, 0, len(m.order))
	for _, id := range m.order {
		orchs = append(orchs, m.jobs[id])
	}
	m.mu.Unlock()

	out := make([]crawler.JobRunSnapshot, 0, len(orchs))
	for _, orch := range orchs {
		out = append(out, orch.CurrentRun())
	}
	return out
}

// Shutdown stops every active job and waits for their loops and revealers to
// be released.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	orchs := make([]*Orchestrator, 0, len(m.jobs))
	for _, orch := range m.jobs {
		orchs = append(orchs, orch)
	}
	m.mu.Unlock()

	for _, orch := range orchs {
		orch.Stop()
	}

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		for _, orch := range orchs {
			<-orch.Done()
		}
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("manager shutdown: %w", ctx.Err())
	}
}

func (m *Manager) lookup(jobID string) (*Orchestrator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orch, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return orch, nil
}

func closeRevealer(rev crawler.Revealer, logger *zap.Logger) {
	closer, ok := rev.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn("close revealer", zap.Error(err))
	}
}
