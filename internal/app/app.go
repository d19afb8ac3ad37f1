// Package app builds and owns the long-lived services of the crawler: stores,
// blob archive, publisher, progress hub, extractor, revealers and the job
// manager. It is the only place that reads the whole Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/api"
	"github.com/JakeFAU/listing-crawler/internal/clock/system"
	"github.com/JakeFAU/listing-crawler/internal/config"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	collyextractor "github.com/JakeFAU/listing-crawler/internal/extractor/colly"
	"github.com/JakeFAU/listing-crawler/internal/hash/sha256"
	"github.com/JakeFAU/listing-crawler/internal/id/uuid"
	"github.com/JakeFAU/listing-crawler/internal/identity"
	"github.com/JakeFAU/listing-crawler/internal/orchestrator"
	"github.com/JakeFAU/listing-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/listing-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/listing-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/listing-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/listing-crawler/internal/publisher/pubsub"
	headlessrevealer "github.com/JakeFAU/listing-crawler/internal/revealer/headless"
	pagedrevealer "github.com/JakeFAU/listing-crawler/internal/revealer/paged"
	gcsstorage "github.com/JakeFAU/listing-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/listing-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/listing-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/listing-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/listing-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/listing-crawler/internal/store"
)

// Options carries process-level collaborators that are not part of Config.
type Options struct {
	Logger *zap.Logger
	// Registerer receives the progress collectors; nil uses the default
	// Prometheus registry.
	Registerer prometheus.Registerer
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	manager   *orchestrator.Manager
	apiServer *api.Server
	hub       *progress.Hub

	records   crawler.Store
	runs      store.RunRepository
	blob      crawler.BlobStore
	publisher crawler.Publisher

	pool         *pgxpool.Pool
	sqlite       *sqlitestore.RecordStore
	gcsClient    *storage.Client
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
}

// Build creates the application's dependencies. On error everything built so
// far is released.
func Build(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()

	a.logger.Info("building application dependencies",
		zap.String("store", cfg.Store.Driver),
		zap.String("blob", cfg.Blob.Driver),
		zap.String("pubsub", cfg.PubSub.Driver),
		zap.String("revealer", cfg.Revealer.Kind),
	)

	if err = a.setupStores(ctx); err != nil {
		return nil, err
	}
	if err = a.setupBlob(ctx); err != nil {
		return nil, err
	}
	if err = a.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err = a.setupProgress(ctx, opts.Registerer); err != nil {
		return nil, err
	}

	resolver, err := identity.New(cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("identity resolver init failed: %w", err)
	}
	extractor, err := a.setupExtractor(resolver)
	if err != nil {
		return nil, err
	}
	revealers, err := a.setupRevealers()
	if err != nil {
		return nil, err
	}

	a.manager, err = orchestrator.NewManager(orchestrator.ManagerDependencies{
		Revealers: revealers,
		Extractor: extractor,
		Store:     a.records,
		Resolver:  resolver,
		Sink:      a.hub,
		Clock:     system.New(),
		IDs:       uuid.New(),
		Logger:    a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("job manager init failed: %w", err)
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(a.manager, a.runs, api.Options{
		APIKey:   apiKey,
		Defaults: cfg.JobDefaults(),
		Logger:   a.logger,
	})
	return a, nil
}

// Manager returns the job manager.
func (a *App) Manager() *orchestrator.Manager {
	return a.manager
}

// Handler returns the HTTP handler of the control API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Records returns the record store jobs write to.
func (a *App) Records() crawler.Store {
	return a.records
}

// Runs returns the run history repository.
func (a *App) Runs() store.RunRepository {
	return a.runs
}

// Serve runs the HTTP API until ctx is canceled, then shuts the server and
// every service down within Server.ShutdownTimeout.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-serveErr:
		if err != nil {
			a.logger.Error("http server error", zap.Error(err))
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return errors.Join(runErr, a.Close(shutdownCtx))
}

// Close stops active jobs, flushes the progress hub and releases every
// client. It is safe to call on a partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.manager != nil {
		if err := a.manager.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}

func (a *App) closeInfrastructure(ctx context.Context) {
	// The hub flushes into the run store and publisher, so it closes first.
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.hub = nil
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
		a.gcpPublisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsClient = nil
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil {
			a.logger.Warn("sqlite store close failed", zap.Error(err))
		}
		a.sqlite = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func (a *App) setupStores(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.DriverPostgres:
		pgCfg := a.cfg.Store.Postgres
		pool, err := pgstore.Connect(ctx, pgCfg)
		if err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
		a.pool = pool
		records, err := pgstore.NewRecordStore(pool, pgCfg.RecordsTable)
		if err != nil {
			return fmt.Errorf("record store init failed: %w", err)
		}
		runs, err := pgstore.NewRunStore(pool, pgCfg.RunsTable)
		if err != nil {
			return fmt.Errorf("run store init failed: %w", err)
		}
		if pgCfg.Migrate {
			if err := records.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate records: %w", err)
			}
			if err := runs.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate runs: %w", err)
			}
		}
		a.records, a.runs = records, runs
		a.logger.Info("using postgres stores")
	case config.DriverSQLite:
		records, err := sqlitestore.New(a.cfg.Store.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.sqlite = records
		a.records, a.runs = records, memorystorage.NewRunStore()
		a.logger.Info("using sqlite record store", zap.String("path", a.cfg.Store.SQLitePath))
	default:
		a.records, a.runs = memorystorage.NewRecordStore(), memorystorage.NewRunStore()
		a.logger.Info("using in-memory stores")
	}
	return nil
}

func (a *App) setupBlob(ctx context.Context) error {
	if !a.cfg.Extractor.Archive {
		a.logger.Debug("page archiving disabled")
		return nil
	}
	switch a.cfg.Blob.Driver {
	case config.DriverGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blob, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Blob.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blob = blob
		a.logger.Info("archiving pages to gcs", zap.String("bucket", a.cfg.Blob.GCSBucket))
	case config.DriverLocal:
		blob, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Blob.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blob = blob
		a.logger.Info("archiving pages to disk", zap.String("dir", a.cfg.Blob.LocalDir))
	case config.DriverMemory:
		a.blob = memorystorage.NewBlobStore()
		a.logger.Info("archiving pages in memory")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.PubSub.Driver {
	case config.DriverPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.gcpPublisher = gcppublisher.New(client)
		a.publisher = a.gcpPublisher
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.Topic),
		)
	case config.DriverMemory:
		a.publisher = memorypublisher.New()
		a.logger.Info("using in-memory publisher")
	}
	return nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(a.runs, a.logger.Named("progress_store")),
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if a.cfg.Progress.LogSnapshots {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.publisher != nil {
		sinkList = append(sinkList,
			progresssinks.NewPublishSink(a.publisher, a.cfg.PubSub.Topic, a.logger.Named("progress_publish")),
		)
	}

	pc := a.cfg.Progress
	a.hub = progress.NewHub(progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.MaxBatchEvents,
		MaxBatchWait:   pc.MaxBatchWait,
		SinkTimeout:    pc.SinkTimeout,
		TerminalWait:   pc.TerminalWait,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", pc.BufferSize),
		zap.Duration("max_batch_wait", pc.MaxBatchWait),
	)
	return nil
}

func (a *App) setupExtractor(resolver crawler.IdentityResolver) (*collyextractor.Extractor, error) {
	ec := a.cfg.Extractor
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   ec.RPS,
		DefaultBurst: ec.Burst,
	})
	a.logger.Info("item rate limit",
		zap.Float64("rps", ec.RPS),
		zap.Int("burst", ec.Burst),
	)
	extractor, err := collyextractor.New(collyextractor.Config{
		Fields:        ec.Fields,
		Required:      ec.Required,
		UserAgent:     ec.UserAgent,
		RespectRobots: ec.RespectRobots,
		Timeout:       ec.Timeout,
		ArchivePrefix: a.cfg.Blob.Prefix,
	}, nil, collyextractor.Dependencies{
		Resolver: resolver,
		Blob:     a.blob,
		Limiter:  limiter,
		Hasher:   sha256.New(),
		Clock:    system.New(),
		Logger:   a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("extractor init failed: %w", err)
	}
	return extractor, nil
}

func (a *App) setupRevealers() (orchestrator.RevealerFactory, error) {
	rc := a.cfg.Revealer
	switch rc.Kind {
	case config.RevealerHeadless:
		factory, err := headlessrevealer.NewFactory(headlessrevealer.Config{
			ItemSelector:      rc.ItemSelector,
			LoadMoreSelector:  rc.LoadMoreSelector,
			UserAgent:         a.cfg.Extractor.UserAgent,
			NavigationTimeout: rc.NavigationTimeout,
			ActionTimeout:     rc.ActionTimeout,
			ExecPath:          rc.ExecPath,
			Headful:           rc.Headful,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("headless revealer init failed: %w", err)
		}
		a.logger.Info("using headless revealer", zap.String("load_more", rc.LoadMoreSelector))
		return factory, nil
	default:
		factory, err := pagedrevealer.NewFactory(pagedrevealer.Config{
			ItemSelector: rc.ItemSelector,
			NextSelector: rc.NextSelector,
			UserAgent:    a.cfg.Extractor.UserAgent,
			Timeout:      rc.NavigationTimeout,
			MaxPages:     rc.MaxPages,
		}, nil, a.logger)
		if err != nil {
			return nil, fmt.Errorf("paged revealer init failed: %w", err)
		}
		a.logger.Info("using paged revealer", zap.String("next", rc.NextSelector))
		return factory, nil
	}
}
