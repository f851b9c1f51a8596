// Package server builds the application's dependencies and runs them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/directory-submitter/internal/aggregate"
	"github.com/JakeFAU/directory-submitter/internal/api"
	"github.com/JakeFAU/directory-submitter/internal/catalog"
	"github.com/JakeFAU/directory-submitter/internal/catalog/ingest"
	"github.com/JakeFAU/directory-submitter/internal/clock/system"
	"github.com/JakeFAU/directory-submitter/internal/config"
	"github.com/JakeFAU/directory-submitter/internal/dispatcher"
	"github.com/JakeFAU/directory-submitter/internal/driver"
	"github.com/JakeFAU/directory-submitter/internal/driver/headless"
	"github.com/JakeFAU/directory-submitter/internal/driver/static"
	"github.com/JakeFAU/directory-submitter/internal/fingerprint"
	"github.com/JakeFAU/directory-submitter/internal/id/uuid"
	"github.com/JakeFAU/directory-submitter/internal/manual"
	"github.com/JakeFAU/directory-submitter/internal/mapping"
	"github.com/JakeFAU/directory-submitter/internal/metrics"
	"github.com/JakeFAU/directory-submitter/internal/policy/ratelimit"
	"github.com/JakeFAU/directory-submitter/internal/progress"
	progresssinks "github.com/JakeFAU/directory-submitter/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/directory-submitter/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/directory-submitter/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/directory-submitter/internal/queue/memory"
	"github.com/JakeFAU/directory-submitter/internal/scheduler"
	gcsstorage "github.com/JakeFAU/directory-submitter/internal/storage/gcs"
	localstorage "github.com/JakeFAU/directory-submitter/internal/storage/local"
	memorystorage "github.com/JakeFAU/directory-submitter/internal/storage/memory"
	pgstore "github.com/JakeFAU/directory-submitter/internal/storage/postgres"
	"github.com/JakeFAU/directory-submitter/internal/submission"
	"github.com/JakeFAU/directory-submitter/internal/telemetry"
	"github.com/JakeFAU/directory-submitter/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  submission.Clock

	apiServer  *api.Server
	catalog    *catalog.Catalog
	jobs       submission.JobStore
	blobs      submission.BlobStore
	publisher  submission.Publisher
	queue      *queuememory.Queue
	dispatch   *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	sessions   *manual.Manager
	aggregator *aggregate.Aggregator
	formDriver submission.FormDriver
	hasher     submission.Hasher

	progressHub    *progress.Hub
	pool           *pgxpool.Pool
	gcsClient      *gcstorage.Client
	pubsubClient   *pubsub.Client
	pubsubPub      *gcppublisher.Publisher
	headless       *headless.Driver
	tracerShutdown func(context.Context) error

	closeOnce sync.Once
	closeErr  error
}

// Build creates the application's dependencies. The catalog is loaded and,
// when configured, seeded from a workbook before Build returns.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("catalog_backend", cfg.Catalog.Backend),
		zap.Bool("db_enabled", cfg.DB.Enabled),
		zap.String("driver", cfg.Driver.Kind),
	)
	metrics.Init()

	steps := []func(context.Context) error{
		app.setupTracing,
		app.setupStorage,
		app.setupDatabase,
		app.setupCatalog,
		app.setupJobStore,
		app.setupPublisher,
		app.setupProgress,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.closeInfrastructure(ctx)
			return nil, err
		}
	}
	if err := app.setupPipeline(); err != nil {
		app.closeInfrastructure(ctx)
		return nil, err
	}
	return app, nil
}

// Catalog exposes the loaded directory catalog.
func (a *App) Catalog() *catalog.Catalog { return a.catalog }

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

func (a *App) setupTracing(ctx context.Context) error {
	if !a.cfg.Tracing.Enabled {
		return nil
	}
	exporter, err := telemetry.NewExporter(a.cfg.Tracing.ProjectID)
	if err != nil {
		return fmt.Errorf("trace exporter init failed: %w", err)
	}
	tp, err := telemetry.InitTracerProvider(ctx, a.cfg.Tracing.ServiceName, a.cfg.Tracing.SampleRatio, exporter)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown
	a.logger.Info("tracing enabled",
		zap.Float64("sample_ratio", a.cfg.Tracing.SampleRatio),
		zap.Bool("exporting", exporter != nil),
	)
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case config.BackendLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.BaseDir))
	default:
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory storage backend")
	}
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if !a.cfg.DB.Enabled {
		a.logger.Info("database disabled, jobs are kept in memory")
		return nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.PoolConfig{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	a.pool = pool
	if a.cfg.DB.Migrate {
		if err := pgstore.Migrate(ctx, pool, a.tables()); err != nil {
			return fmt.Errorf("database migrate failed: %w", err)
		}
		a.logger.Info("database schema migrated")
	}
	return nil
}

func (a *App) tables() pgstore.Tables {
	return pgstore.Tables{
		Directories: a.cfg.DB.Tables.Directories,
		Jobs:        a.cfg.DB.Tables.Jobs,
		Attempts:    a.cfg.DB.Tables.Attempts,
	}
}

func (a *App) setupCatalog(ctx context.Context) error {
	var store catalog.Store
	switch a.cfg.Catalog.Backend {
	case config.BackendBlob:
		store = catalog.NewSnapshotStore(a.blobs, a.cfg.Catalog.SnapshotPath)
	case config.BackendPostgres:
		pgCatalog, err := pgstore.NewCatalogStore(a.pool, a.cfg.DB.Tables.Directories)
		if err != nil {
			return fmt.Errorf("catalog store init failed: %w", err)
		}
		store = pgCatalog
	}
	a.catalog = catalog.New(store, a.clock, a.logger.Named("catalog"))
	if err := a.catalog.Open(ctx); err != nil {
		return fmt.Errorf("catalog load failed: %w", err)
	}
	if path := a.cfg.Catalog.SeedWorkbook; path != "" {
		res, err := ingest.ImportFile(ctx, path, a.catalog)
		if err != nil {
			return fmt.Errorf("catalog seed failed: %w", err)
		}
		for _, rowErr := range res.Errors {
			a.logger.Warn("seed row rejected", zap.Int("row", rowErr.Row), zap.String("error", rowErr.Error))
		}
		if err := a.catalog.Flush(ctx); err != nil {
			return fmt.Errorf("catalog seed flush failed: %w", err)
		}
		a.logger.Info("catalog seeded", zap.String("path", path), zap.Int("directories", len(res.Directories)))
	}
	a.logger.Info("catalog loaded",
		zap.String("backend", a.cfg.Catalog.Backend),
		zap.Int("directories", a.catalog.Len()),
	)
	return nil
}

func (a *App) setupJobStore(context.Context) error {
	if a.pool == nil {
		a.jobs = memorystorage.NewJobStore(a.clock)
		return nil
	}
	jobs, err := pgstore.NewJobStore(a.pool, a.tables(), a.clock)
	if err != nil {
		return fmt.Errorf("job store init failed: %w", err)
	}
	a.jobs = jobs
	a.logger.Info("using postgres job store", zap.String("jobs_table", a.cfg.DB.Tables.Jobs))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if !a.cfg.PubSub.Enabled {
		a.logger.Warn("Pub/Sub disabled, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubPub = gcppublisher.New(client, a.cfg.PubSub.DefaultTopic, a.cfg.PubSub.Routes())
	a.publisher = a.pubsubPub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("default_topic", a.cfg.PubSub.DefaultTopic),
	)
	return nil
}

func (a *App) setupProgress(context.Context) error {
	var sinkList []progress.Sink
	if a.cfg.Progress.Log {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
	}
	if a.cfg.Progress.Prometheus {
		promSink, err := progresssinks.NewPrometheusSink(nil)
		if err != nil {
			return fmt.Errorf("progress prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if a.cfg.Progress.Publish {
		sinkList = append(sinkList, progresssinks.NewPublishSink(a.publisher))
	}
	if len(sinkList) == 0 {
		a.logger.Info("progress tracking disabled, no sinks configured")
		return nil
	}
	hubCfg := a.cfg.Progress.Hub
	hubCfg.Logger = a.logger.Named("progress_hub")
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) emitter() progress.Emitter {
	if a.progressHub == nil {
		return progress.Discard
	}
	return a.progressHub
}

func (a *App) setupDriver() (submission.FormDriver, error) {
	base := driver.Config{
		UserAgent:      a.cfg.Driver.UserAgent,
		RequestTimeout: a.cfg.Driver.RequestTimeout,
		NavTimeout:     a.cfg.Driver.NavTimeout,
		ExecPath:       a.cfg.Driver.ExecPath,
	}
	if a.cfg.Driver.Kind != config.DriverHeadless {
		a.logger.Info("using static form driver", zap.String("user_agent", base.UserAgent))
		return static.New(base), nil
	}
	d, err := headless.New(headless.Config{Config: base, MaxParallel: a.cfg.Scheduler.Workers})
	if err != nil {
		return nil, fmt.Errorf("headless driver init failed: %w", err)
	}
	a.headless = d
	a.logger.Info("using headless form driver", zap.Int("max_parallel", a.cfg.Scheduler.Workers))
	return d, nil
}

// setupPipeline wires the resolver, sessions, worker pool, aggregator,
// scheduler, and HTTP API over the stores built earlier.
func (a *App) setupPipeline() error {
	formDriver, err := a.setupDriver()
	if err != nil {
		return err
	}
	a.formDriver = formDriver
	a.hasher = fingerprint.New()
	events := a.emitter()
	packages := submission.NewPackages(a.cfg.Packages)

	a.sessions = manual.NewManager(
		a.catalog,
		packages,
		uuid.New("sess_"),
		a.clock,
		a.cfg.Manual,
		a.logger.Named("manual"),
	)
	resolver := mapping.NewResolver(a.catalog, a.cfg.Resolver, a.logger.Named("resolver"))
	pacer := ratelimit.New(a.cfg.Pacing)
	w := worker.New(
		a.jobs,
		a.catalog,
		formDriver,
		resolver,
		a.sessions,
		packages,
		submission.NewExponentialRetryPolicy(a.cfg.Retry),
		pacer,
		events,
		a.hasher,
		a.clock,
		a.cfg.Worker,
		a.logger.Named("worker"),
	)
	a.dispatch = dispatcher.New(w, a.cfg.Scheduler.Workers, a.logger.Named("dispatcher"))
	a.aggregator = aggregate.New(a.jobs, a.catalog, a.publisher, events, a.clock, a.logger.Named("aggregate"))
	a.queue = queuememory.NewQueue(packages, a.clock, a.cfg.Scheduler.AgingCap)
	a.scheduler = scheduler.New(
		a.catalog,
		a.jobs,
		a.queue,
		a.dispatch,
		a.aggregator,
		a.sessions,
		packages,
		uuid.New("job_"),
		events,
		a.clock,
		a.logger.Named("scheduler"),
	)
	a.apiServer = api.NewServer(api.Deps{
		Scheduler: a.scheduler,
		Sessions:  a.sessions,
		Reports:   a.aggregator,
		Catalog:   a.catalog,
		Jobs:      a.jobs,
		Packages:  packages,
		Ready:     a.ready,
	}, a.cfg.Server, a.cfg.Auth, a.logger.Named("api"))
	return nil
}

func (a *App) ready(ctx context.Context) error {
	if a.scheduler.Paused() {
		return errors.New("dispatch paused after an infrastructure failure")
	}
	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
	}
	return nil
}

// Run recovers unfinished jobs, then serves HTTP and drives the scheduler,
// worker pool, session sweeper, and catalog flusher until ctx is canceled or
// SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recovered, err := a.scheduler.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	a.logger.Info("application started", zap.Int("recovered_jobs", recovered))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.dispatch.Run(gctx)
		return nil
	})
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return a.sessions.Run(gctx) })
	g.Go(func() error { return a.flushCatalog(gctx) })
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		a.queue.Close()
		return nil
	})

	runErr := g.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	return errors.Join(runErr, a.Close(shutdownCtx))
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// flushCatalog persists catalog changes on an interval and once more on exit.
func (a *App) flushCatalog(ctx context.Context) error {
	interval := a.cfg.Catalog.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.catalog.Flush(ctx); err != nil {
				a.logger.Warn("catalog flush failed", zap.Error(err))
			}
		}
	}
}

// Close flushes the catalog and releases every client. Calls after the first
// return the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		var errs []error
		if a.catalog != nil {
			if err := a.catalog.Flush(ctx); err != nil {
				errs = append(errs, fmt.Errorf("final catalog flush: %w", err))
			}
		}
		a.closeInfrastructure(ctx)
		if a.tracerShutdown != nil {
			if err := a.tracerShutdown(ctx); err != nil {
				a.logger.Warn("tracer shutdown failed", zap.Error(err))
			}
		}
		_ = a.logger.Sync()
		a.logger.Info("shutdown complete")
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubPub != nil {
		if err := a.pubsubPub.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
