// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/fair-scraper/internal/api"
	"github.com/JakeFAU/fair-scraper/internal/clock/system"
	"github.com/JakeFAU/fair-scraper/internal/config"
	"github.com/JakeFAU/fair-scraper/internal/dispatcher"
	"github.com/JakeFAU/fair-scraper/internal/driver/easyfairs"
	headlessdriver "github.com/JakeFAU/fair-scraper/internal/driver/headless"
	"github.com/JakeFAU/fair-scraper/internal/driver/statichtml"
	collyfetcher "github.com/JakeFAU/fair-scraper/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/fair-scraper/internal/fetcher/headless"
	"github.com/JakeFAU/fair-scraper/internal/hash/sha256"
	"github.com/JakeFAU/fair-scraper/internal/headless/detector"
	"github.com/JakeFAU/fair-scraper/internal/id/uuid"
	"github.com/JakeFAU/fair-scraper/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/fair-scraper/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/fair-scraper/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/fair-scraper/internal/queue/memory"
	"github.com/JakeFAU/fair-scraper/internal/scrape"
	gcsstorage "github.com/JakeFAU/fair-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/fair-scraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/fair-scraper/internal/storage/memory"
	pgstore "github.com/JakeFAU/fair-scraper/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/fair-scraper/internal/storage/sqlite"
	"github.com/JakeFAU/fair-scraper/internal/telemetry"
	"github.com/JakeFAU/fair-scraper/internal/worker"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	registerer prometheus.Registerer
}

// WithRegisterer sends the OpenTelemetry metric bridge to reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	queue     *queuememory.Queue
	pipeline  *scrape.Pipeline

	closers   []namedCloser
	telemetry *telemetry.Providers
}

type namedCloser struct {
	name  string
	close func() error
}

// Build creates the application's dependencies. On error every resource
// opened so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	app := &App{cfg: cfg, logger: logger}
	if err := app.build(ctx, o); err != nil {
		app.closeInfrastructure()
		app.closeObservability(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, o buildOptions) error {
	cfg := a.cfg
	a.logger.Info("building application dependencies",
		zap.String("version", Version),
		zap.Int("port", cfg.Server.Port),
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("jobs_enabled", cfg.Jobs.Enabled),
		zap.Bool("headless_enabled", cfg.Headless.Enabled),
	)

	providers, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		ProjectID:   cfg.Telemetry.ProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Registerer:  o.registerer,
	})
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	a.telemetry = providers

	runStore, err := a.setupRunStore(ctx)
	if err != nil {
		return err
	}
	blobStore, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	pipeline, err := a.setupPipeline()
	if err != nil {
		return err
	}
	a.pipeline = pipeline

	clock := system.New()
	executor := worker.NewExecutor(
		runStore,
		pipeline,
		blobStore,
		publisher,
		sha256.New(),
		clock,
		worker.Config{Archive: cfg.Export.Archive, ExportPrefix: cfg.Export.Prefix},
		a.logger.Named("executor"),
	)

	var enqueuer api.Enqueuer
	if cfg.Jobs.Enabled {
		a.queue = queuememory.NewQueue(cfg.Jobs.QueueDepth)
		a.dispatch = a.setupDispatcher(runStore, executor)
		enqueuer = a.queue
	}

	a.apiServer = api.NewServer(
		runStore,
		executor,
		enqueuer,
		uuid.New(),
		clock,
		cfg,
		a.logger.Named("api"),
	)
	return nil
}

func (a *App) setupRunStore(ctx context.Context) (scrape.RunStore, error) {
	switch a.cfg.DB.Driver {
	case "postgres":
		store, err := pgstore.NewRunStore(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			Table:           a.cfg.DB.Table,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime(),
		})
		if err != nil {
			return nil, fmt.Errorf("postgres run store init failed: %w", err)
		}
		a.addCloser("postgres", func() error { store.Close(); return nil })
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		a.logger.Info("using postgres run store", zap.String("table", a.cfg.DB.Table))
		return store, nil
	case "sqlite":
		store, err := sqlitestore.Open(ctx, a.cfg.DB.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite run store init failed: %w", err)
		}
		a.addCloser("sqlite", store.Close)
		a.logger.Info("using sqlite run store", zap.String("path", a.cfg.DB.SQLitePath))
		return store, nil
	default:
		a.logger.Info("using in-memory run store", zap.Int("max_runs", a.cfg.DB.MemoryMaxRuns))
		return memorystorage.NewRunStore(memorystorage.WithMaxRuns(a.cfg.DB.MemoryMaxRuns)), nil
	}
}

func (a *App) setupStorage(ctx context.Context) (scrape.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.GCSPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.addCloser("gcs", store.Close)
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		return store, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (scrape.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.addCloser("pubsub", pub.Close)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

// setupPipeline wires the driver chain: easyfairs, static_html, headless.
func (a *App) setupPipeline() (*scrape.Pipeline, error) {
	cfg := a.cfg
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.DefaultRPS,
		DefaultBurst: cfg.RateLimit.DefaultBurst,
		Hosts:        cfg.RateLimit.Hosts,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Static.UserAgent,
		RespectRobots: cfg.Static.RespectRobots,
		Timeout:       time.Duration(cfg.Scrape.DefaultTimeoutMs) * time.Millisecond,
		Limiter:       limiter,
	})

	drivers := []scrape.Driver{
		easyfairs.New(fetcher, easyfairs.Config{APIURL: cfg.Easyfairs.APIURL, Events: cfg.Easyfairs.Events}, a.logger),
		statichtml.New(fetcher, detector.NewHeuristic(cfg.Headless.PromotionThreshold), cfg.Static.UserAgent, a.logger),
	}

	if cfg.Headless.Enabled {
		mode, err := headlessdriver.ParseMode(cfg.Headless.Mode)
		if err != nil {
			return nil, err
		}
		renderer, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Headless.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout(),
			Settle:            cfg.Headless.Settle(),
			ExecPath:          cfg.Headless.ExecPath,
		})
		if err != nil {
			return nil, fmt.Errorf("headless renderer init failed: %w", err)
		}
		a.addCloser("headless", func() error { renderer.Close(); return nil })
		drivers = append(drivers, headlessdriver.New(renderer, mode, a.logger))
		a.logger.Info("headless driver enabled",
			zap.String("mode", string(mode)),
			zap.Int("max_parallel", cfg.Headless.MaxParallel),
		)
	} else {
		a.logger.Info("headless driver disabled")
	}

	pipeline := scrape.NewPipeline(a.logger.Named("pipeline"), drivers...)
	a.logger.Info("driver chain ready", zap.Strings("drivers", pipeline.Drivers()))
	return pipeline, nil
}

func (a *App) setupDispatcher(store scrape.RunStore, executor *worker.Executor) *dispatcher.Dispatcher {
	workers := make([]dispatcher.Runner, 0, a.cfg.Jobs.Concurrency)
	for i := 0; i < a.cfg.Jobs.Concurrency; i++ {
		workers = append(workers, worker.New(
			a.queue,
			store,
			executor,
			a.cfg.Jobs.RunTimeout(),
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.logger.Info("job workers configured",
		zap.Int("concurrency", a.cfg.Jobs.Concurrency),
		zap.Int("queue_depth", a.cfg.Jobs.QueueDepth),
		zap.Duration("run_timeout", a.cfg.Jobs.RunTimeout()),
	)
	return dispatcher.New(workers)
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// Handler exposes the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Drivers lists the configured driver chain.
func (a *App) Drivers() []string {
	return a.pipeline.Drivers()
}

// Run listens on the configured address and blocks until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Server.Addr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server and job workers on ln until ctx is canceled,
// then drains both and releases every resource.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	// Workers outlive ctx so queued runs can drain after a signal.
	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()
	workersDone := make(chan struct{})
	if a.dispatch != nil {
		go func() {
			defer close(workersDone)
			a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
			a.dispatch.Run(workerCtx)
		}()
	} else {
		close(workersDone)
	}

	srv := &http.Server{
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	a.apiServer.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.queue != nil {
		a.queue.Close()
	}
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not drain before the shutdown deadline")
		cancelWorkers()
		<-workersDone
	}

	a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases infrastructure clients and flushes telemetry.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	a.telemetry = nil
}
