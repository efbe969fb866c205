// Package server builds the crawler's object graph from configuration and
// runs the long-lived service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	ollama "github.com/ollama/ollama/api"
	"go.uber.org/zap"

	"github.com/JakeFAU/blogroll-crawler/internal/aggregator"
	"github.com/JakeFAU/blogroll-crawler/internal/api"
	"github.com/JakeFAU/blogroll-crawler/internal/audit"
	"github.com/JakeFAU/blogroll-crawler/internal/clock/system"
	"github.com/JakeFAU/blogroll-crawler/internal/config"
	"github.com/JakeFAU/blogroll-crawler/internal/enrich"
	"github.com/JakeFAU/blogroll-crawler/internal/extractor"
	"github.com/JakeFAU/blogroll-crawler/internal/feed"
	collyfetcher "github.com/JakeFAU/blogroll-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/blogroll-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/blogroll-crawler/internal/id/uuid"
	"github.com/JakeFAU/blogroll-crawler/internal/imagery"
	"github.com/JakeFAU/blogroll-crawler/internal/ingest"
	"github.com/JakeFAU/blogroll-crawler/internal/logging"
	"github.com/JakeFAU/blogroll-crawler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/blogroll-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/blogroll-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/blogroll-crawler/internal/registry"
	"github.com/JakeFAU/blogroll-crawler/internal/scheduler"
	"github.com/JakeFAU/blogroll-crawler/internal/stats"
	gcsstorage "github.com/JakeFAU/blogroll-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/blogroll-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/blogroll-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/blogroll-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/blogroll-crawler/internal/storage/sqlite"
)

// Job names registered with the scheduler.
const (
	JobIngest     = "ingest"
	JobAudit      = "audit"
	JobStatistics = "statistics"
)

// App holds the wired components. The exported fields are what the CLI
// subcommands drive directly.
type App struct {
	Store        aggregator.Store
	Orchestrator *ingest.Orchestrator
	Auditor      *audit.Auditor
	Snapshotter  *stats.Snapshotter
	Registry     *registry.Registry
	Scheduler    *scheduler.Scheduler

	cfg       *config.Config
	logger    *zap.Logger
	apiServer *api.Server
	closers   []func(context.Context) error
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.Build(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	if err := app.build(ctx); err != nil {
		_ = app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	a.logger.Info("building application dependencies",
		zap.String("database", cfg.Database.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("enrich", cfg.Enrich.Provider),
		zap.Bool("pubsub", cfg.PubSub.Enabled),
	)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	clock := system.NewIn(loc)
	ids := uuid.New()
	httpClient := &http.Client{Timeout: cfg.RequestTimeout()}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.RPS,
		DefaultBurst: cfg.RateLimit.Burst,
	})

	if a.Store, err = a.setupDatabase(ctx); err != nil {
		return err
	}
	blobs, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	analyzer, err := a.setupAnalyzer(httpClient)
	if err != nil {
		return err
	}

	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       cfg.RequestTimeout(),
	})
	var headless aggregator.PageFetcher
	if cfg.Headless.Enabled {
		chrome, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			a.logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			headless = chrome
			a.closers = append(a.closers, func(context.Context) error {
				chrome.Close()
				return nil
			})
			a.logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}

	extract, err := extractor.New(extractor.Config{
		Strategy:       extractor.Strategy(cfg.Extractor.Strategy),
		MaxAttempts:    cfg.Extractor.MaxAttempts,
		MinDelay:       time.Duration(cfg.Extractor.MinDelayMs) * time.Millisecond,
		MaxDelay:       time.Duration(cfg.Extractor.MaxDelayMs) * time.Millisecond,
		AttemptTimeout: cfg.RequestTimeout(),
		MinTextLength:  cfg.Extractor.MinTextLength,
	}, static, headless, limiter, a.logger)
	if err != nil {
		return fmt.Errorf("extractor init failed: %w", err)
	}

	enricher := enrich.NewEngine(enrich.Config{
		TitleBudget: cfg.Enrich.TitleBudget,
		BodyBudget:  cfg.Enrich.BodyBudget,
		Timeout:     time.Duration(cfg.Enrich.TimeoutSeconds) * time.Second,
	}, analyzer, a.logger)

	var images aggregator.ImageProcessor
	if cfg.Image.Enabled {
		images = imagery.New(imagery.Config{
			Prefix:        cfg.Image.Prefix,
			MaxWidth:      cfg.Image.MaxWidth,
			MaxBytes:      cfg.Image.MaxBytes,
			MaxPixels:     cfg.Image.MaxPixels,
			Timeout:       cfg.RequestTimeout(),
			UserAgent:     cfg.Crawler.UserAgent,
			PublicBaseURL: cfg.Image.PublicBaseURL,
		}, httpClient, blobs, limiter, clock, a.logger)
	}

	ingestor, err := ingest.NewIngestor(ingest.Deps{
		Articles:  a.Store,
		Sources:   a.Store,
		Extractor: extract,
		Enricher:  enricher,
		Images:    images,
		Publisher: publisher,
		IDs:       ids,
		Clock:     clock,
	}, ingest.IngestorConfig{EventTopic: cfg.PubSub.TopicName}, a.logger)
	if err != nil {
		return fmt.Errorf("ingestor init failed: %w", err)
	}

	feeds := feed.New(feed.Config{
		UserAgent:      cfg.Crawler.UserAgent,
		Timeout:        cfg.RequestTimeout(),
		MaxEntries:     cfg.Feed.MaxEntries,
		FallbackOffset: cfg.FallbackOffset(),
	}, httpClient, clock, a.logger)
	a.Orchestrator = ingest.NewOrchestrator(a.Store, a.Store, feeds, ingestor,
		ingest.OrchestratorConfig{Concurrency: cfg.Crawler.Concurrency}, a.logger)

	probe := audit.NewHTTPProbe(nil, cfg.Crawler.UserAgent,
		time.Duration(cfg.Audit.ProbeTimeoutSeconds)*time.Second, limiter)
	retry := aggregator.NewJitterRetryPolicy()
	retry.MaxAttempts = cfg.Audit.ProbeAttempts
	a.Auditor = audit.New(a.Store, probe, clock, audit.Config{
		BatchSize:       cfg.Audit.BatchSize,
		DeleteThreshold: cfg.Audit.DeleteThreshold,
		Concurrency:     cfg.Audit.Concurrency,
		Retry:           retry,
	}, a.logger)

	a.Snapshotter = stats.New(a.Store, a.Store, a.Store, ids, clock, a.logger)
	a.Registry = registry.New(a.Store,
		registry.NewDiscoverer(httpClient, cfg.Crawler.UserAgent, cfg.RequestTimeout()),
		ids, clock, a.logger)

	a.Scheduler = scheduler.New(scheduler.Config{Location: loc, JobTimeout: cfg.JobTimeout()}, a.logger)
	if err := a.registerJobs(); err != nil {
		return err
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(api.Deps{
		Ingester:   a.Orchestrator,
		Jobs:       a.Scheduler,
		Statistics: a.Snapshotter,
		Articles:   a.Store,
		Sources:    a.Registry,
		Ready: []api.ReadinessCheck{func(ctx context.Context) error {
			_, err := a.Store.CountSources(ctx)
			return err
		}},
	}, api.Options{APIKey: apiKey}, a.logger)
	return nil
}

func (a *App) registerJobs() error {
	jobs := []scheduler.Job{
		{Name: JobIngest, Schedule: a.cfg.Schedule.Ingest, Run: func(ctx context.Context) error {
			_, err := a.Orchestrator.RunCycle(ctx)
			return err
		}},
		{Name: JobAudit, Schedule: a.cfg.Schedule.Audit, Run: func(ctx context.Context) error {
			_, err := a.Auditor.Run(ctx)
			return err
		}},
		{Name: JobStatistics, Schedule: a.cfg.Schedule.Statistics, Run: func(ctx context.Context) error {
			_, err := a.Snapshotter.Run(ctx)
			return err
		}},
	}
	for _, job := range jobs {
		if err := a.Scheduler.Register(job); err != nil {
			return fmt.Errorf("register job %s: %w", job.Name, err)
		}
	}
	return nil
}

func (a *App) setupDatabase(ctx context.Context) (aggregator.Store, error) {
	switch a.cfg.Database.Backend {
	case "postgres":
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:      a.cfg.Database.DSN,
			MaxConns: a.cfg.Database.MaxConns,
			MinConns: a.cfg.Database.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			store.Close()
			return nil
		})
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.logger.Info("using postgres store")
		return store, nil
	case "sqlite":
		store, err := sqlitestore.Open(ctx, a.cfg.Database.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.logger.Info("using sqlite store", zap.String("path", a.cfg.Database.SQLitePath))
		return store, nil
	default:
		a.logger.Warn("using in-memory store, records are lost on exit")
		return memorystorage.NewStore(), nil
	}
}

func (a *App) setupStorage(ctx context.Context) (aggregator.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket:       a.cfg.Storage.GCSBucket,
			CacheControl: a.cfg.Storage.CacheControl,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (aggregator.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		a.logger.Info("Pub/Sub disabled, using in-memory publisher")
		return memorypublisher.NewBounded(1000), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	publisher := gcppublisher.New(client)
	a.closers = append(a.closers, func(context.Context) error {
		publisher.Stop()
		return client.Close()
	})
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return publisher, nil
}

func (a *App) setupAnalyzer(client *http.Client) (aggregator.TextAnalyzer, error) {
	switch a.cfg.Enrich.Provider {
	case "http":
		return enrich.NewHTTPAnalyzer(a.cfg.Enrich.Endpoint, a.cfg.Enrich.Token, client), nil
	case "ollama":
		var oc *ollama.Client
		if a.cfg.Enrich.OllamaHost != "" {
			base, err := url.Parse(a.cfg.Enrich.OllamaHost)
			if err != nil {
				return nil, fmt.Errorf("parse enrich.ollama_host: %w", err)
			}
			oc = ollama.NewClient(base, http.DefaultClient)
		} else {
			var err error
			if oc, err = ollama.ClientFromEnvironment(); err != nil {
				return nil, fmt.Errorf("ollama client init failed: %w", err)
			}
		}
		a.logger.Info("using ollama analyzer", zap.String("model", a.cfg.Enrich.Model))
		return enrich.NewOllamaAnalyzer(oc, a.cfg.Enrich.Model), nil
	default:
		a.logger.Info("text enrichment disabled")
		return nil, nil
	}
}

// Run starts the scheduler and the ops HTTP server and blocks until ctx is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Scheduler.Start(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(a.cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.Scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler stop timed out", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}

// Close releases infrastructure clients in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closers = nil
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// IngestURL crawls one registered source immediately.
func (a *App) IngestURL(ctx context.Context, rawURL string) (ingest.SourceReport, error) {
	return a.Orchestrator.IngestByURL(ctx, rawURL)
}

// IngestAll runs one full ingestion cycle.
func (a *App) IngestAll(ctx context.Context) (ingest.CycleReport, error) {
	return a.Orchestrator.RunCycle(ctx)
}

// Audit runs today's liveness window.
func (a *App) Audit(ctx context.Context) (audit.Report, error) {
	return a.Auditor.Run(ctx)
}

// Snapshot appends a statistics snapshot.
func (a *App) Snapshot(ctx context.Context) (aggregator.StatisticSnapshot, error) {
	return a.Snapshotter.Run(ctx)
}

// AddSource registers one source, discovering missing metadata.
func (a *App) AddSource(ctx context.Context, seed registry.Seed) (aggregator.Source, bool, error) {
	return a.Registry.Register(ctx, seed)
}

// RefreshSource re-runs metadata discovery for a stored source.
func (a *App) RefreshSource(ctx context.Context, rawURL string) (aggregator.SourceMetadata, error) {
	source, err := a.Registry.Lookup(ctx, rawURL)
	if err != nil {
		return aggregator.SourceMetadata{}, err
	}
	return a.Registry.Refresh(ctx, source.ID)
}

// ResetCrawlError clears a source's crawl error counter.
func (a *App) ResetCrawlError(ctx context.Context, rawURL string) (aggregator.Source, error) {
	return a.Registry.ResetCrawlError(ctx, rawURL)
}

// ImportSources registers the seeds in a YAML file.
func (a *App) ImportSources(ctx context.Context, path string) (registry.ImportReport, error) {
	return a.Registry.ImportFile(ctx, path)
}
