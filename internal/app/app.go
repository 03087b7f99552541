// Package app builds the crawler's long-lived services from configuration and
// owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/api"
	"github.com/JakeFAU/listing-crawler/internal/clock/system"
	"github.com/JakeFAU/listing-crawler/internal/config"
	"github.com/JakeFAU/listing-crawler/internal/coordination"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/enumerator"
	"github.com/JakeFAU/listing-crawler/internal/extractor"
	"github.com/JakeFAU/listing-crawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/listing-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/listing-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/listing-crawler/internal/id/uuid"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
	"github.com/JakeFAU/listing-crawler/internal/pipeline"
	"github.com/JakeFAU/listing-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/listing-crawler/internal/scheduler"
	"github.com/JakeFAU/listing-crawler/internal/snapshot"
	"github.com/JakeFAU/listing-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/listing-crawler/internal/storage/postgres"
)

// Registered job names.
const (
	JobCrawl = "crawl"
	JobDump  = "dump"
)

// ErrDumpUnavailable is returned by Dump when the app was built without a database.
var ErrDumpUnavailable = errors.New("snapshot export requires the postgres store")

// ListingStore is the store surface the app needs beyond crawler.Store.
type ListingStore interface {
	crawler.Store
	Ping(ctx context.Context) error
	Close()
}

// Options tweak how Build wires the services.
type Options struct {
	// DryRun swaps the Postgres store for the in-memory one and skips the
	// snapshot exporter.
	DryRun bool
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store        ListingStore
	headless     *headlessfetcher.Transport
	redis        *redis.Client
	fetcher      *fetcher.Fetcher
	orchestrator *pipeline.Orchestrator
	exporter     *snapshot.Exporter
	scheduler    *scheduler.Scheduler
	apiServer    *api.Server
}

// Build creates the application's dependencies. On error everything already
// opened is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	a.logger.Info("building application dependencies",
		zap.String("start_url", cfg.Crawler.StartURL),
		zap.String("transport", cfg.HTTP.Transport),
		zap.Bool("dry_run", opts.DryRun),
	)
	clock := system.New()

	if err = a.setupStore(ctx, opts); err != nil {
		return a, err
	}
	if err = a.setupPipeline(clock); err != nil {
		return a, err
	}
	if !opts.DryRun {
		if err = a.setupExporter(clock); err != nil {
			return a, err
		}
	}
	if err = a.setupScheduler(); err != nil {
		return a, err
	}

	var apiKey string
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(a.orchestrator, a.scheduler, a.store, api.Config{
		CrawlJob: JobCrawl,
		DumpJob:  JobDump,
		APIKey:   apiKey,
	}, logger.Named("api"))
	return a, nil
}

func (a *App) setupStore(ctx context.Context, opts Options) error {
	if opts.DryRun {
		a.logger.Info("using in-memory listing store")
		a.store = memory.NewListingStore()
		return nil
	}
	store, err := pgstore.NewListingStore(ctx, pgstore.ListingStoreConfig{
		DSN:             a.cfg.DB.DSN(),
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		MaxAttempts:     a.cfg.Store.MaxAttempts,
		Backoff:         a.cfg.Store.Backoff,
	}, a.logger.Named("store"))
	if err != nil {
		return fmt.Errorf("listing store init failed: %w", err)
	}
	a.store = store
	a.logger.Info("postgres listing store initialized",
		zap.String("host", a.cfg.DB.Host),
		zap.String("database", a.cfg.DB.Name),
	)
	return nil
}

func (a *App) setupTransport() (crawler.Transport, error) {
	switch a.cfg.HTTP.Transport {
	case "headless":
		agents := a.cfg.HTTP.UserAgents
		if len(agents) == 0 {
			agents = collyfetcher.DefaultUserAgents
		}
		t, err := headlessfetcher.New(headlessfetcher.Config{
			MaxTabs:        a.cfg.Headless.MaxParallel,
			UserAgents:     agents,
			AcceptLanguage: a.cfg.HTTP.AcceptLanguage,
			NavTimeout:     a.cfg.Headless.NavTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("headless transport init failed: %w", err)
		}
		a.headless = t
		a.logger.Info("using headless transport", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		return t, nil
	default:
		a.logger.Info("using colly transport", zap.Int("user_agents", len(a.cfg.HTTP.UserAgents)))
		return collyfetcher.New(collyfetcher.Config{
			UserAgents:     a.cfg.HTTP.UserAgents,
			AcceptLanguage: a.cfg.HTTP.AcceptLanguage,
			RespectRobots:  a.cfg.HTTP.RespectRobots,
			Timeout:        a.cfg.HTTP.RequestTimeout,
		}), nil
	}
}

func (a *App) setupPipeline(clock crawler.Clock) error {
	transport, err := a.setupTransport()
	if err != nil {
		return err
	}
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   a.cfg.HTTP.RatePerSecond,
		Burst: a.cfg.HTTP.Burst,
	})
	a.fetcher, err = fetcher.New(transport, limiter, fetcher.Config{
		MaxConcurrency: a.cfg.Crawler.MaxConcurrency,
		MaxRetries:     a.cfg.HTTP.MaxRetries,
		AttemptTimeout: a.cfg.HTTP.RequestTimeout,
		BackoffInitial: a.cfg.HTTP.BackoffInitial,
		BackoffMax:     a.cfg.HTTP.BackoffMax,
		MaxRetryAfter:  a.cfg.HTTP.MaxRetryAfter,
	}, a.logger.Named("fetcher"))
	if err != nil {
		return fmt.Errorf("fetcher init failed: %w", err)
	}

	enum, err := enumerator.New(a.fetcher, enumerator.Config{
		StartURL:      a.cfg.Crawler.StartURL,
		MaxPages:      a.cfg.Crawler.MaxPages,
		PageParam:     a.cfg.Crawler.PageParam,
		NextSelector:  a.cfg.Crawler.NextSelector,
		DetailPattern: a.cfg.Crawler.DetailPattern,
	}, a.logger.Named("enumerator"))
	if err != nil {
		return fmt.Errorf("enumerator init failed: %w", err)
	}

	ext, err := extractor.New(extractor.Config{
		StateMarkers:       a.cfg.Extractor.StateMarkers,
		DefaultCurrency:    a.cfg.Extractor.DefaultCurrency,
		DefaultCountryCode: a.cfg.Extractor.DefaultCountryCode,
	}, clock)
	if err != nil {
		return fmt.Errorf("extractor init failed: %w", err)
	}

	a.orchestrator, err = pipeline.New(enum, a.fetcher, ext, a.store, clock, uuid.New(), pipeline.Config{
		MaxConcurrency:      a.cfg.Crawler.MaxConcurrency,
		QueueDepth:          a.cfg.Crawler.QueueDepth,
		BatchSize:           a.cfg.Store.BatchSize,
		RunTimeout:          a.cfg.Crawler.RunTimeout,
		MaxFailuresReported: a.cfg.Crawler.MaxFailuresReported,
	}, a.logger.Named("orchestrator"))
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}
	a.logger.Info("crawl pipeline ready",
		zap.Int("max_concurrency", a.cfg.Crawler.MaxConcurrency),
		zap.Int("max_retries", a.cfg.HTTP.MaxRetries),
		zap.Float64("rate_per_second", a.cfg.HTTP.RatePerSecond),
		zap.Duration("run_timeout", a.cfg.Crawler.RunTimeout),
	)
	return nil
}

func (a *App) setupExporter(clock crawler.Clock) error {
	exp, err := snapshot.New(snapshot.Config{
		Dir:        a.cfg.Snapshot.Dir,
		PGDumpPath: a.cfg.Snapshot.PGDumpPath,
		Timeout:    a.cfg.Snapshot.Timeout,
		Host:       a.cfg.DB.Host,
		Port:       a.cfg.DB.Port,
		User:       a.cfg.DB.User,
		Password:   a.cfg.DB.Password,
		Database:   a.cfg.DB.Name,
	}, clock, a.logger.Named("snapshot"))
	if err != nil {
		return fmt.Errorf("snapshot exporter init failed: %w", err)
	}
	a.exporter = exp
	return nil
}

func (a *App) setupScheduler() error {
	// A nil *coordination.Lock must not reach the interface.
	var locker scheduler.Locker
	if a.cfg.Redis.Enabled {
		client, err := coordination.NewClient(coordination.ClientConfig{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
		a.redis = client
		locker = coordination.NewLock(client, a.cfg.Redis.LockKey, a.cfg.Redis.LockTTL, a.logger.Named("lock"))
		a.logger.Info("distributed job lock enabled", zap.String("key", a.cfg.Redis.LockKey))
	}

	s, err := scheduler.New(scheduler.Config{Timezone: a.cfg.Schedule.Timezone}, locker, a.logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	a.scheduler = s
	if err := s.Register(scheduler.Job{Name: JobCrawl, At: a.cfg.Schedule.ScrapeTime, Run: a.crawlJob}); err != nil {
		return fmt.Errorf("register %s job: %w", JobCrawl, err)
	}
	if err := s.Register(scheduler.Job{Name: JobDump, At: a.cfg.Schedule.DumpTime, Run: a.dumpJob}); err != nil {
		return fmt.Errorf("register %s job: %w", JobDump, err)
	}
	return nil
}

func (a *App) crawlJob(ctx context.Context) error {
	_, err := a.Crawl(ctx)
	return err
}

func (a *App) dumpJob(ctx context.Context) error {
	_, err := a.Dump(ctx)
	return err
}

// Crawl runs one crawl now.
func (a *App) Crawl(ctx context.Context) (crawler.RunReport, error) {
	report, err := a.orchestrator.Run(ctx)
	if err != nil {
		return report, fmt.Errorf("crawl run: %w", err)
	}
	return report, nil
}

// Dump writes one snapshot now and returns its path.
func (a *App) Dump(ctx context.Context) (string, error) {
	if a.exporter == nil {
		return "", ErrDumpUnavailable
	}
	path, err := a.exporter.Export(ctx)
	if err != nil {
		return "", fmt.Errorf("snapshot export: %w", err)
	}
	return path, nil
}

// Handler exposes the HTTP control surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Serve starts the scheduler and the HTTP server and blocks until ctx is
// canceled or a termination signal arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var startup []string
	if a.cfg.Schedule.RunOnStartup {
		startup = append(startup, JobCrawl)
	}
	a.scheduler.Start(ctx, startup...)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.scheduler.Stop()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every resource Build opened.
func (a *App) Close() {
	if a.headless != nil {
		a.headless.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}
