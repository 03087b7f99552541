// Package pipeline composes enumeration, fetching, extraction and storage into
// a single crawl run and aggregates its report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/dispatcher"
	"github.com/JakeFAU/listing-crawler/internal/enumerator"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
	"github.com/JakeFAU/listing-crawler/internal/queue/memory"
	"github.com/JakeFAU/listing-crawler/internal/worker"
)

// Enumerator streams detail URLs into out and closes it when done.
type Enumerator interface {
	Enumerate(ctx context.Context, out chan<- string) enumerator.Result
}

// Config bounds one crawl run.
type Config struct {
	// MaxConcurrency is the number of workers. The fetcher's semaphore is
	// still the only bound on in-flight requests.
	MaxConcurrency int
	QueueDepth     int
	BatchSize      int
	// RunTimeout stops dispatch of new work; zero means no deadline.
	RunTimeout          time.Duration
	MaxFailuresReported int
}

// Orchestrator runs crawls one at a time.
type Orchestrator struct {
	enumerator Enumerator
	fetcher    crawler.Fetcher
	extractor  crawler.Extractor
	store      crawler.Store
	clock      crawler.Clock
	ids        crawler.IDGenerator
	cfg        Config
	logger     *zap.Logger

	running atomic.Bool

	mu    sync.RWMutex
	state crawler.RunState
	last  *crawler.RunReport
}

// New validates collaborators and applies defaults.
func New(
	enum Enumerator,
	fetcher crawler.Fetcher,
	extractor crawler.Extractor,
	store crawler.Store,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) (*Orchestrator, error) {
	switch {
	case enum == nil:
		return nil, errors.New("enumerator is required")
	case fetcher == nil:
		return nil, errors.New("fetcher is required")
	case extractor == nil:
		return nil, errors.New("extractor is required")
	case store == nil:
		return nil, errors.New("store is required")
	case clock == nil:
		return nil, errors.New("clock is required")
	case ids == nil:
		return nil, errors.New("id generator is required")
	}
	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("max concurrency must be > 0, got %d", cfg.MaxConcurrency)
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = cfg.MaxConcurrency * 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxFailuresReported <= 0 {
		cfg.MaxFailuresReported = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		enumerator: enum,
		fetcher:    fetcher,
		extractor:  extractor,
		store:      store,
		clock:      clock,
		ids:        ids,
		cfg:        cfg,
		logger:     logger,
		state:      crawler.StateIdle,
	}, nil
}

// State reports where the current run is.
func (o *Orchestrator) State() crawler.RunState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// LastReport returns the report of the most recently finished run.
func (o *Orchestrator) LastReport() (crawler.RunReport, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return crawler.RunReport{}, false
	}
	return *o.last, true
}

func (o *Orchestrator) setState(s crawler.RunState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Run executes one crawl. Per-URL failures are recorded in the report; the
// returned error is non-nil only when the run could do no work at all.
// Calling Run while another run is active returns crawler.ErrRunInProgress.
func (o *Orchestrator) Run(ctx context.Context) (crawler.RunReport, error) {
	if !o.running.CompareAndSwap(false, true) {
		return crawler.RunReport{}, crawler.ErrRunInProgress
	}
	defer o.running.Store(false)
	defer o.setState(crawler.StateIdle)

	runID, err := o.ids.NewID()
	if err != nil {
		return crawler.RunReport{}, fmt.Errorf("generate run id: %w", err)
	}
	r := &run{
		report:      crawler.RunReport{RunID: runID, StartedAt: o.clock.Now()},
		maxFailures: o.cfg.MaxFailuresReported,
		logger:      o.logger.With(zap.String("run_id", runID)),
	}
	r.logger.Info("crawl run started")

	dispatchCtx, cancel := o.dispatchContext(ctx)
	defer cancel()

	o.setState(crawler.StateEnumerating)
	urls := make(chan string)
	enumDone := make(chan enumerator.Result, 1)
	go func() {
		enumDone <- o.enumerator.Enumerate(dispatchCtx, urls)
	}()

	first, ok := <-urls
	if !ok {
		enumRes := <-enumDone
		r.applyEnumeration(enumRes)
		fatal := crawler.ErrNoListings
		if enumRes.Err != nil {
			fatal = fmt.Errorf("%w: %w", crawler.ErrNoListings, enumRes.Err)
		}
		return o.finish(r, fatal)
	}

	o.setState(crawler.StateProcessing)
	queue := memory.NewQueue(o.cfg.QueueDepth)
	results := make(chan worker.Result, o.cfg.MaxConcurrency)
	workers := make([]*worker.Worker, o.cfg.MaxConcurrency)
	workerLogger := r.logger.Named("worker")
	for i := range workers {
		workers[i] = worker.New(queue, o.fetcher, o.extractor, results, dispatchCtx.Done(), workerLogger)
	}
	pool := dispatcher.New(queue, workers)

	go func() {
		pool.Run(ctx)
		close(results)
	}()

	discovered := make(chan int, 1)
	go func() {
		discovered <- o.produce(dispatchCtx, pool, first, urls, r.logger)
	}()

	o.collect(ctx, results, r)

	r.report.Discovered = <-discovered
	r.applyEnumeration(<-enumDone)
	processed := r.report.FetchSucceeded + r.report.FetchFailed
	r.report.Skipped = r.report.Discovered - processed
	if ctx.Err() == nil && errors.Is(dispatchCtx.Err(), context.DeadlineExceeded) {
		r.report.DeadlineExceeded = true
	}
	return o.finish(r, nil)
}

func (o *Orchestrator) dispatchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.RunTimeout > 0 {
		return context.WithTimeout(ctx, o.cfg.RunTimeout)
	}
	return context.WithCancel(ctx)
}

// produce feeds discovered URLs into the pool until enumeration ends, then
// closes intake. URLs that cannot be enqueued after the deadline still count
// as discovered.
func (o *Orchestrator) produce(
	ctx context.Context,
	pool *dispatcher.Dispatcher,
	first string,
	urls <-chan string,
	logger *zap.Logger,
) int {
	defer pool.Close()

	count := 0
	enqueue := func(url string) {
		count++
		if err := pool.Enqueue(ctx, crawler.CrawlTask{URL: url}); err != nil {
			logger.Debug("url not dispatched", zap.String("url", url), zap.Error(err))
		}
	}
	enqueue(first)
	for url := range urls {
		enqueue(url)
	}
	return count
}

// collect consumes worker results, batching listings into the store.
func (o *Orchestrator) collect(ctx context.Context, results <-chan worker.Result, r *run) {
	batch := make([]crawler.Listing, 0, o.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		errs := o.store.UpsertBatch(ctx, batch)
		for i, err := range errs {
			if err != nil {
				r.report.StoreFailed++
				r.fail(batch[i].URL, crawler.StageStore, err)
				r.logger.Warn("listing not stored", zap.String("url", batch[i].URL), zap.Error(err))
				metrics.ObserveListing(string(crawler.StageStore), "failed")
				continue
			}
			r.report.StoreSucceeded++
			metrics.ObserveListing(string(crawler.StageStore), "succeeded")
		}
		batch = batch[:0]
	}

	for res := range results {
		switch {
		case res.Skipped:
		case res.Stage == crawler.StageFetch:
			r.report.FetchFailed++
			r.fail(res.URL, crawler.StageFetch, res.Err)
		case res.Stage == crawler.StageExtract:
			r.report.FetchSucceeded++
			r.report.ExtractFailed++
			r.fail(res.URL, crawler.StageExtract, res.Err)
		default:
			r.report.FetchSucceeded++
			r.report.ExtractSucceeded++
			r.report.FieldWarnings += len(res.Warnings)
			batch = append(batch, res.Listing)
			if len(batch) >= o.cfg.BatchSize {
				flush()
			}
		}
	}
	flush()
}

func (o *Orchestrator) finish(r *run, fatal error) (crawler.RunReport, error) {
	o.setState(crawler.StateReporting)
	rep := &r.report
	rep.FinishedAt = o.clock.Now()
	rep.Duration = rep.FinishedAt.Sub(rep.StartedAt)

	switch {
	case fatal != nil:
		rep.Status = crawler.RunFailed
		rep.FatalError = fatal.Error()
	case rep.FailureCount() == 0 && rep.Skipped == 0 && rep.IndexFailure == "":
		rep.Status = crawler.RunSucceeded
	default:
		rep.Status = crawler.RunPartial
	}

	fields := []zap.Field{
		zap.String("status", string(rep.Status)),
		zap.Int("index_pages", rep.IndexPages),
		zap.Int("discovered", rep.Discovered),
		zap.Int("fetch_failed", rep.FetchFailed),
		zap.Int("extract_failed", rep.ExtractFailed),
		zap.Int("stored", rep.StoreSucceeded),
		zap.Int("store_failed", rep.StoreFailed),
		zap.Int("field_warnings", rep.FieldWarnings),
		zap.Int("skipped", rep.Skipped),
		zap.Duration("duration", rep.Duration),
	}
	if fatal != nil {
		r.logger.Error("crawl run failed", append(fields, zap.Error(fatal))...)
	} else {
		r.logger.Info("crawl run finished", fields...)
	}
	metrics.ObserveRun(string(rep.Status), rep.Duration)

	report := *rep
	o.mu.Lock()
	o.last = &report
	o.mu.Unlock()
	return report, fatal
}

// run is the mutable state of one crawl, owned by the collecting goroutine.
type run struct {
	report      crawler.RunReport
	maxFailures int
	logger      *zap.Logger
}

func (r *run) fail(url string, stage crawler.Stage, err error) {
	if len(r.report.Failures) >= r.maxFailures {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.report.Failures = append(r.report.Failures, crawler.URLFailure{URL: url, Stage: stage, Error: msg})
}

func (r *run) applyEnumeration(res enumerator.Result) {
	r.report.IndexPages = res.Pages
	if res.StopReason == enumerator.StopIndexError && res.Err != nil {
		r.report.IndexFailure = res.Err.Error()
		r.fail(res.FailedPage, crawler.StageIndex, res.Err)
	}
	r.logger.Info("enumeration finished",
		zap.Int("pages", res.Pages),
		zap.Int("discovered", res.Discovered),
		zap.String("stop_reason", string(res.StopReason)),
	)
}
