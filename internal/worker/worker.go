// Package worker implements the fetch and extract loop run by each pool slot.
package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
)

// Result is the outcome of one detail URL. Stage names where processing
// stopped when Err is set; Skipped results were never started.
type Result struct {
	URL      string
	Listing  crawler.Listing
	Warnings []crawler.FieldWarning
	Stage    crawler.Stage
	Attempts int
	Skipped  bool
	Err      error
}

// Worker consumes crawl tasks, fetches each detail page and extracts a Listing.
type Worker struct {
	queue     crawler.Queue
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	results   chan<- Result
	halt      <-chan struct{}
	logger    *zap.Logger
}

// New constructs a Worker. Once halt is closed, tasks still in the queue are
// reported as skipped instead of fetched. A nil halt never fires.
func New(
	queue crawler.Queue,
	fetcher crawler.Fetcher,
	extractor crawler.Extractor,
	results chan<- Result,
	halt <-chan struct{},
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		fetcher:   fetcher,
		extractor: extractor,
		results:   results,
		halt:      halt,
		logger:    logger,
	}
}

// Run blocks, consuming tasks until the queue is closed and drained or the
// context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, crawler.ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.emit(ctx, w.process(ctx, task))
	}
}

func (w *Worker) process(ctx context.Context, task crawler.CrawlTask) Result {
	if w.halted() {
		return Result{URL: task.URL, Skipped: true}
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	page, err := w.fetcher.Fetch(ctx, task.URL)
	if err != nil {
		res := Result{URL: task.URL, Stage: crawler.StageFetch, Err: err}
		var fetchErr *crawler.FetchError
		if errors.As(err, &fetchErr) {
			res.Attempts = fetchErr.Attempts
		}
		w.logger.Warn("detail fetch failed", zap.String("url", task.URL), zap.Error(err))
		metrics.ObserveListing(string(crawler.StageFetch), "failed")
		return res
	}
	metrics.ObserveListing(string(crawler.StageFetch), "succeeded")

	listing, warnings, err := w.extractor.Extract(page)
	if err != nil {
		w.logger.Warn("detail page rejected", zap.String("url", task.URL), zap.Error(err))
		metrics.ObserveListing(string(crawler.StageExtract), "failed")
		return Result{URL: task.URL, Stage: crawler.StageExtract, Attempts: page.Attempts, Err: err}
	}
	metrics.ObserveListing(string(crawler.StageExtract), "succeeded")

	if len(warnings) > 0 {
		fields := make([]string, 0, len(warnings))
		for _, fw := range warnings {
			w.logger.Debug("field not extracted",
				zap.String("url", task.URL),
				zap.String("field", fw.Field),
				zap.String("reason", fw.Reason),
			)
			metrics.ObserveFieldWarning(fw.Field)
			fields = append(fields, fw.Field)
		}
		w.logger.Warn("listing extracted with missing fields",
			zap.String("url", task.URL),
			zap.Strings("fields", fields),
		)
	}
	return Result{URL: task.URL, Listing: listing, Warnings: warnings, Attempts: page.Attempts}
}

func (w *Worker) halted() bool {
	if w.halt == nil {
		return false
	}
	select {
	case <-w.halt:
		return true
	default:
		return false
	}
}

func (w *Worker) emit(ctx context.Context, res Result) {
	select {
	case w.results <- res:
	case <-ctx.Done():
		w.logger.Debug("result dropped on shutdown", zap.String("url", res.URL))
	}
}
