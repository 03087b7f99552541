// Package fetcher implements the retrying, concurrency-bounded Fetcher that
// every pipeline stage shares. A single-attempt crawler.Transport does the
// actual I/O; this package owns admission control, per-attempt timeouts,
// error classification and backoff.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
)

// Limiter delays an attempt until the target host may be contacted.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls retry and concurrency behavior.
type Config struct {
	MaxConcurrency int
	MaxRetries     int
	AttemptTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxRetryAfter  time.Duration
}

// Fetcher implements crawler.Fetcher on top of a single-attempt transport.
type Fetcher struct {
	transport crawler.Transport
	limiter   Limiter
	sem       *semaphore.Weighted
	policy    *crawler.ExponentialRetryPolicy
	cfg       Config
	logger    *zap.Logger
	sleep     func(context.Context, time.Duration) error

	inFlight atomic.Int64
	peak     atomic.Int64
}

// New builds a Fetcher. limiter may be nil.
func New(transport crawler.Transport, limiter Limiter, cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("max concurrency must be > 0, got %d", cfg.MaxConcurrency)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 20 * time.Second
	}
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		transport: transport,
		limiter:   limiter,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		policy:    crawler.NewExponentialRetryPolicy(cfg.MaxRetries, cfg.BackoffInitial, cfg.BackoffMax),
		cfg:       cfg,
		logger:    logger,
		sleep:     sleepContext,
	}, nil
}

// Fetch retrieves url, retrying retryable failures with jittered exponential
// backoff. At most MaxRetries+1 attempts are made. A cancelled parent context
// stops the cycle immediately.
func (f *Fetcher) Fetch(ctx context.Context, url string) (crawler.Page, error) {
	task := crawler.CrawlTask{URL: url}
	for {
		task.Attempt++
		page, err := f.attempt(ctx, url)
		if err == nil {
			page.Attempts = task.Attempt
			metrics.ObserveFetch(url, "success", len(page.Body))
			return page, nil
		}
		task.LastErr = err

		if ctx.Err() != nil {
			return crawler.Page{}, f.giveUp(task, false, ctx.Err())
		}
		if !f.policy.ShouldRetry(err, task.Attempt) {
			return crawler.Page{}, f.giveUp(task, crawler.Retryable(err), err)
		}

		delay := f.policy.Backoff(task.Attempt)
		if ra := retryAfter(err); ra > delay {
			delay = min(ra, f.cfg.MaxRetryAfter)
		}
		f.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", task.Attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		metrics.ObserveRetry(url)
		if serr := f.sleep(ctx, delay); serr != nil {
			return crawler.Page{}, f.giveUp(task, false, serr)
		}
	}
}

// PeakInFlight returns the highest number of concurrent attempts observed.
func (f *Fetcher) PeakInFlight() int64 {
	return f.peak.Load()
}

func (f *Fetcher) attempt(ctx context.Context, url string) (crawler.Page, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, url); err != nil {
			return crawler.Page{}, err
		}
	}
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return crawler.Page{}, fmt.Errorf("acquire fetch slot: %w", err)
	}
	defer f.sem.Release(1)
	f.enter()
	defer f.leave()

	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.AttemptTimeout)
	defer cancel()

	page, err := f.transport.Get(attemptCtx, url)
	if err != nil {
		return crawler.Page{}, err
	}
	if page.StatusCode < http.StatusOK || page.StatusCode >= http.StatusMultipleChoices {
		return crawler.Page{}, &crawler.StatusError{
			StatusCode: page.StatusCode,
			RetryAfter: parseRetryAfter(page.Headers.Get("Retry-After"), time.Now()),
		}
	}
	return page, nil
}

func (f *Fetcher) giveUp(task crawler.CrawlTask, retryable bool, err error) error {
	outcome := "terminal_failure"
	if retryable {
		outcome = "retries_exhausted"
	}
	metrics.ObserveFetch(task.URL, outcome, 0)
	return &crawler.FetchError{
		URL:        task.URL,
		StatusCode: crawler.StatusCodeOf(task.LastErr),
		Attempts:   task.Attempt,
		Retryable:  retryable,
		Err:        err,
	}
}

func (f *Fetcher) enter() {
	n := f.inFlight.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	metrics.SetInflightFetches(n)
}

func (f *Fetcher) leave() {
	metrics.SetInflightFetches(f.inFlight.Add(-1))
}

func retryAfter(err error) time.Duration {
	var statusErr *crawler.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	return 0
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
