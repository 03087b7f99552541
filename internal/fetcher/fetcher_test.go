package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

type scriptedTransport struct {
	mu        sync.Mutex
	responses []func(ctx context.Context) (crawler.Page, error)
	calls     int
}

func (s *scriptedTransport) Get(ctx context.Context, url string) (crawler.Page, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	var fn func(context.Context) (crawler.Page, error)
	if idx < len(s.responses) {
		fn = s.responses[idx]
	} else {
		fn = s.responses[len(s.responses)-1]
	}
	s.mu.Unlock()
	page, err := fn(ctx)
	if page.URL == "" {
		page.URL = url
	}
	return page, err
}

func (s *scriptedTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func status(code int) func(context.Context) (crawler.Page, error) {
	return func(context.Context) (crawler.Page, error) {
		return crawler.Page{StatusCode: code, Body: []byte(http.StatusText(code))}, nil
	}
}

func failWith(err error) func(context.Context) (crawler.Page, error) {
	return func(context.Context) (crawler.Page, error) {
		return crawler.Page{}, err
	}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestFetcher(t *testing.T, transport crawler.Transport, cfg Config) (*Fetcher, *sleepRecorder) {
	t.Helper()
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.BackoffInitial == 0 {
		cfg.BackoffInitial = 10 * time.Millisecond
		cfg.BackoffMax = 80 * time.Millisecond
	}
	f, err := New(transport, nil, cfg, zap.NewNop())
	require.NoError(t, err)
	rec := &sleepRecorder{}
	f.sleep = rec.sleep
	return f, rec
}

func TestFetchRetriesExhaustedAfterMaxRetriesPlusOne(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{responses: []func(context.Context) (crawler.Page, error){
		status(http.StatusServiceUnavailable),
	}}
	f, rec := newTestFetcher(t, transport, Config{MaxRetries: 3})

	_, err := f.Fetch(context.Background(), "https://example.com/uk/auto_1.html")

	var fetchErr *crawler.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.True(t, fetchErr.Retryable)
	require.Equal(t, 4, fetchErr.Attempts)
	require.Equal(t, http.StatusServiceUnavailable, fetchErr.StatusCode)
	require.Equal(t, 4, transport.count())
	require.Len(t, rec.delays, 3)
	for i, d := range rec.delays {
		ceiling := min(10*time.Millisecond<<i, 80*time.Millisecond)
		require.GreaterOrEqual(t, d, ceiling/2)
		require.LessOrEqual(t, d, ceiling)
	}
}

func TestFetchNotFoundIsAttemptedOnce(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{responses: []func(context.Context) (crawler.Page, error){
		status(http.StatusNotFound),
	}}
	f, rec := newTestFetcher(t, transport, Config{MaxRetries: 5})

	_, err := f.Fetch(context.Background(), "https://example.com/uk/auto_404.html")

	var fetchErr *crawler.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.False(t, fetchErr.Retryable)
	require.Equal(t, 1, fetchErr.Attempts)
	require.Equal(t, http.StatusNotFound, fetchErr.StatusCode)
	require.Equal(t, 1, transport.count())
	require.Empty(t, rec.delays)
}

func TestFetchRecoversAfterTransientFailures(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{responses: []func(context.Context) (crawler.Page, error){
		failWith(errors.New("dial tcp: connection refused")),
		status(http.StatusTooManyRequests),
		status(http.StatusOK),
	}}
	f, _ := newTestFetcher(t, transport, Config{MaxRetries: 3})

	page, err := f.Fetch(context.Background(), "https://example.com/uk/auto_2.html")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Equal(t, 3, page.Attempts)
}

func TestFetchPerAttemptTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	slow := func(ctx context.Context) (crawler.Page, error) {
		<-ctx.Done()
		return crawler.Page{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	}
	transport := &scriptedTransport{responses: []func(context.Context) (crawler.Page, error){
		slow,
		status(http.StatusOK),
	}}
	f, _ := newTestFetcher(t, transport, Config{MaxRetries: 1, AttemptTimeout: 20 * time.Millisecond})

	page, err := f.Fetch(context.Background(), "https://example.com/uk/auto_3.html")
	require.NoError(t, err)
	require.Equal(t, 2, page.Attempts)
}

func TestFetchPermanentErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{responses: []func(context.Context) (crawler.Page, error){
		failWith(fmt.Errorf("%w: forbidden domain", crawler.ErrPermanent)),
	}}
	f, _ := newTestFetcher(t, transport, Config{MaxRetries: 3})

	_, err := f.Fetch(context.Background(), "https://elsewhere.example/")
	require.ErrorIs(t, err, crawler.ErrPermanent)
	require.Equal(t, 1, transport.count())
}

func TestFetchHonoursRetryAfter(t *testing.T) {
	t.Parallel()

	throttled := func(context.Context) (crawler.Page, error) {
		return crawler.Page{
			StatusCode: http.StatusTooManyRequests,
			Headers:    http.Header{"Retry-After": {"2"}},
		}, nil
	}
	transport := &scriptedTransport{responses: []func(context.Context) (crawler.Page, error){
		throttled,
		status(http.StatusOK),
	}}
	f, rec := newTestFetcher(t, transport, Config{MaxRetries: 2, MaxRetryAfter: time.Second})

	_, err := f.Fetch(context.Background(), "https://example.com/uk/auto_4.html")
	require.NoError(t, err)
	require.Equal(t, []time.Duration{time.Second}, rec.delays)
}

func TestFetchStopsWhenParentCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	transport := &scriptedTransport{responses: []func(context.Context) (crawler.Page, error){
		func(context.Context) (crawler.Page, error) {
			cancel()
			return crawler.Page{StatusCode: http.StatusBadGateway}, nil
		},
	}}
	f, _ := newTestFetcher(t, transport, Config{MaxRetries: 5})

	_, err := f.Fetch(ctx, "https://example.com/uk/auto_5.html")

	var fetchErr *crawler.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, transport.count())
}

func TestFetchNeverExceedsMaxConcurrency(t *testing.T) {
	t.Parallel()

	const limit = 3
	var current, highest atomic.Int64
	block := func(context.Context) (crawler.Page, error) {
		n := current.Add(1)
		for {
			h := highest.Load()
			if n <= h || highest.CompareAndSwap(h, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return crawler.Page{StatusCode: http.StatusOK}, nil
	}
	transport := &scriptedTransport{responses: []func(context.Context) (crawler.Page, error){block}}
	f, _ := newTestFetcher(t, transport, Config{MaxConcurrency: limit})

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.Fetch(context.Background(), fmt.Sprintf("https://example.com/uk/auto_%d.html", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.LessOrEqual(t, highest.Load(), int64(limit))
	require.LessOrEqual(t, f.PeakInFlight(), int64(limit))
	require.Equal(t, int64(limit), f.PeakInFlight())
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	transport := &scriptedTransport{responses: []func(context.Context) (crawler.Page, error){status(http.StatusOK)}}
	_, err := New(nil, nil, Config{MaxConcurrency: 1}, nil)
	require.Error(t, err)
	_, err = New(transport, nil, Config{}, nil)
	require.Error(t, err)
	_, err = New(transport, nil, Config{MaxConcurrency: 1, MaxRetries: -1}, nil)
	require.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	require.Equal(t, 7*time.Second, parseRetryAfter("7", now))
	require.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	require.Zero(t, parseRetryAfter("", now))
	require.Zero(t, parseRetryAfter("-3", now))
	require.Zero(t, parseRetryAfter("soon", now))
}
