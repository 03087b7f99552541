package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/queue/memory"
)

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]crawler.Page
	errs  map[string]error
	calls []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (crawler.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if err, ok := f.errs[url]; ok {
		return crawler.Page{}, err
	}
	return f.pages[url], nil
}

func (f *fakeFetcher) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeExtractor struct {
	warnings []crawler.FieldWarning
	reject   map[string]bool
}

func (f fakeExtractor) Extract(page crawler.Page) (crawler.Listing, []crawler.FieldWarning, error) {
	if f.reject[page.URL] {
		return crawler.Listing{}, nil, &crawler.ExtractError{URL: page.URL, Reason: "not a detail page"}
	}
	return crawler.Listing{URL: page.URL, ScrapedAt: time.Unix(100, 0)}, f.warnings, nil
}

func runWorker(t *testing.T, w *Worker, q *memory.Queue, urls []string) {
	t.Helper()
	ctx := context.Background()
	for _, u := range urls {
		require.NoError(t, q.Enqueue(ctx, crawler.CrawlTask{URL: u}))
	}
	q.Close()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after queue drained")
	}
}

func TestWorkerClassifiesOutcomes(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{
		pages: map[string]crawler.Page{
			"https://a.example/ok":     {URL: "https://a.example/ok", StatusCode: http.StatusOK, Attempts: 2},
			"https://a.example/search": {URL: "https://a.example/search", StatusCode: http.StatusOK, Attempts: 1},
		},
		errs: map[string]error{
			"https://a.example/gone": &crawler.FetchError{URL: "https://a.example/gone", StatusCode: 404, Attempts: 1},
		},
	}
	extractor := fakeExtractor{
		warnings: []crawler.FieldWarning{{Field: "vin", Reason: "not found"}},
		reject:   map[string]bool{"https://a.example/search": true},
	}
	q := memory.NewQueue(4)
	results := make(chan Result, 4)
	w := New(q, fetcher, extractor, results, nil, zap.NewNop())

	runWorker(t, w, q, []string{"https://a.example/ok", "https://a.example/gone", "https://a.example/search"})
	close(results)

	byURL := map[string]Result{}
	for r := range results {
		byURL[r.URL] = r
	}
	require.Len(t, byURL, 3)

	ok := byURL["https://a.example/ok"]
	require.NoError(t, ok.Err)
	require.Equal(t, 2, ok.Attempts)
	require.Equal(t, "https://a.example/ok", ok.Listing.URL)
	require.Len(t, ok.Warnings, 1)

	gone := byURL["https://a.example/gone"]
	require.Equal(t, crawler.StageFetch, gone.Stage)
	require.Equal(t, 1, gone.Attempts)

	search := byURL["https://a.example/search"]
	require.Equal(t, crawler.StageExtract, search.Stage)
	var extractErr *crawler.ExtractError
	require.True(t, errors.As(search.Err, &extractErr))
}

func TestWorkerSkipsTasksAfterHalt(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	halt := make(chan struct{})
	close(halt)
	q := memory.NewQueue(2)
	results := make(chan Result, 2)
	w := New(q, fetcher, fakeExtractor{}, results, halt, nil)

	runWorker(t, w, q, []string{"https://a.example/1", "https://a.example/2"})
	close(results)

	skipped := 0
	for r := range results {
		require.True(t, r.Skipped)
		skipped++
	}
	require.Equal(t, 2, skipped)
	require.Empty(t, fetcher.called())
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	w := New(q, &fakeFetcher{}, fakeExtractor{}, make(chan Result), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancel")
	}
}
