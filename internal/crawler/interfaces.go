package crawler

import (
	"context"
	"time"
)

// Transport performs exactly one GET for a URL. Non-2xx responses are
// returned as pages; only transport-level problems are errors.
type Transport interface {
	Get(ctx context.Context, url string) (Page, error)
}

// Fetcher fetches a URL under the global concurrency bound, retrying
// retryable failures.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Extractor turns a fetched detail page into a Listing.
type Extractor interface {
	Extract(page Page) (Listing, []FieldWarning, error)
}

// Store persists listings keyed by URL.
type Store interface {
	Upsert(ctx context.Context, listing Listing) error
	// UpsertBatch returns one error slot per input listing.
	UpsertBatch(ctx context.Context, listings []Listing) []error
}

// Queue provides enqueue/dequeue semantics for crawl tasks.
type Queue interface {
	Enqueue(ctx context.Context, task CrawlTask) error
	Dequeue(ctx context.Context) (CrawlTask, error)
	Close()
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
