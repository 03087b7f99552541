// Package memory provides an in-process listing store for tests and dry runs.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

// ListingStore keeps listings in a map keyed by URL.
type ListingStore struct {
	mu       sync.RWMutex
	listings map[string]crawler.Listing
	writes   int
}

// NewListingStore constructs a ListingStore.
func NewListingStore() *ListingStore {
	return &ListingStore{listings: make(map[string]crawler.Listing)}
}

// Upsert inserts or replaces the listing stored under its URL. It applies the
// same validation as the Postgres store.
func (s *ListingStore) Upsert(_ context.Context, listing crawler.Listing) error {
	if err := crawler.ValidateListing(listing); err != nil {
		return &crawler.StoreError{URL: listing.URL, Err: err}
	}
	listing.PhotoURLs = slices.Clone(listing.PhotoURLs)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[listing.URL] = listing
	s.writes++
	return nil
}

// UpsertBatch upserts each listing independently.
func (s *ListingStore) UpsertBatch(ctx context.Context, listings []crawler.Listing) []error {
	errs := make([]error, len(listings))
	for i, l := range listings {
		errs[i] = s.Upsert(ctx, l)
	}
	return errs
}

// Ping always succeeds.
func (s *ListingStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *ListingStore) Close() {}

// Get returns the listing stored under url.
func (s *ListingStore) Get(url string) (crawler.Listing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[url]
	return l, ok
}

// List returns every stored listing ordered by URL.
func (s *ListingStore) List() []crawler.Listing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Len reports the number of distinct URLs stored.
func (s *ListingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listings)
}

// Writes reports how many successful upserts were applied.
func (s *ListingStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
