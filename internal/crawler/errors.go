package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrPermanent marks failures that must never be retried.
	ErrPermanent = errors.New("permanent failure")
	// ErrQueueClosed is returned by Dequeue once a closed queue is drained.
	ErrQueueClosed = errors.New("queue closed")
	// ErrNoListings means a run could not discover a single detail URL.
	ErrNoListings = errors.New("no listing urls discovered")
	// ErrRunInProgress is returned when a run is requested while one is active.
	ErrRunInProgress = errors.New("run already in progress")
)

// StatusError is a completed HTTP exchange with a non-2xx status.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// FetchError is the terminal outcome of a fetch-with-retry cycle.
type FetchError struct {
	URL        string
	StatusCode int
	Attempts   int
	Retryable  bool
	Err        error
}

func (e *FetchError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retries exhausted"
	}
	return fmt.Sprintf("fetch %s (%s after %d attempts): %v", e.URL, kind, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ExtractError rejects a page that does not look like a detail page.
type ExtractError struct {
	URL    string
	Reason string
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract %s: %s", e.URL, e.Reason)
}

// StoreError marks a listing that could not be persisted.
type StoreError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Retryable classifies a single-attempt fetch error. Timeouts, connection
// failures, 5xx and 429 are retryable; other statuses and ErrPermanent are
// not. Cancellation is never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) || errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}
	// Per-attempt timeouts and connection-level failures.
	return true
}

// StatusCodeOf returns the HTTP status carried by err, or 0.
func StatusCodeOf(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
