package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(5, 100*time.Millisecond, time.Second)
	for attempt := 1; attempt <= 8; attempt++ {
		want := 100 * time.Millisecond << (attempt - 1)
		if want > time.Second {
			want = time.Second
		}
		for i := 0; i < 20; i++ {
			got := p.Backoff(attempt)
			require.GreaterOrEqual(t, got, want/2, "attempt %d", attempt)
			require.LessOrEqual(t, got, want, "attempt %d", attempt)
		}
	}
}

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(2, time.Millisecond, time.Millisecond)
	require.Equal(t, 3, p.MaxAttempts())

	cases := []struct {
		name     string
		err      error
		attempts int
		want     bool
	}{
		{"server error", &StatusError{StatusCode: http.StatusBadGateway}, 1, true},
		{"too many requests", &StatusError{StatusCode: http.StatusTooManyRequests}, 2, true},
		{"budget spent", &StatusError{StatusCode: http.StatusServiceUnavailable}, 3, false},
		{"not found", &StatusError{StatusCode: http.StatusNotFound}, 1, false},
		{"forbidden", &StatusError{StatusCode: http.StatusForbidden}, 1, false},
		{"timeout", fmt.Errorf("attempt: %w", context.DeadlineExceeded), 1, true},
		{"canceled", context.Canceled, 1, false},
		{"permanent", fmt.Errorf("%w: bad url", ErrPermanent), 1, false},
		{"connection", errors.New("dial tcp: connection refused"), 1, true},
		{"nil", nil, 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, p.ShouldRetry(tc.err, tc.attempts))
		})
	}
}

func TestNewExponentialRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(-1, 0, 0)
	require.Equal(t, 1, p.MaxAttempts())
	require.Equal(t, DefaultBackoffInitial, p.baseDelay)
	require.Equal(t, DefaultBackoffMax, p.maxDelay)
}

func TestStatusCodeOf(t *testing.T) {
	t.Parallel()

	err := &FetchError{URL: "https://example.com", Err: &StatusError{StatusCode: http.StatusGone}}
	require.Equal(t, http.StatusGone, StatusCodeOf(err))
	require.Zero(t, StatusCodeOf(errors.New("boom")))
}
