package crawler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Default backoff bounds used when a policy is built with zero values.
const (
	DefaultBackoffInitial = 500 * time.Millisecond
	DefaultBackoffMax     = 10 * time.Second
)

// ExponentialRetryPolicy decides whether and when a failed attempt is retried.
type ExponentialRetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewExponentialRetryPolicy builds a policy allowing maxRetries attempts
// after the first one.
func NewExponentialRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBackoffInitial
	}
	if maxDelay < baseDelay {
		maxDelay = max(baseDelay, DefaultBackoffMax)
	}
	return &ExponentialRetryPolicy{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// MaxAttempts is the total attempt budget: the first try plus retries.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxRetries + 1
}

// ShouldRetry reports whether another attempt is allowed after attempts
// tries ended with err.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempts int) bool {
	if attempts >= p.MaxAttempts() {
		return false
	}
	return Retryable(err)
}

// Backoff returns the wait before the next attempt, given how many attempts
// have been made. Half the delay is fixed and half is random jitter.
func (p *ExponentialRetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempts-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ExponentialRetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
