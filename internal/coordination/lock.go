// Package coordination provides a Redis lock that keeps crawl and dump jobs
// from overlapping across processes.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultLockTTL is the lease length when none is configured.
const DefaultLockTTL = time.Hour

const (
	connectionTimeout = 5 * time.Second
	releaseTimeout    = 5 * time.Second
)

var (
	// ErrLockNotAcquired is returned when another holder owns the lock.
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when the token no longer owns the lock.
	ErrLockNotHeld = errors.New("lock not held")
	// ErrEmptyAddress is returned when no Redis address is configured.
	ErrEmptyAddress = errors.New("redis address is required")
)

var (
	unlockScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// ClientConfig holds Redis connection settings.
type ClientConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to Redis and verifies the connection.
func NewClient(cfg ClientConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Lock is a single-key Redis lease. Each acquisition gets its own token, so
// only the holder can extend or release it.
type Lock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewLock builds a Lock on key.
func NewLock(client *redis.Client, key string, ttl time.Duration, logger *zap.Logger) *Lock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lock{client: client, key: key, ttl: ttl, logger: logger}
}

// Key returns the lock key.
func (l *Lock) Key() string {
	return l.key
}

// TryLock attempts to take the lock without blocking.
func (l *Lock) TryLock(ctx context.Context) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Unlock releases the lock if token still holds it.
func (l *Lock) Unlock(ctx context.Context, token string) error {
	result, err := unlockScript.Run(ctx, l.client, []string{l.key}, token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Extend resets the lease to ttl if token still holds it.
func (l *Lock) Extend(ctx context.Context, token string, ttl time.Duration) error {
	result, err := extendScript.Run(ctx, l.client, []string{l.key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// IsHeld reports whether token currently holds the lock.
func (l *Lock) IsHeld(ctx context.Context, token string) (bool, error) {
	val, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check lock: %w", err)
	}
	return val == token, nil
}

// Acquire takes the lock and keeps it alive until release is called. It
// returns ErrLockNotAcquired when someone else holds it.
func (l *Lock) Acquire(ctx context.Context) (func(), error) {
	token, ok, err := l.TryLock(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	keepCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.KeepAlive(keepCtx, token, l.ttl/3)
	}()

	release := func() {
		stop()
		<-done
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := l.Unlock(relCtx, token); err != nil {
			l.logger.Warn("release lock", zap.String("key", l.key), zap.Error(err))
		}
	}
	return release, nil
}

// KeepAlive extends the lease every interval until ctx ends or the lock is
// lost.
func (l *Lock) KeepAlive(ctx context.Context, token string, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Extend(ctx, token, l.ttl); err != nil {
				if errors.Is(err, ErrLockNotHeld) {
					l.logger.Warn("lock lost", zap.String("key", l.key))
					return
				}
				l.logger.Warn("extend lock", zap.String("key", l.key), zap.Error(err))
			}
		}
	}
}
