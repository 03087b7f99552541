// Package postgres provides the Postgres-backed listing store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
)

const upsertListingSQL = `
INSERT INTO listings (
	url,
	title,
	price_amount,
	price_currency,
	mileage,
	vin,
	plate_number,
	photo_urls,
	seller_phone,
	seller_name,
	scraped_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (url) DO UPDATE SET
	title = EXCLUDED.title,
	price_amount = EXCLUDED.price_amount,
	price_currency = EXCLUDED.price_currency,
	mileage = EXCLUDED.mileage,
	vin = EXCLUDED.vin,
	plate_number = EXCLUDED.plate_number,
	photo_urls = EXCLUDED.photo_urls,
	seller_phone = EXCLUDED.seller_phone,
	seller_name = EXCLUDED.seller_name,
	scraped_at = EXCLUDED.scraped_at,
	updated_at = now()`

// ListingStoreConfig controls the Postgres connection pool and batch retries.
type ListingStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// MaxAttempts bounds tries per batch for transient failures.
	MaxAttempts int
	Backoff     time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Ping(context.Context) error
	Close()
}

// ListingStore upserts listings into Postgres, one atomic statement per row.
type ListingStore struct {
	pool        pool
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
	sleep       func(context.Context, time.Duration) error
}

// NewListingStore connects a pool using cfg.
func NewListingStore(ctx context.Context, cfg ListingStoreConfig, logger *zap.Logger) (*ListingStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewListingStoreWithPool(p, cfg, logger)
}

// NewListingStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewListingStoreWithPool(p pool, cfg ListingStoreConfig, logger *zap.Logger) (*ListingStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ListingStore{
		pool:        p,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		logger:      logger,
		sleep:       sleepContext,
	}, nil
}

// Close releases the underlying pool resources.
func (s *ListingStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *ListingStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Upsert writes a single listing, retrying transient failures.
func (s *ListingStore) Upsert(ctx context.Context, listing crawler.Listing) error {
	return s.UpsertBatch(ctx, []crawler.Listing{listing})[0]
}

// UpsertBatch writes each listing with its own statement. Rows that fail with
// a transient error are retried together, with backoff, until MaxAttempts.
// Committed rows are never rolled back by a later failure. The returned slice
// is index-aligned with listings.
func (s *ListingStore) UpsertBatch(ctx context.Context, listings []crawler.Listing) []error {
	errs := make([]error, len(listings))
	pending := make([]int, 0, len(listings))
	for i, l := range listings {
		if err := crawler.ValidateListing(l); err != nil {
			errs[i] = &crawler.StoreError{URL: l.URL, Attempts: 0, Err: err}
			continue
		}
		pending = append(pending, i)
	}

	for attempt := 1; len(pending) > 0; attempt++ {
		var retry []int
		for _, i := range pending {
			err := s.exec(ctx, listings[i])
			switch {
			case err == nil:
				errs[i] = nil
			case attempt < s.maxAttempts && isTransient(err) && ctx.Err() == nil:
				errs[i] = err
				retry = append(retry, i)
			default:
				errs[i] = &crawler.StoreError{URL: listings[i].URL, Attempts: attempt, Err: err}
			}
		}
		if len(retry) == 0 {
			break
		}
		delay := s.backoff << (attempt - 1)
		s.logger.Warn("retrying listing upserts",
			zap.Int("rows", len(retry)),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
		)
		if err := s.sleep(ctx, delay); err != nil {
			for _, i := range retry {
				errs[i] = &crawler.StoreError{URL: listings[i].URL, Attempts: attempt, Err: errs[i]}
			}
			break
		}
		pending = retry
	}
	return errs
}

func (s *ListingStore) exec(ctx context.Context, l crawler.Listing) error {
	var amount *float64
	var currency *string
	if l.Price != nil {
		amount, currency = &l.Price.Amount, &l.Price.Currency
	}
	photos := l.PhotoURLs
	if photos == nil {
		photos = []string{}
	}
	_, err := s.pool.Exec(ctx, upsertListingSQL,
		l.URL,
		l.Title,
		amount,
		currency,
		l.Mileage,
		l.VIN,
		l.PlateNumber,
		photos,
		l.SellerPhone,
		l.SellerName,
		l.ScrapedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert listing: %w", err)
	}
	return nil
}

// transientCodes are SQLSTATEs worth retrying: serialization failures,
// deadlocks, too many connections and admin shutdown.
var transientCodes = map[string]struct{}{
	"40001": {},
	"40P01": {},
	"53300": {},
	"57P01": {},
}

func isTransient(err error) bool {
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") {
			return true
		}
		_, ok := transientCodes[pgErr.Code]
		return ok
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("store backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
