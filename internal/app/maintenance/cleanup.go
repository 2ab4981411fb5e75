package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	iauth "github.com/inkboard/inkboard/internal/auth"
	"github.com/inkboard/inkboard/internal/cache"
	"github.com/inkboard/inkboard/internal/models"
	"github.com/inkboard/inkboard/pkg/logger"
	"github.com/inkboard/inkboard/pkg/metrics"
)

const (
	defaultLedgerRetention = 30 * 24 * time.Hour
	defaultLedgerSpec      = "@hourly"
	defaultCacheSpec       = "@hourly"
)

// Cleaner coordinates background maintenance: purging refresh tokens past
// retention, retiring stale one-time codes, refreshing the active session
// gauge and dropping lapsed cache entries. One-time code rows are kept for
// audit and never deleted.
type Cleaner struct {
	db        *gorm.DB
	ledger    *iauth.Ledger
	cache     cache.Purger
	cron      *cron.Cron
	now       func() time.Time
	log       *zap.Logger
	retention time.Duration

	ledgerSchedule string
	cacheSchedule  string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithLedgerRetention adjusts how long expired tokens are kept and how long
// an expired code stays unconsumed before it is retired.
func WithLedgerRetention(d time.Duration) Option {
	return func(cleaner *Cleaner) {
		if d >= 0 {
			cleaner.retention = d
		}
	}
}

// WithLedgerSchedule overrides the cron expression for ledger cleanup.
func WithLedgerSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.ledgerSchedule = spec
		}
	}
}

// WithCacheSchedule overrides the cron expression for cache cleanup.
func WithCacheSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.cacheSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. Any nil dependency
// results in the corresponding cleanup job being skipped.
func NewCleaner(db *gorm.DB, ledger *iauth.Ledger, purger cache.Purger, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:             db,
		ledger:         ledger,
		cache:          purger,
		now:            time.Now,
		retention:      defaultLedgerRetention,
		ledgerSchedule: defaultLedgerSpec,
		cacheSchedule:  defaultCacheSpec,
		log:            logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

// Start registers cleanup jobs with the cron scheduler and launches it if at least one job is enabled.
func (c *Cleaner) Start() error {
	enabled := false

	if c.ledger != nil || c.db != nil {
		if _, err := c.cron.AddFunc(c.ledgerSchedule, func() {
			if err := c.runLedger(context.Background()); err != nil {
				c.log.Warn("ledger cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("maintenance: schedule ledger cleanup: %w", err)
		}
		enabled = true
	}

	if c.cache != nil {
		if _, err := c.cron.AddFunc(c.cacheSchedule, func() {
			if _, err := c.cache.PurgeExpired(context.Background()); err != nil {
				c.log.Warn("cache cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("maintenance: schedule cache cleanup: %w", err)
		}
		enabled = true
	}

	if enabled {
		c.cron.Start()
	}
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured cleanup routines sequentially.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	errs := c.runLedger(ctx)

	if c.cache != nil {
		if _, err := c.cache.PurgeExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

func (c *Cleaner) runLedger(ctx context.Context) error {
	now := c.now().UTC()
	cutoff := now.Add(-c.retention)

	var errs error

	if c.ledger != nil {
		purged, err := c.ledger.PurgeExpired(ctx, cutoff)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else if purged > 0 {
			c.log.Info("purged refresh tokens", zap.Int64("count", purged))
		}

		live, err := c.ledger.CountLive(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else {
			metrics.ActiveSessions.Set(float64(live))
		}
	}

	if c.db != nil {
		retired, err := ExpireCodes(ctx, c.db, cutoff, now)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else if retired > 0 {
			c.log.Info("retired one-time codes", zap.Int64("count", retired))
		}
	}

	return errs
}

// ExpireCodes marks unconsumed one-time codes that expired before the cut-off
// as consumed at now. Rows are retained.
func ExpireCodes(ctx context.Context, db *gorm.DB, before, now time.Time) (int64, error) {
	if db == nil {
		return 0, errors.New("expire codes: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result := db.WithContext(ctx).
		Model(&models.OTPCode{}).
		Where("expires_at < ? AND consumed = ?", before.UTC(), false).
		Updates(map[string]any{
			"consumed":    true,
			"consumed_at": now.UTC(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("expire codes: %w", result.Error)
	}
	return result.RowsAffected, nil
}
