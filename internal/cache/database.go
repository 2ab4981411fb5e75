package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/inkboard/inkboard/internal/models"
)

var errStoreNotInitialised = errors.New("cache: database store not initialised")

// DatabaseStore implements the cache Store interface using the primary SQL database.
type DatabaseStore struct {
	db  *gorm.DB
	now func() time.Time
}

// DatabaseStoreOption customises a DatabaseStore.
type DatabaseStoreOption func(*DatabaseStore)

// WithClock overrides the time source, mainly for tests.
func WithClock(clock func() time.Time) DatabaseStoreOption {
	return func(s *DatabaseStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewDatabaseStore constructs a database-backed Store.
func NewDatabaseStore(db *gorm.DB, opts ...DatabaseStoreOption) *DatabaseStore {
	if db == nil {
		return nil
	}
	store := &DatabaseStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// IncrementWithTTL atomically increments a fixed-window counter for the supplied key.
// The window starts with the first increment and is not extended by later ones.
func (s *DatabaseStore) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if s == nil {
		return 0, 0, errStoreNotInitialised
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if window <= 0 {
		window = time.Minute
	}

	now := s.now().UTC()

	var (
		count  int64
		expiry time.Time
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry models.CacheEntry
		// Acquire row-level lock
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Take(&entry, "key = ?", key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			entry = models.CacheEntry{
				Key:       key,
				Value:     []byte("1"),
				ExpiresAt: now.Add(window),
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				count, expiry = 1, entry.ExpiresAt
				return nil
			}
			// Lost the insert race; fall through to the update path.
			err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Take(&entry, "key = ?", key).Error
		}
		if err != nil {
			return err
		}

		if entry.Expired(now) {
			count = 1
			entry.ExpiresAt = now.Add(window)
		} else {
			current, _ := strconv.ParseInt(string(entry.Value), 10, 64)
			count = current + 1
		}
		entry.Value = []byte(strconv.FormatInt(count, 10))
		expiry = entry.ExpiresAt

		return tx.Model(&models.CacheEntry{}).
			Where("key = ?", key).
			Updates(map[string]interface{}{
				"value":      entry.Value,
				"expires_at": entry.ExpiresAt,
			}).Error
	})
	if err != nil {
		return 0, 0, err
	}

	return count, expiry.Sub(now), nil
}

// Set upserts the value for a given key with expiry.
func (s *DatabaseStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s == nil {
		return errStoreNotInitialised
	}
	if ctx == nil {
		ctx = context.Background()
	}

	expiry := time.Time{}
	if ttl > 0 {
		expiry = s.now().UTC().Add(ttl)
	}

	entry := models.CacheEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: expiry,
	}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
		}).Create(&entry).Error
}

// Get retrieves a value by key, respecting expiry.
func (s *DatabaseStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s == nil {
		return nil, false, errStoreNotInitialised
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var entry models.CacheEntry
	err := s.db.WithContext(ctx).Take(&entry, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if !entry.ExpiresAt.IsZero() && entry.Expired(s.now().UTC()) {
		_ = s.Delete(ctx, key)
		return nil, false, nil
	}

	return entry.Value, true, nil
}

// Delete removes keys from the store.
func (s *DatabaseStore) Delete(ctx context.Context, keys ...string) error {
	if s == nil {
		return errStoreNotInitialised
	}
	if len(keys) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	return s.db.WithContext(ctx).Where("key IN ?", keys).Delete(&models.CacheEntry{}).Error
}

// PurgeExpired deletes lapsed entries. Entries without an expiry are kept.
func (s *DatabaseStore) PurgeExpired(ctx context.Context) (int64, error) {
	if s == nil {
		return 0, errStoreNotInitialised
	}
	if ctx == nil {
		ctx = context.Background()
	}

	zero := time.Time{}
	res := s.db.WithContext(ctx).
		Where("expires_at > ? AND expires_at <= ?", zero, s.now().UTC()).
		Delete(&models.CacheEntry{})
	return res.RowsAffected, res.Error
}

// WithDB returns a copy of the store bound to tx.
func (s *DatabaseStore) WithDB(tx *gorm.DB) *DatabaseStore {
	if s == nil || tx == nil {
		return s
	}
	cpy := *s
	cpy.db = tx
	return &cpy
}
