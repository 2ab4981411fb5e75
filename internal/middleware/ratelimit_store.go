package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/inkboard/inkboard/internal/cache"
)

// RateStore coordinates rate limiting counters for a specific key.
type RateStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int, ttl time.Duration, err error)
}

// MemoryRateStore provides process-local rate limiting. It is concurrency-safe.
type MemoryRateStore struct {
	mu    sync.Mutex
	data  map[string]*memoryCounter
	clock func() time.Time
	ops   int
}

type memoryCounter struct {
	count     int
	windowEnd time.Time
}

// MemoryRateStoreOption customises a MemoryRateStore.
type MemoryRateStoreOption func(*MemoryRateStore)

// WithRateClock overrides the time source.
func WithRateClock(clock func() time.Time) MemoryRateStoreOption {
	return func(s *MemoryRateStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewMemoryRateStore constructs an in-memory rate store.
func NewMemoryRateStore(opts ...MemoryRateStoreOption) *MemoryRateStore {
	store := &MemoryRateStore{
		data:  make(map[string]*memoryCounter),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Increment counts a hit for key within a fixed window.
func (s *MemoryRateStore) Increment(_ context.Context, key string, window time.Duration) (int, time.Duration, error) {
	if window <= 0 {
		window = time.Minute
	}

	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Sweep expired counters every 1024 operations to bound memory.
	s.ops++
	if s.ops%1024 == 0 {
		for k, counter := range s.data {
			if !now.Before(counter.windowEnd) {
				delete(s.data, k)
			}
		}
	}

	counter, ok := s.data[key]
	if !ok || !now.Before(counter.windowEnd) {
		counter = &memoryCounter{windowEnd: now.Add(window)}
		s.data[key] = counter
	}
	counter.count++

	return counter.count, counter.windowEnd.Sub(now), nil
}

type storeRateStore struct {
	store cache.Store
}

// NewStoreRateStore builds a RateStore on top of a shared cache store so limits
// hold across instances.
func NewStoreRateStore(store cache.Store) RateStore {
	if store == nil {
		return nil
	}
	return &storeRateStore{store: store}
}

func (s *storeRateStore) Increment(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	if window <= 0 {
		window = time.Minute
	}
	count, ttl, err := s.store.IncrementWithTTL(ctx, key, window)
	return int(count), ttl, err
}
