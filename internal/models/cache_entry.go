package models

import (
	"time"
)

// CacheEntry is a keyed value with an expiry, used for request-frequency counters.
type CacheEntry struct {
	Key       string    `gorm:"primaryKey;size:256"`
	Value     []byte    `gorm:"type:blob"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the entry has lapsed at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}
