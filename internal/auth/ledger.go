package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/inkboard/inkboard/internal/models"
	"github.com/inkboard/inkboard/pkg/crypto"
	"github.com/inkboard/inkboard/pkg/metrics"
)

var (
	// ErrTokenNotLive is returned when a rotation targets a jti that is revoked, expired or unknown.
	ErrTokenNotLive = errors.New("ledger: refresh token is not live")
	// ErrTokenNotFound indicates that no ledger entry matches the jti.
	ErrTokenNotFound = errors.New("ledger: refresh token not found")
)

// RecordInput describes a refresh token to be stored in the ledger.
type RecordInput struct {
	JTI       string
	UserID    string
	Token     string
	ExpiresAt time.Time
	UserAgent string
	IPAddress string
	Metadata  map[string]any
}

// LedgerOption customises a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock overrides the ledger time source.
func WithLedgerClock(clock func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if clock != nil {
			l.now = clock
		}
	}
}

// Ledger is the server-side record of issued refresh tokens. It is the source of
// truth for whether a refresh token may still be exchanged.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// NewLedger constructs a ledger backed by db.
func NewLedger(db *gorm.DB, opts ...LedgerOption) (*Ledger, error) {
	if db == nil {
		return nil, errors.New("ledger: db is required")
	}
	l := &Ledger{db: db, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// WithDB returns a copy of the ledger bound to tx.
func (l *Ledger) WithDB(tx *gorm.DB) *Ledger {
	if tx == nil {
		return l
	}
	cpy := *l
	cpy.db = tx
	return &cpy
}

// Record stores a new ledger entry. Only the digest of the token material is persisted.
func (l *Ledger) Record(ctx context.Context, in RecordInput) (*models.RefreshToken, error) {
	record, err := l.newRecord(in)
	if err != nil {
		return nil, err
	}
	if err := l.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("ledger: record token: %w", err)
	}
	metrics.ActiveSessions.Inc()
	return record, nil
}

// Lookup returns the entry for jti.
func (l *Ledger) Lookup(ctx context.Context, jti string) (*models.RefreshToken, error) {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return nil, ErrTokenNotFound
	}
	var record models.RefreshToken
	err := l.db.WithContext(ctx).Take(&record, "jti = ?", jti).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: lookup token: %w", err)
	}
	return &record, nil
}

// IsLive reports whether jti exists, is unrevoked and expires strictly after now.
func (l *Ledger) IsLive(ctx context.Context, jti string) (bool, error) {
	record, err := l.Lookup(ctx, jti)
	if errors.Is(err, ErrTokenNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return record.IsLive(l.now().UTC()), nil
}

// Revoke marks jti revoked. Revoking an unknown or already revoked jti is a no-op.
// The boolean reports whether a live entry was revoked by this call.
func (l *Ledger) Revoke(ctx context.Context, jti string) (bool, error) {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return false, nil
	}
	now := l.now().UTC()
	result := l.db.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("jti = ? AND revoked = ?", jti, false).
		Updates(map[string]any{
			"revoked":    true,
			"revoked_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("ledger: revoke token: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	}
	return result.RowsAffected > 0, nil
}

// Rotate revokes oldJTI and records next in one transaction. The revoke is a
// compare-and-set on a live row owned by userID; when it affects nothing the
// rotation fails with ErrTokenNotLive and next is not stored. Concurrent
// rotations of the same jti therefore yield exactly one success.
func (l *Ledger) Rotate(ctx context.Context, oldJTI, userID string, next RecordInput) (*models.RefreshToken, error) {
	oldJTI = strings.TrimSpace(oldJTI)
	if oldJTI == "" {
		return nil, ErrTokenNotLive
	}
	if next.UserID == "" {
		next.UserID = userID
	}
	meta := make(map[string]any, len(next.Metadata)+1)
	for k, v := range next.Metadata {
		meta[k] = v
	}
	meta["rotated_from"] = oldJTI
	next.Metadata = meta

	record, err := l.newRecord(next)
	if err != nil {
		return nil, err
	}

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := l.now().UTC()
		result := tx.Model(&models.RefreshToken{}).
			Where("jti = ? AND user_id = ? AND revoked = ? AND expires_at > ?", oldJTI, userID, false, now).
			Updates(map[string]any{
				"revoked":    true,
				"revoked_at": now,
			})
		if result.Error != nil {
			return fmt.Errorf("ledger: revoke rotated token: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrTokenNotLive
		}
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("ledger: record rotated token: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTokenNotLive) {
			metrics.TokenRotations.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}

	metrics.TokenRotations.WithLabelValues("success").Inc()
	return record, nil
}

// RevokeAllForUser revokes every unrevoked entry belonging to userID.
func (l *Ledger) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, errors.New("ledger: user id is required")
	}
	now := l.now().UTC()
	result := l.db.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("user_id = ? AND revoked = ?", userID, false).
		Updates(map[string]any{
			"revoked":    true,
			"revoked_at": now,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("ledger: revoke user tokens: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// ActiveForUser lists the live entries of userID, newest first.
func (l *Ledger) ActiveForUser(ctx context.Context, userID string) ([]models.RefreshToken, error) {
	var records []models.RefreshToken
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND revoked = ? AND expires_at > ?", userID, false, l.now().UTC()).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: list user tokens: %w", err)
	}
	return records, nil
}

// CountLive returns the number of live entries across all users.
func (l *Ledger) CountLive(ctx context.Context) (int64, error) {
	var count int64
	err := l.db.WithContext(ctx).
		Model(&models.RefreshToken{}).
		Where("revoked = ? AND expires_at > ?", false, l.now().UTC()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("ledger: count live tokens: %w", err)
	}
	return count, nil
}

// PurgeExpired deletes entries that expired before the cut-off. A purged jti is
// unknown and therefore never live again.
func (l *Ledger) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	result := l.db.WithContext(ctx).
		Where("expires_at < ?", before.UTC()).
		Delete(&models.RefreshToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("ledger: purge expired tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (l *Ledger) newRecord(in RecordInput) (*models.RefreshToken, error) {
	jti := strings.TrimSpace(in.JTI)
	if jti == "" {
		return nil, errors.New("ledger: jti is required")
	}
	if strings.TrimSpace(in.UserID) == "" {
		return nil, errors.New("ledger: user id is required")
	}
	if in.Token == "" {
		return nil, errors.New("ledger: token material is required")
	}

	var meta datatypes.JSONMap
	if len(in.Metadata) > 0 {
		meta = make(datatypes.JSONMap, len(in.Metadata))
		for k, v := range in.Metadata {
			if k != "" {
				meta[k] = v
			}
		}
	}

	return &models.RefreshToken{
		JTI:       jti,
		UserID:    in.UserID,
		TokenHash: crypto.HashToken(in.Token),
		UserAgent: truncate(strings.TrimSpace(in.UserAgent), 512),
		IPAddress: truncate(strings.TrimSpace(in.IPAddress), 64),
		Metadata:  meta,
		ExpiresAt: in.ExpiresAt.UTC(),
	}, nil
}

// MatchesToken reports whether token is the material recorded for the entry.
func MatchesToken(record *models.RefreshToken, token string) bool {
	if record == nil {
		return false
	}
	return crypto.EqualHashes(record.TokenHash, crypto.HashToken(token))
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
