package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/inkboard/inkboard/internal/database/testutil"
	"github.com/inkboard/inkboard/internal/models"
)

func TestRecordStoresDigestOnly(t *testing.T) {
	db, ledger, clock := setupLedger(t)
	user := createTestUser(t, db, "ledger-record")

	record, err := ledger.Record(context.Background(), RecordInput{
		JTI:       "jti-record",
		UserID:    user.ID,
		Token:     "raw-refresh-token",
		ExpiresAt: clock.Now().Add(time.Hour),
		UserAgent: " unit-test ",
		IPAddress: "10.0.0.1",
		Metadata:  map[string]any{"device": "laptop"},
	})
	require.NoError(t, err)

	var reloaded models.RefreshToken
	require.NoError(t, db.Take(&reloaded, "jti = ?", "jti-record").Error)
	require.Equal(t, record.ID, reloaded.ID)
	require.NotEqual(t, "raw-refresh-token", reloaded.TokenHash)
	require.Len(t, reloaded.TokenHash, 64)
	require.Equal(t, "unit-test", reloaded.UserAgent)
	require.Equal(t, "laptop", reloaded.Metadata["device"])
	require.True(t, MatchesToken(&reloaded, "raw-refresh-token"))
	require.False(t, MatchesToken(&reloaded, "other-token"))
}

func TestIsLive(t *testing.T) {
	db, ledger, clock := setupLedger(t)
	user := createTestUser(t, db, "ledger-live")
	ctx := context.Background()

	recordToken(t, ledger, user.ID, "jti-live", clock.Now().Add(time.Minute))

	live, err := ledger.IsLive(ctx, "jti-live")
	require.NoError(t, err)
	require.True(t, live)

	live, err = ledger.IsLive(ctx, "jti-missing")
	require.NoError(t, err)
	require.False(t, live)

	clock.Advance(time.Minute)
	live, err = ledger.IsLive(ctx, "jti-live")
	require.NoError(t, err)
	require.False(t, live, "expiry equal to now is not live")
}

func TestRevokeIsIdempotent(t *testing.T) {
	db, ledger, clock := setupLedger(t)
	user := createTestUser(t, db, "ledger-revoke")
	ctx := context.Background()

	recordToken(t, ledger, user.ID, "jti-revoke", clock.Now().Add(time.Hour))

	revoked, err := ledger.Revoke(ctx, "jti-revoke")
	require.NoError(t, err)
	require.True(t, revoked)

	revoked, err = ledger.Revoke(ctx, "jti-revoke")
	require.NoError(t, err)
	require.False(t, revoked)

	revoked, err = ledger.Revoke(ctx, "jti-unknown")
	require.NoError(t, err)
	require.False(t, revoked)

	record, err := ledger.Lookup(ctx, "jti-revoke")
	require.NoError(t, err)
	require.True(t, record.Revoked)
	require.NotNil(t, record.RevokedAt)

	live, err := ledger.IsLive(ctx, "jti-revoke")
	require.NoError(t, err)
	require.False(t, live)
}

func TestRotateRevokesOldAndRecordsNew(t *testing.T) {
	db, ledger, clock := setupLedger(t)
	user := createTestUser(t, db, "ledger-rotate")
	ctx := context.Background()

	recordToken(t, ledger, user.ID, "jti-old", clock.Now().Add(time.Hour))

	next, err := ledger.Rotate(ctx, "jti-old", user.ID, RecordInput{
		JTI:       "jti-new",
		Token:     "token-new",
		ExpiresAt: clock.Now().Add(2 * time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, user.ID, next.UserID)
	require.Equal(t, "jti-old", next.Metadata["rotated_from"])

	live, err := ledger.IsLive(ctx, "jti-old")
	require.NoError(t, err)
	require.False(t, live)

	live, err = ledger.IsLive(ctx, "jti-new")
	require.NoError(t, err)
	require.True(t, live)

	_, err = ledger.Rotate(ctx, "jti-old", user.ID, RecordInput{
		JTI:       "jti-replay",
		Token:     "token-replay",
		ExpiresAt: clock.Now().Add(2 * time.Hour),
	})
	require.ErrorIs(t, err, ErrTokenNotLive)

	_, err = ledger.Lookup(ctx, "jti-replay")
	require.ErrorIs(t, err, ErrTokenNotFound, "failed rotation must not insert the new entry")
}

func TestRotateRejectsExpiredAndForeignOwner(t *testing.T) {
	db, ledger, clock := setupLedger(t)
	owner := createTestUser(t, db, "ledger-owner")
	other := createTestUser(t, db, "ledger-other")
	ctx := context.Background()

	recordToken(t, ledger, owner.ID, "jti-owned", clock.Now().Add(time.Hour))
	_, err := ledger.Rotate(ctx, "jti-owned", other.ID, RecordInput{
		JTI: "jti-stolen", Token: "t", ExpiresAt: clock.Now().Add(time.Hour),
	})
	require.ErrorIs(t, err, ErrTokenNotLive)

	recordToken(t, ledger, owner.ID, "jti-expiring", clock.Now().Add(time.Minute))
	clock.Advance(2 * time.Minute)
	_, err = ledger.Rotate(ctx, "jti-expiring", owner.ID, RecordInput{
		JTI: "jti-late", Token: "t", ExpiresAt: clock.Now().Add(time.Hour),
	})
	require.ErrorIs(t, err, ErrTokenNotLive)
}

func TestRotateConcurrentSingleWinner(t *testing.T) {
	db, ledger, clock := setupLedger(t)
	user := createTestUser(t, db, "ledger-race")

	recordToken(t, ledger, user.ID, "jti-contended", clock.Now().Add(time.Hour))

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		rejected  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.Rotate(context.Background(), "jti-contended", user.ID, RecordInput{
				JTI:       "jti-next-" + string(rune('a'+i)),
				Token:     "token",
				ExpiresAt: clock.Now().Add(time.Hour),
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if errors.Is(err, ErrTokenNotLive) {
				rejected++
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	require.Equal(t, workers-1, rejected)

	var live int64
	require.NoError(t, db.Model(&models.RefreshToken{}).
		Where("user_id = ? AND revoked = ?", user.ID, false).
		Count(&live).Error)
	require.Equal(t, int64(1), live)
}

func TestRevokeAllForUserAndActiveSessions(t *testing.T) {
	db, ledger, clock := setupLedger(t)
	user := createTestUser(t, db, "ledger-all")
	other := createTestUser(t, db, "ledger-bystander")
	ctx := context.Background()

	recordToken(t, ledger, user.ID, "jti-a", clock.Now().Add(time.Hour))
	recordToken(t, ledger, user.ID, "jti-b", clock.Now().Add(time.Hour))
	recordToken(t, ledger, other.ID, "jti-c", clock.Now().Add(time.Hour))

	active, err := ledger.ActiveForUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, active, 2)

	count, err := ledger.RevokeAllForUser(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	active, err = ledger.ActiveForUser(ctx, user.ID)
	require.NoError(t, err)
	require.Empty(t, active)

	live, err := ledger.CountLive(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), live)
}

func TestPurgeExpired(t *testing.T) {
	db, ledger, clock := setupLedger(t)
	user := createTestUser(t, db, "ledger-purge")
	ctx := context.Background()

	recordToken(t, ledger, user.ID, "jti-old", clock.Now().Add(time.Minute))
	recordToken(t, ledger, user.ID, "jti-fresh", clock.Now().Add(48*time.Hour))

	clock.Advance(24 * time.Hour)
	removed, err := ledger.PurgeExpired(ctx, clock.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	live, err := ledger.IsLive(ctx, "jti-old")
	require.NoError(t, err)
	require.False(t, live)

	live, err = ledger.IsLive(ctx, "jti-fresh")
	require.NoError(t, err)
	require.True(t, live)
}

func TestLedgerWithDBParticipatesInTransaction(t *testing.T) {
	db, ledger, clock := setupLedger(t)
	user := createTestUser(t, db, "ledger-tx")

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := ledger.WithDB(tx).Record(context.Background(), RecordInput{
			JTI: "jti-tx", UserID: user.ID, Token: "t", ExpiresAt: clock.Now().Add(time.Hour),
		})
		require.NoError(t, err)
		return gorm.ErrInvalidTransaction
	})
	require.Error(t, err)

	_, err = ledger.Lookup(context.Background(), "jti-tx")
	require.ErrorIs(t, err, ErrTokenNotFound)
}

func setupLedger(t *testing.T) (*gorm.DB, *Ledger, *testClock) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := &testClock{current: time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)}

	ledger, err := NewLedger(db, WithLedgerClock(clock.Now))
	require.NoError(t, err)
	return db, ledger, clock
}

func recordToken(t *testing.T, ledger *Ledger, userID, jti string, expiresAt time.Time) {
	t.Helper()
	_, err := ledger.Record(context.Background(), RecordInput{
		JTI:       jti,
		UserID:    userID,
		Token:     "token-" + jti,
		ExpiresAt: expiresAt,
	})
	require.NoError(t, err)
}

func createTestUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()

	user := &models.User{
		Username: username,
		Email:    username + "@example.com",
		Password: "not-a-real-hash",
		Role:     models.RoleUser,
		IsActive: true,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

type testClock struct {
	current time.Time
}

func (c *testClock) Now() time.Time {
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}
