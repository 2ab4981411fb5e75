package maintenance

import (
	"context"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	iauth "github.com/inkboard/inkboard/internal/auth"
	"github.com/inkboard/inkboard/internal/cache"
	dbtestutil "github.com/inkboard/inkboard/internal/database/testutil"
	"github.com/inkboard/inkboard/internal/models"
	"github.com/inkboard/inkboard/pkg/metrics"
)

func TestExpireCodes(t *testing.T) {
	db := dbtestutil.MustOpenTestDB(t, dbtestutil.WithAutoMigrate())
	now := time.Date(2024, 2, 10, 15, 0, 0, 0, time.UTC)
	user := seedUser(t, db, "expire-codes")

	consumedAt := now.Add(-2 * time.Hour)
	used := seedCode(t, db, user.ID, now.Add(-time.Hour), &consumedAt)
	stale := seedCode(t, db, user.ID, now.Add(-time.Minute), nil)
	pending := seedCode(t, db, user.ID, now.Add(time.Hour), nil)

	retired, err := ExpireCodes(context.Background(), db, now, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), retired)

	var remaining int64
	require.NoError(t, db.Model(&models.OTPCode{}).Count(&remaining).Error)
	require.Equal(t, int64(3), remaining)

	reloaded := reloadCode(t, db, used.ID)
	require.True(t, reloaded.Consumed)
	require.NotNil(t, reloaded.ConsumedAt)
	require.True(t, reloaded.ConsumedAt.Equal(consumedAt))

	reloaded = reloadCode(t, db, stale.ID)
	require.True(t, reloaded.Consumed)
	require.NotNil(t, reloaded.ConsumedAt)
	require.True(t, reloaded.ConsumedAt.Equal(now))

	reloaded = reloadCode(t, db, pending.ID)
	require.False(t, reloaded.Consumed)
	require.Nil(t, reloaded.ConsumedAt)

	retired, err = ExpireCodes(context.Background(), db, now, now)
	require.NoError(t, err)
	require.Zero(t, retired)

	_, err = ExpireCodes(context.Background(), nil, now, now)
	require.Error(t, err)
}

func TestCleanerRunOnce(t *testing.T) {
	db := dbtestutil.MustOpenTestDB(t, dbtestutil.WithAutoMigrate())
	clock := &fixedClock{current: time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	store := cache.NewDatabaseStore(db, cache.WithClock(clock.Now))
	require.NoError(t, store.Set(ctx, "stale", []byte("1"), time.Minute))
	require.NoError(t, store.Set(ctx, "fresh", []byte("1"), time.Hour))
	clock.Advance(2 * time.Minute)

	ledger, err := iauth.NewLedger(db, iauth.WithLedgerClock(clock.Now))
	require.NoError(t, err)

	user := seedUser(t, db, "cleanup-user")
	seedToken(t, ledger, user.ID, "jti-ancient", clock.Now().Add(-48*time.Hour))
	seedToken(t, ledger, user.ID, "jti-recent", clock.Now().Add(-time.Hour))
	seedToken(t, ledger, user.ID, "jti-live", clock.Now().Add(time.Hour))

	ancient := seedCode(t, db, user.ID, clock.Now().Add(-48*time.Hour), nil)
	recent := seedCode(t, db, user.ID, clock.Now().Add(-time.Hour), nil)

	c := NewCleaner(db, ledger, store,
		WithNow(clock.Now),
		WithLedgerRetention(24*time.Hour),
		WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
	)

	require.NoError(t, c.RunOnce(ctx))

	_, err = ledger.Lookup(ctx, "jti-ancient")
	require.ErrorIs(t, err, iauth.ErrTokenNotFound)
	_, err = ledger.Lookup(ctx, "jti-recent")
	require.NoError(t, err)
	live, err := ledger.IsLive(ctx, "jti-live")
	require.NoError(t, err)
	require.True(t, live)

	var gauge dto.Metric
	require.NoError(t, metrics.ActiveSessions.Write(&gauge))
	require.Equal(t, float64(1), gauge.GetGauge().GetValue())

	var codes int64
	require.NoError(t, db.Model(&models.OTPCode{}).Count(&codes).Error)
	require.Equal(t, int64(2), codes)
	require.True(t, reloadCode(t, db, ancient.ID).Consumed)
	require.False(t, reloadCode(t, db, recent.ID).Consumed)

	var entries int64
	require.NoError(t, db.Model(&models.CacheEntry{}).Count(&entries).Error)
	require.Equal(t, int64(1), entries)
	_, ok, err := store.Get(ctx, "fresh")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCleanerStartStop(t *testing.T) {
	db := dbtestutil.MustOpenTestDB(t, dbtestutil.WithAutoMigrate())
	ledger, err := iauth.NewLedger(db)
	require.NoError(t, err)

	c := NewCleaner(db, ledger, cache.NewDatabaseStore(db),
		WithLedgerSchedule("@every 1h"),
		WithCacheSchedule("@every 1h"),
	)
	require.NoError(t, c.Start())
	require.Len(t, c.cron.Entries(), 2)
	<-c.Stop().Done()

	bad := NewCleaner(db, ledger, nil, WithLedgerSchedule("not a schedule"))
	require.Error(t, bad.Start())

	idle := NewCleaner(nil, nil, nil)
	require.NoError(t, idle.Start())
	require.Empty(t, idle.cron.Entries())
	require.NoError(t, idle.RunOnce(context.Background()))
}

func seedUser(t *testing.T, db *gorm.DB, username string) *models.User {
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

func seedToken(t *testing.T, ledger *iauth.Ledger, userID, jti string, expiresAt time.Time) {
	t.Helper()

	_, err := ledger.Record(context.Background(), iauth.RecordInput{
		JTI:       jti,
		UserID:    userID,
		Token:     "material-" + jti,
		ExpiresAt: expiresAt,
	})
	require.NoError(t, err)
}

func seedCode(t *testing.T, db *gorm.DB, userID string, expiresAt time.Time, consumedAt *time.Time) *models.OTPCode {
	t.Helper()

	code := &models.OTPCode{
		UserID:     userID,
		Purpose:    models.OTPPurposeEmailVerification,
		CodeHash:   "digest",
		ExpiresAt:  expiresAt,
		Consumed:   consumedAt != nil,
		ConsumedAt: consumedAt,
	}
	require.NoError(t, db.Create(code).Error)
	return code
}

func reloadCode(t *testing.T, db *gorm.DB, id string) models.OTPCode {
	t.Helper()

	var code models.OTPCode
	require.NoError(t, db.Take(&code, "id = ?", id).Error)
	return code
}

type fixedClock struct {
	current time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.current
}

func (c *fixedClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}
