package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/inkboard/inkboard/internal/database/testutil"
	"github.com/inkboard/inkboard/internal/models"
	"github.com/inkboard/inkboard/pkg/mail"
)

type testClock struct {
	mu      sync.Mutex
	current time.Time
}

func newTestClock() *testClock {
	return &testClock{current: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// fakeNotifier records delivered notifications. When block is set it waits for
// the context to end before failing.
type fakeNotifier struct {
	mu    sync.Mutex
	sent  []mail.Notification
	err   error
	block bool
}

func (n *fakeNotifier) Notify(ctx context.Context, note mail.Notification) error {
	if n.block {
		<-ctx.Done()
		return ctx.Err()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, note)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// lastCode returns the most recent code sent to email with template.
func (n *fakeNotifier) lastCode(t *testing.T, email, template string) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.sent) - 1; i >= 0; i-- {
		note := n.sent[i]
		if note.To == email && note.Template == template {
			code, ok := note.Data["Code"].(string)
			require.True(t, ok, "notification carries no code")
			return code
		}
	}
	t.Fatalf("no %s notification sent to %s", template, email)
	return ""
}

func setupOTPService(t *testing.T, opts ...OTPOption) (*gorm.DB, *OTPService, *fakeNotifier, *testClock) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := newTestClock()
	notifier := &fakeNotifier{}

	svc, err := NewOTPService(db, notifier, append([]OTPOption{WithOTPClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return db, svc, notifier, clock
}

func createUser(t *testing.T, db *gorm.DB, username string) *models.User {
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

// wrongCode returns a code of the same length that differs from code.
func wrongCode(code string) string {
	out := []byte(code)
	last := out[len(out)-1]
	if last == '9' {
		out[len(out)-1] = '0'
	} else {
		out[len(out)-1] = last + 1
	}
	return string(out)
}
