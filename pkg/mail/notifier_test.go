package mail

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingMailer struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

func (m *recordingMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages = append(m.messages, msg)
	return nil
}

func TestNotifierRendersOTPTemplate(t *testing.T) {
	rec := &recordingMailer{}
	notifier, err := NewNotifier(rec, "")
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	err = notifier.Notify(context.Background(), Notification{
		To:       "writer@example.com",
		Subject:  "Your code",
		Template: TemplateOTP,
		Data: map[string]any{
			"Code":             "482913",
			"ExpiresInMinutes": 10,
			"Username":         "<script>",
		},
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	if len(rec.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(rec.messages))
	}
	body := rec.messages[0].HTMLBody
	if !strings.Contains(body, "482913") {
		t.Fatalf("expected code in body, got %q", body)
	}
	if !strings.Contains(body, "InkBoard") {
		t.Fatalf("expected default app name in body, got %q", body)
	}
	if strings.Contains(body, "<script>") {
		t.Fatal("expected template data to be escaped")
	}
	if rec.messages[0].To[0] != "writer@example.com" {
		t.Fatalf("unexpected recipient %v", rec.messages[0].To)
	}
}

func TestNotifierUnknownTemplate(t *testing.T) {
	notifier, err := NewNotifier(&recordingMailer{}, "InkBoard")
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	err = notifier.Notify(context.Background(), Notification{To: "a@example.com", Template: "missing.html"})
	if !errors.Is(err, ErrUnknownTemplate) {
		t.Fatalf("expected ErrUnknownTemplate, got %v", err)
	}
}

func TestNotifierPropagatesMailerError(t *testing.T) {
	boom := errors.New("relay down")
	notifier, err := NewNotifier(&recordingMailer{err: boom}, "InkBoard")
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	err = notifier.Notify(context.Background(), Notification{
		To:       "a@example.com",
		Template: TemplatePasswordReset,
		Data:     map[string]any{"Code": "1234"},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mailer error, got %v", err)
	}
}

func TestLogMailerRequiresRecipient(t *testing.T) {
	mailer := NewLogMailer(nil)
	if err := mailer.Send(context.Background(), Message{}); err == nil {
		t.Fatal("expected missing recipient error")
	}
	if err := mailer.Send(context.Background(), Message{To: []string{"a@example.com"}, Body: "hi"}); err != nil {
		t.Fatalf("expected log mailer to succeed, got %v", err)
	}
}

func TestThrottledMailerHonoursDeadline(t *testing.T) {
	rec := &recordingMailer{}
	mailer := NewThrottledMailer(rec, 0.5)

	if err := mailer.Send(context.Background(), Message{To: []string{"a@example.com"}}); err != nil {
		t.Fatalf("first send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := mailer.Send(ctx, Message{To: []string{"b@example.com"}}); err == nil {
		t.Fatal("expected second send to fail waiting for a slot")
	}

	if len(rec.messages) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(rec.messages))
	}
}

func TestThrottledMailerDisabled(t *testing.T) {
	rec := &recordingMailer{}
	if mailer := NewThrottledMailer(rec, 0); mailer != Mailer(rec) {
		t.Fatal("expected non-positive rate to return the wrapped mailer")
	}
}
