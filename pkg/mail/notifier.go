package mail

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"strings"

	"github.com/inkboard/inkboard/pkg/metrics"
)

//go:embed templates/*.html
var templateFS embed.FS

// Template names understood by the Notifier.
const (
	TemplateOTP           = "send_otp.html"
	TemplatePasswordReset = "reset_password.html"
)

// ErrUnknownTemplate is returned when a notification references a missing template.
var ErrUnknownTemplate = errors.New("mail: unknown template")

// Notification describes a templated message for a single recipient.
type Notification struct {
	To       string
	Subject  string
	Template string
	Data     map[string]any
}

// Notifier renders embedded HTML templates and delivers them through a Mailer.
type Notifier struct {
	mailer    Mailer
	appName   string
	templates *template.Template
}

// NewNotifier parses the embedded templates and binds them to mailer.
func NewNotifier(mailer Mailer, appName string) (*Notifier, error) {
	if mailer == nil {
		return nil, errors.New("mail: notifier requires a mailer")
	}
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("mail: parse templates: %w", err)
	}
	appName = strings.TrimSpace(appName)
	if appName == "" {
		appName = "InkBoard"
	}
	return &Notifier{mailer: mailer, appName: appName, templates: tmpl}, nil
}

// AppName returns the product name injected into every template.
func (n *Notifier) AppName() string {
	return n.appName
}

// Notify renders the notification and sends it. Rendering happens before any
// network activity so template errors never leave a half-sent message.
func (n *Notifier) Notify(ctx context.Context, note Notification) error {
	tmpl := n.templates.Lookup(note.Template)
	if tmpl == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTemplate, note.Template)
	}

	data := make(map[string]any, len(note.Data)+1)
	for k, v := range note.Data {
		data[k] = v
	}
	data["AppName"] = n.appName

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("mail: render %s: %w", note.Template, err)
	}

	err := n.mailer.Send(ctx, Message{
		To:       []string{note.To},
		Subject:  note.Subject,
		HTMLBody: buf.String(),
	})
	if err != nil {
		metrics.MailDeliveries.WithLabelValues("failed").Inc()
		return err
	}
	metrics.MailDeliveries.WithLabelValues("sent").Inc()
	return nil
}
