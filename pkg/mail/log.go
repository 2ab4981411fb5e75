package mail

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/inkboard/inkboard/pkg/logger"
)

// LogMailer writes messages to the application log instead of delivering them.
// It is used when SMTP delivery is disabled.
type LogMailer struct {
	log *zap.Logger
}

// NewLogMailer constructs a LogMailer. A nil logger selects the module logger.
func NewLogMailer(log *zap.Logger) *LogMailer {
	if log == nil {
		log = logger.WithModule("mail")
	}
	return &LogMailer{log: log}
}

// Send logs the message envelope at debug level. Bodies carry one-time codes and
// are never logged above debug.
func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	recipients := uniqueAddresses(msg.To)
	if len(recipients) == 0 {
		return errors.New("mail: at least one recipient is required")
	}

	m.log.Info("mail delivery skipped (smtp disabled)",
		zap.Strings("to", recipients),
		zap.String("subject", msg.Subject),
	)
	m.log.Debug("mail body", zap.String("body", firstNonEmpty(msg.Body, msg.HTMLBody)))
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
