package mail

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// ThrottledMailer paces outbound messages through a token bucket before handing
// them to the wrapped Mailer.
type ThrottledMailer struct {
	next    Mailer
	limiter *rate.Limiter
}

// NewThrottledMailer wraps next with a limiter allowing perSecond messages per
// second. A non-positive rate disables pacing and returns next unchanged.
func NewThrottledMailer(next Mailer, perSecond float64) Mailer {
	if next == nil || perSecond <= 0 {
		return next
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &ThrottledMailer{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// Send waits for a delivery slot, honouring the context deadline, then delivers.
func (m *ThrottledMailer) Send(ctx context.Context, msg Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("mail: wait for delivery slot: %w", err)
	}
	return m.next.Send(ctx, msg)
}
