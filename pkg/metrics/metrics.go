package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by result (success|failure).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkboard_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// TokenRotations counts refresh token rotations by result (success|rejected).
	TokenRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkboard_token_rotations_total",
			Help: "Total number of refresh token rotations",
		},
		[]string{"result"},
	)

	// ActiveSessions tracks live refresh tokens known to this process.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inkboard_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// OTPIssued counts one-time codes persisted and handed to the mailer.
	OTPIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkboard_otp_issued_total",
			Help: "Total number of one-time codes issued",
		},
		[]string{"purpose"},
	)

	// OTPVerifications counts verification outcomes (matched|mismatch|exhausted|not_found).
	OTPVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkboard_otp_verifications_total",
			Help: "Total number of one-time code verifications",
		},
		[]string{"purpose", "outcome"},
	)

	// MailDeliveries counts outbound mail by result (sent|failed).
	MailDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inkboard_mail_deliveries_total",
			Help: "Total number of outbound mail deliveries",
		},
		[]string{"result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inkboard_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
