package services

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/inkboard/inkboard/internal/cache"
	"github.com/inkboard/inkboard/internal/models"
	"github.com/inkboard/inkboard/pkg/crypto"
	"github.com/inkboard/inkboard/pkg/logger"
	"github.com/inkboard/inkboard/pkg/mail"
	"github.com/inkboard/inkboard/pkg/metrics"
	"github.com/inkboard/inkboard/pkg/validator"
)

const (
	defaultOTPLength          = 6
	minOTPLength              = 4
	maxOTPLength              = 8
	defaultOTPValidity        = 10 * time.Minute
	defaultOTPMaxAttempts     = 3
	defaultOTPSendLimit       = 5
	defaultOTPSendWindow      = 15 * time.Minute
	defaultOTPDeliveryTimeout = 10 * time.Second
)

var (
	// ErrOTPThrottled indicates too many codes were requested for a user and purpose.
	ErrOTPThrottled = errors.New("otp: too many codes requested")
	// ErrOTPDelivery indicates the code was stored but could not be handed to the mailer.
	ErrOTPDelivery = errors.New("otp: delivery failed")
	// ErrOTPPurpose indicates an unknown purpose.
	ErrOTPPurpose = errors.New("otp: unknown purpose")
)

// VerifyOutcome describes the result of a verification attempt.
type VerifyOutcome string

const (
	OutcomeMatched   VerifyOutcome = "matched"
	OutcomeMismatch  VerifyOutcome = "mismatch"
	OutcomeExhausted VerifyOutcome = "exhausted"
	OutcomeNotFound  VerifyOutcome = "not_found"
)

// Notifier delivers templated messages.
type Notifier interface {
	Notify(ctx context.Context, note mail.Notification) error
}

// MXLookupFunc resolves mail exchangers for a domain.
type MXLookupFunc func(ctx context.Context, domain string) ([]*net.MX, error)

// OTPOption customises the OTPService.
type OTPOption func(*OTPService)

// WithOTPClock injects a custom time source.
func WithOTPClock(clock func() time.Time) OTPOption {
	return func(s *OTPService) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithOTPLength sets the number of digits; values outside 4-8 are ignored.
func WithOTPLength(length int) OTPOption {
	return func(s *OTPService) {
		if length >= minOTPLength && length <= maxOTPLength {
			s.length = length
		}
	}
}

// WithOTPValidity overrides the code lifetime.
func WithOTPValidity(d time.Duration) OTPOption {
	return func(s *OTPService) {
		if d > 0 {
			s.validity = d
		}
	}
}

// WithOTPMaxAttempts overrides the verification attempt ceiling.
func WithOTPMaxAttempts(n int) OTPOption {
	return func(s *OTPService) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithOTPThrottle limits code requests per user and purpose within window.
func WithOTPThrottle(store cache.Store, limit int, window time.Duration) OTPOption {
	return func(s *OTPService) {
		s.throttle = store
		if limit > 0 {
			s.sendLimit = limit
		}
		if window > 0 {
			s.sendWindow = window
		}
	}
}

// WithOTPDeliveryTimeout bounds the time spent handing a code to the mailer.
func WithOTPDeliveryTimeout(d time.Duration) OTPOption {
	return func(s *OTPService) {
		if d > 0 {
			s.deliveryTimeout = d
		}
	}
}

// WithOTPDeliverabilityCheck enables an MX lookup on the recipient domain. A nil
// lookup uses the system resolver, falling back to A/AAAA records when a domain
// publishes no MX. A custom lookup replaces the resolver entirely.
func WithOTPDeliverabilityCheck(lookup MXLookupFunc) OTPOption {
	return func(s *OTPService) {
		s.checkDeliverability = true
		if lookup != nil {
			s.lookupMX = lookup
			s.lookupHost = nil
		}
	}
}

// OTPService issues, delivers and verifies single-use numeric codes.
type OTPService struct {
	db                  *gorm.DB
	notifier            Notifier
	throttle            cache.Store
	length              int
	validity            time.Duration
	maxAttempts         int
	sendLimit           int
	sendWindow          time.Duration
	deliveryTimeout     time.Duration
	checkDeliverability bool
	lookupMX            MXLookupFunc
	lookupHost          func(ctx context.Context, host string) ([]string, error)
	now                 func() time.Time
	log                 *zap.Logger
}

// NewOTPService constructs an OTP service.
func NewOTPService(db *gorm.DB, notifier Notifier, opts ...OTPOption) (*OTPService, error) {
	if db == nil {
		return nil, errors.New("otp service: db is required")
	}
	if notifier == nil {
		return nil, errors.New("otp service: notifier is required")
	}

	svc := &OTPService{
		db:              db,
		notifier:        notifier,
		length:          defaultOTPLength,
		validity:        defaultOTPValidity,
		maxAttempts:     defaultOTPMaxAttempts,
		sendLimit:       defaultOTPSendLimit,
		sendWindow:      defaultOTPSendWindow,
		deliveryTimeout: defaultOTPDeliveryTimeout,
		lookupMX:        net.DefaultResolver.LookupMX,
		lookupHost:      net.DefaultResolver.LookupHost,
		now:             time.Now,
		log:             logger.WithModule("otp"),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// WithDB returns a copy of the service bound to tx. A database-backed throttle
// is rebound as well so its counter shares the transaction.
func (s *OTPService) WithDB(tx *gorm.DB) *OTPService {
	if tx == nil {
		return s
	}
	cpy := *s
	cpy.db = tx
	if store, ok := s.throttle.(*cache.DatabaseStore); ok && store != nil {
		cpy.throttle = store.WithDB(tx)
	}
	return &cpy
}

// Validity reports the code lifetime.
func (s *OTPService) Validity() time.Duration {
	return s.validity
}

// MaxAttempts reports the verification attempt ceiling.
func (s *OTPService) MaxAttempts() int {
	return s.maxAttempts
}

// Generate returns a numeric code of the given length derived with HOTP from a
// fresh random secret and counter.
func (s *OTPService) Generate(length int) (string, error) {
	if length < minOTPLength || length > maxOTPLength {
		return "", fmt.Errorf("otp: length must be between %d and %d", minOTPLength, maxOTPLength)
	}

	seed := make([]byte, 28)
	if _, err := rand.Read(seed); err != nil {
		return "", fmt.Errorf("otp: read random: %w", err)
	}
	secret := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(seed[:20])
	counter := binary.BigEndian.Uint64(seed[20:])

	code, err := hotp.GenerateCodeCustom(secret, counter, hotp.ValidateOpts{
		Digits:    otp.Digits(length),
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("otp: derive code: %w", err)
	}
	return code, nil
}

// CheckEmail reports whether email is well formed and, when enabled, has a mail
// exchanger or host record.
func (s *OTPService) CheckEmail(ctx context.Context, email string) bool {
	email = NormaliseEmail(email)
	if !validator.ValidateEmail(email) {
		return false
	}
	if !s.checkDeliverability {
		return true
	}

	domain := email[strings.LastIndex(email, "@")+1:]
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	records, err := s.lookupMX(lookupCtx, domain)
	if err == nil && len(records) > 0 {
		return true
	}
	if s.lookupHost != nil {
		if hosts, hostErr := s.lookupHost(lookupCtx, domain); hostErr == nil && len(hosts) > 0 {
			return true
		}
	}
	s.log.Debug("email domain not deliverable", zap.String("domain", domain), zap.Error(err))
	return false
}

// StoreAndSend generates a code for userID and purpose, persists its digest and
// hands it to the notifier. It returns false without error when the address fails
// validation.
func (s *OTPService) StoreAndSend(ctx context.Context, userID, email, purpose string) (bool, error) {
	if !models.ValidOTPPurpose(purpose) {
		return false, ErrOTPPurpose
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, errors.New("otp service: user id is required")
	}
	email = NormaliseEmail(email)
	if !s.CheckEmail(ctx, email) {
		return false, nil
	}

	if s.throttle != nil {
		key := fmt.Sprintf("otp:send:%s:%s", purpose, userID)
		count, _, err := s.throttle.IncrementWithTTL(ctx, key, s.sendWindow)
		if err != nil {
			return false, fmt.Errorf("otp service: throttle: %w", err)
		}
		if count > int64(s.sendLimit) {
			return false, ErrOTPThrottled
		}
	}

	code, err := s.Generate(s.length)
	if err != nil {
		return false, err
	}

	record := models.OTPCode{
		UserID:    userID,
		Purpose:   purpose,
		CodeHash:  crypto.HashToken(code),
		ExpiresAt: s.now().UTC().Add(s.validity),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return false, fmt.Errorf("otp service: store code: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.deliveryTimeout)
	defer cancel()

	err = s.notifier.Notify(sendCtx, mail.Notification{
		To:       email,
		Subject:  otpSubject(purpose),
		Template: otpTemplate(purpose),
		Data: map[string]any{
			"Code":             code,
			"ExpiresInMinutes": int(s.validity.Minutes()),
		},
	})
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrOTPDelivery, err)
	}

	metrics.OTPIssued.WithLabelValues(purpose).Inc()
	return true, nil
}

// Verify checks code against the newest live record for userID and purpose.
func (s *OTPService) Verify(ctx context.Context, userID, code, purpose string) (bool, error) {
	outcome, err := s.VerifyOutcome(ctx, userID, code, purpose)
	if err != nil {
		return false, err
	}
	return outcome == OutcomeMatched, nil
}

// VerifyOutcome checks code and reports the detailed outcome. The attempt counter
// is incremented and persisted before the comparison; a record is consumed on
// a match or when a mismatch reaches the attempt ceiling.
func (s *OTPService) VerifyOutcome(ctx context.Context, userID, code, purpose string) (VerifyOutcome, error) {
	if !models.ValidOTPPurpose(purpose) {
		return OutcomeNotFound, ErrOTPPurpose
	}

	outcome, err := s.verify(ctx, userID, strings.TrimSpace(code), purpose)
	if err != nil {
		return OutcomeNotFound, err
	}
	metrics.OTPVerifications.WithLabelValues(purpose, string(outcome)).Inc()
	return outcome, nil
}

func (s *OTPService) verify(ctx context.Context, userID, code, purpose string) (VerifyOutcome, error) {
	db := s.db.WithContext(ctx)
	now := s.now().UTC()

	var record models.OTPCode
	err := db.Where("user_id = ? AND purpose = ? AND consumed = ? AND expires_at > ?", userID, purpose, false, now).
		Order("created_at DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return OutcomeNotFound, nil
	}
	if err != nil {
		return OutcomeNotFound, fmt.Errorf("otp service: find code: %w", err)
	}

	inc := db.Model(&models.OTPCode{}).
		Where("id = ? AND consumed = ? AND attempts < ?", record.ID, false, s.maxAttempts).
		UpdateColumn("attempts", gorm.Expr("attempts + ?", 1))
	if inc.Error != nil {
		return OutcomeNotFound, fmt.Errorf("otp service: count attempt: %w", inc.Error)
	}
	if inc.RowsAffected == 0 {
		// Consumed or exhausted by a concurrent caller.
		return OutcomeNotFound, nil
	}

	var current models.OTPCode
	if err := db.Select("attempts").Take(&current, "id = ?", record.ID).Error; err != nil {
		return OutcomeNotFound, fmt.Errorf("otp service: reload attempts: %w", err)
	}

	if code != "" && crypto.EqualHashes(record.CodeHash, crypto.HashToken(code)) {
		consumed, err := s.consume(db, record.ID, now)
		if err != nil {
			return OutcomeNotFound, err
		}
		if !consumed {
			return OutcomeNotFound, nil
		}
		return OutcomeMatched, nil
	}

	if current.Attempts >= s.maxAttempts {
		if _, err := s.consume(db, record.ID, now); err != nil {
			return OutcomeNotFound, err
		}
		return OutcomeExhausted, nil
	}
	return OutcomeMismatch, nil
}

func (s *OTPService) consume(db *gorm.DB, id string, now time.Time) (bool, error) {
	result := db.Model(&models.OTPCode{}).
		Where("id = ? AND consumed = ?", id, false).
		UpdateColumns(map[string]any{
			"consumed":    true,
			"consumed_at": now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("otp service: consume code: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func otpSubject(purpose string) string {
	if purpose == models.OTPPurposePasswordReset {
		return "Reset your password"
	}
	return "Your verification code"
}

func otpTemplate(purpose string) string {
	if purpose == models.OTPPurposePasswordReset {
		return mail.TemplatePasswordReset
	}
	return mail.TemplateOTP
}
