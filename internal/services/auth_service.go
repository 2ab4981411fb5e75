package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/inkboard/inkboard/internal/auth"
	"github.com/inkboard/inkboard/internal/models"
	"github.com/inkboard/inkboard/pkg/crypto"
	apperrors "github.com/inkboard/inkboard/pkg/errors"
	"github.com/inkboard/inkboard/pkg/logger"
	"github.com/inkboard/inkboard/pkg/metrics"
)

const (
	// TokenTypeBearer is reported to clients alongside issued tokens.
	TokenTypeBearer = "bearer"
	// StatusPendingVerification is returned by signup.
	StatusPendingVerification = "pending_verification"

	minPasswordLength = 6
	maxPasswordLength = 64
)

// ClientInfo carries advisory request metadata recorded with a session.
type ClientInfo struct {
	UserAgent string
	IPAddress string
}

// TokenPair is the token bundle returned to clients.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// LoginResult is returned by Login.
type LoginResult struct {
	User   models.PublicUser `json:"user"`
	Tokens TokenPair         `json:"tokens"`
}

// SignupInput holds the fields accepted at signup.
type SignupInput struct {
	Email    string
	Username string
	Password string
}

// SignupResult reports a pending, unverified account. No tokens are issued at signup.
type SignupResult struct {
	User    models.PublicUser `json:"user"`
	Status  string            `json:"status"`
	Message string            `json:"message"`
}

// ResetPasswordInput holds the fields accepted by ResetPassword.
type ResetPasswordInput struct {
	Email       string
	Code        string
	NewPassword string
}

// SessionView is the client-safe view of a live refresh token.
type SessionView struct {
	JTI       string    `json:"jti"`
	UserAgent string    `json:"user_agent"`
	IPAddress string    `json:"ip_address"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthConfig holds policy switches for the orchestrator.
type AuthConfig struct {
	// RequireVerified rejects logins from accounts that have not confirmed their email.
	RequireVerified bool
	Clock           func() time.Time
}

// AuthDependencies groups the collaborators of AuthService.
type AuthDependencies struct {
	Users  *UserStore
	Hasher *crypto.PasswordHasher
	Tokens *auth.JWTService
	Ledger *auth.Ledger
	OTP    *OTPService
}

// AuthService orchestrates signup, login, token refresh and the OTP driven flows.
type AuthService struct {
	db     *gorm.DB
	users  *UserStore
	hasher *crypto.PasswordHasher
	tokens *auth.JWTService
	ledger *auth.Ledger
	otp    *OTPService
	cfg    AuthConfig
	now    func() time.Time
	log    *zap.Logger
}

// NewAuthService constructs the orchestrator.
func NewAuthService(db *gorm.DB, deps AuthDependencies, cfg AuthConfig) (*AuthService, error) {
	switch {
	case db == nil:
		return nil, errors.New("auth service: db is required")
	case deps.Users == nil:
		return nil, errors.New("auth service: user store is required")
	case deps.Hasher == nil:
		return nil, errors.New("auth service: password hasher is required")
	case deps.Tokens == nil:
		return nil, errors.New("auth service: token service is required")
	case deps.Ledger == nil:
		return nil, errors.New("auth service: ledger is required")
	case deps.OTP == nil:
		return nil, errors.New("auth service: otp service is required")
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &AuthService{
		db:     db,
		users:  deps.Users,
		hasher: deps.Hasher,
		tokens: deps.Tokens,
		ledger: deps.Ledger,
		otp:    deps.OTP,
		cfg:    cfg,
		now:    now,
		log:    logger.WithModule("auth"),
	}, nil
}

// Signup registers an unverified account and sends an email verification code.
// The account and its code are created in one transaction; if the code cannot be
// stored or delivered nothing is persisted.
func (s *AuthService) Signup(ctx context.Context, in SignupInput) (*SignupResult, error) {
	email := NormaliseEmail(in.Email)
	username := NormaliseUsername(in.Username)
	if email == "" || username == "" {
		return nil, apperrors.NewBadRequest("Email and username are required")
	}
	if err := checkPassword(in.Password); err != nil {
		return nil, err
	}

	taken, err := s.users.IdentityTaken(ctx, email, username)
	if err != nil {
		return nil, s.internal("signup: check identity", err)
	}
	if taken {
		return nil, apperrors.ErrDuplicateIdentity
	}

	if !s.otp.CheckEmail(ctx, email) {
		return nil, apperrors.ErrInvalidEmail
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, s.internal("signup: hash password", err)
	}

	var created *models.User
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user := &models.User{
			Email:    email,
			Username: username,
			Password: hash,
			Role:     models.RoleUser,
			IsActive: true,
		}
		if err := s.users.WithDB(tx).Create(ctx, user); err != nil {
			if errors.Is(err, ErrRecordConflict) {
				return apperrors.ErrDuplicateIdentity
			}
			return err
		}

		sent, err := s.otp.WithDB(tx).StoreAndSend(ctx, user.ID, user.Email, models.OTPPurposeEmailVerification)
		if err != nil {
			return err
		}
		if !sent {
			return apperrors.ErrInvalidEmail
		}
		created = user
		return nil
	})
	if err != nil {
		return nil, s.mapOTPError("signup", err)
	}

	s.log.Info("user signed up", zap.String("user_id", created.ID))
	return &SignupResult{
		User:    created.Public(),
		Status:  StatusPendingVerification,
		Message: "Signup successful, please verify your email",
	}, nil
}

// Login checks credentials and issues a token pair. Unknown accounts, wrong
// passwords and deactivated accounts are indistinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, email, password string, client ClientInfo) (*LoginResult, error) {
	user, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, ErrRecordNotFound) {
		s.hasher.VerifyDummy(password)
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrInvalidCredentials
	}
	if err != nil {
		return nil, s.internal("login: find user", err)
	}

	if !s.hasher.Verify(password, user.Password) || !user.IsActive {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrInvalidCredentials
	}
	if s.cfg.RequireVerified && !user.IsVerified {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrEmailNotVerified
	}

	pair, err := s.issue(ctx, user, client, "")
	if err != nil {
		return nil, s.internal("login: issue tokens", err)
	}

	now := s.now().UTC()
	if err := s.users.TouchLastLogin(ctx, user.ID, now); err != nil {
		s.log.Warn("failed to record last login", zap.String("user_id", user.ID), zap.Error(err))
	} else {
		user.LastLoginAt = &now
	}

	metrics.AuthAttempts.WithLabelValues("success").Inc()
	return &LoginResult{User: user.Public(), Tokens: pair}, nil
}

// Refresh exchanges a live refresh token for a new pair, revoking the presented
// one. Every failure is reported as ErrInvalidOrExpiredToken and the presented
// jti is revoked whenever it can be attributed to an authentic token.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string, client ClientInfo) (*TokenPair, error) {
	claims, err := s.tokens.DecodeRefresh(refreshToken)
	if err != nil {
		s.revokeResolvable(ctx, refreshToken)
		return nil, apperrors.ErrInvalidOrExpiredToken
	}

	reject := func(reason string) (*TokenPair, error) {
		if _, err := s.ledger.Revoke(ctx, claims.ID); err != nil {
			s.log.Warn("failed to revoke rejected refresh token", zap.String("jti", claims.ID), zap.Error(err))
		}
		s.log.Debug("refresh rejected", zap.String("jti", claims.ID), zap.String("reason", reason))
		return nil, apperrors.ErrInvalidOrExpiredToken
	}

	record, err := s.ledger.Lookup(ctx, claims.ID)
	if errors.Is(err, auth.ErrTokenNotFound) {
		return reject("unknown jti")
	}
	if err != nil {
		return nil, s.internal("refresh: lookup token", err)
	}
	if record.UserID != claims.Subject || !auth.MatchesToken(record, refreshToken) {
		return reject("token does not match ledger")
	}
	if !record.IsLive(s.now().UTC()) {
		return reject("token not live")
	}

	user, err := s.users.FindByID(ctx, claims.Subject)
	if errors.Is(err, ErrRecordNotFound) {
		return reject("user missing")
	}
	if err != nil {
		return nil, s.internal("refresh: find user", err)
	}
	if !user.IsActive {
		return reject("user inactive")
	}

	pair, err := s.issue(ctx, user, client, claims.ID)
	if errors.Is(err, auth.ErrTokenNotLive) {
		return reject("lost rotation race")
	}
	if err != nil {
		return nil, s.internal("refresh: rotate", err)
	}
	return &pair, nil
}

// Logout revokes the presented refresh token. Revoking an already revoked or
// expired token succeeds.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	jti, _, err := s.tokens.ResolveRefreshJTI(refreshToken)
	if err != nil {
		return apperrors.ErrInvalidOrExpiredToken
	}
	if _, err := s.ledger.Revoke(ctx, jti); err != nil {
		return s.internal("logout: revoke", err)
	}
	return nil
}

// LogoutAll revokes every session of the identity.
func (s *AuthService) LogoutAll(ctx context.Context, identity auth.Identity) (int64, error) {
	count, err := s.ledger.RevokeAllForUser(ctx, identity.Subject)
	if err != nil {
		return 0, s.internal("logout all: revoke", err)
	}
	return count, nil
}

// VerifyEmail confirms the account's email with a code. Re-verifying a verified
// account succeeds without consulting the code.
func (s *AuthService) VerifyEmail(ctx context.Context, email, code string) (*models.PublicUser, error) {
	user, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, apperrors.ErrInvalidOrExpiredOTP
	}
	if err != nil {
		return nil, s.internal("verify email: find user", err)
	}
	if user.IsVerified {
		view := user.Public()
		return &view, nil
	}

	if err := s.checkOutcome(ctx, user.ID, code, models.OTPPurposeEmailVerification); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.users.MarkVerified(ctx, user.ID, now); err != nil {
		return nil, s.internal("verify email: mark verified", err)
	}
	user.IsVerified = true
	user.VerifiedAt = &now

	s.log.Info("email verified", zap.String("user_id", user.ID))
	view := user.Public()
	return &view, nil
}

// ResendVerification issues a fresh email verification code. Unknown or already
// verified accounts receive the same acknowledgement.
func (s *AuthService) ResendVerification(ctx context.Context, email string) error {
	user, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return s.internal("resend verification: find user", err)
	}
	if user.IsVerified || !user.IsActive {
		return nil
	}
	return s.sendQuietly(ctx, user, models.OTPPurposeEmailVerification)
}

// ForgotPassword sends a password reset code to an active account. Unknown
// accounts receive the same acknowledgement.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	user, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return s.internal("forgot password: find user", err)
	}
	if !user.IsActive {
		return nil
	}
	return s.sendQuietly(ctx, user, models.OTPPurposePasswordReset)
}

// ResetPassword replaces the password after a reset code is verified and revokes
// every session of the account.
func (s *AuthService) ResetPassword(ctx context.Context, in ResetPasswordInput) error {
	if err := checkPassword(in.NewPassword); err != nil {
		return err
	}

	user, err := s.users.FindByEmail(ctx, in.Email)
	if errors.Is(err, ErrRecordNotFound) {
		return apperrors.ErrInvalidOrExpiredOTP
	}
	if err != nil {
		return s.internal("reset password: find user", err)
	}

	if err := s.checkOutcome(ctx, user.ID, in.Code, models.OTPPurposePasswordReset); err != nil {
		return err
	}

	hash, err := s.hasher.Hash(in.NewPassword)
	if err != nil {
		return s.internal("reset password: hash", err)
	}

	var revoked int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.users.WithDB(tx).UpdatePassword(ctx, user.ID, hash); err != nil {
			return err
		}
		count, err := s.ledger.WithDB(tx).RevokeAllForUser(ctx, user.ID)
		revoked = count
		return err
	})
	if err != nil {
		return s.internal("reset password: update", err)
	}

	s.log.Info("password reset", zap.String("user_id", user.ID), zap.Int64("sessions_revoked", revoked))
	return nil
}

// Me returns the public profile of the identity.
func (s *AuthService) Me(ctx context.Context, identity auth.Identity) (*models.PublicUser, error) {
	user, err := s.users.FindByID(ctx, identity.Subject)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, s.internal("me: find user", err)
	}
	view := user.Public()
	return &view, nil
}

// Sessions lists the live sessions of the identity.
func (s *AuthService) Sessions(ctx context.Context, identity auth.Identity) ([]SessionView, error) {
	records, err := s.ledger.ActiveForUser(ctx, identity.Subject)
	if err != nil {
		return nil, s.internal("sessions: list", err)
	}
	views := make([]SessionView, 0, len(records))
	for _, record := range records {
		views = append(views, SessionView{
			JTI:       record.JTI,
			UserAgent: record.UserAgent,
			IPAddress: record.IPAddress,
			CreatedAt: record.CreatedAt,
			ExpiresAt: record.ExpiresAt,
		})
	}
	return views, nil
}

// issue mints an access/refresh pair for user and records the refresh token. When
// rotateFrom is set the previous jti is revoked in the same transaction.
func (s *AuthService) issue(ctx context.Context, user *models.User, client ClientInfo, rotateFrom string) (TokenPair, error) {
	identity := auth.Identity{
		Subject:  user.ID,
		Email:    user.Email,
		Username: user.Username,
		Role:     user.Role,
	}

	access, _, err := s.tokens.IssueAccess(identity)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.tokens.IssueRefresh(identity)
	if err != nil {
		return TokenPair{}, err
	}

	input := auth.RecordInput{
		JTI:       refresh.JTI,
		UserID:    user.ID,
		Token:     refresh.Token,
		ExpiresAt: refresh.ExpiresAt,
		UserAgent: client.UserAgent,
		IPAddress: client.IPAddress,
	}
	if rotateFrom == "" {
		_, err = s.ledger.Record(ctx, input)
	} else {
		_, err = s.ledger.Rotate(ctx, rotateFrom, user.ID, input)
	}
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh.Token,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(s.tokens.AccessTTL().Seconds()),
	}, nil
}

func (s *AuthService) revokeResolvable(ctx context.Context, token string) {
	jti, _, err := s.tokens.ResolveRefreshJTI(token)
	if err != nil {
		return
	}
	if _, err := s.ledger.Revoke(ctx, jti); err != nil {
		s.log.Warn("failed to revoke rejected refresh token", zap.String("jti", jti), zap.Error(err))
	}
}

func (s *AuthService) checkOutcome(ctx context.Context, userID, code, purpose string) error {
	outcome, err := s.otp.VerifyOutcome(ctx, userID, code, purpose)
	if err != nil {
		return s.internal("verify code", err)
	}
	switch outcome {
	case OutcomeMatched:
		return nil
	case OutcomeExhausted:
		return apperrors.ErrRateLimit
	default:
		return apperrors.ErrInvalidOrExpiredOTP
	}
}

// sendQuietly issues a code in its own transaction. Failures are logged but not
// surfaced so the response does not reveal whether the account exists.
func (s *AuthService) sendQuietly(ctx context.Context, user *models.User, purpose string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.otp.WithDB(tx).StoreAndSend(ctx, user.ID, user.Email, purpose)
		return err
	})
	if err != nil {
		s.log.Warn("failed to issue code",
			zap.String("user_id", user.ID),
			zap.String("purpose", purpose),
			zap.Error(err),
		)
	}
	return nil
}

func (s *AuthService) mapOTPError(op string, err error) error {
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, ErrOTPThrottled):
		return apperrors.ErrRateLimit
	case errors.Is(err, ErrOTPDelivery), errors.Is(err, context.DeadlineExceeded):
		s.log.Warn(op+": code delivery failed", zap.Error(err))
		return apperrors.ErrDeliveryFailure.WithInternal(err)
	default:
		return s.internal(op, err)
	}
}

func (s *AuthService) internal(op string, err error) error {
	s.log.Error(op, zap.Error(err))
	return apperrors.ErrInternalServer.WithInternal(err)
}

func checkPassword(password string) error {
	n := len([]rune(password))
	if n < minPasswordLength || n > maxPasswordLength {
		return apperrors.NewBadRequest("Password must be between 6 and 64 characters")
	}
	if len(password) > crypto.MaxPasswordBytes {
		return apperrors.NewBadRequest("Password must not exceed 72 bytes")
	}
	if strings.TrimSpace(password) == "" {
		return apperrors.NewBadRequest("Password must not be blank")
	}
	return nil
}
