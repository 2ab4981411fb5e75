package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/inkboard/inkboard/internal/api"
	"github.com/inkboard/inkboard/internal/app"
	iauth "github.com/inkboard/inkboard/internal/auth"
	"github.com/inkboard/inkboard/internal/cache"
	sharedtestutil "github.com/inkboard/inkboard/internal/database/testutil"
	"github.com/inkboard/inkboard/internal/middleware"
	"github.com/inkboard/inkboard/internal/services"
	"github.com/inkboard/inkboard/pkg/crypto"
	"github.com/inkboard/inkboard/pkg/mail"
	"github.com/inkboard/inkboard/pkg/response"
)

// Env encapsulates a fully-wired API instance backed by an in-memory database for handler tests.
type Env struct {
	T      *testing.T
	DB     *gorm.DB
	Router *gin.Engine
	JWT    *iauth.JWTService
	Ledger *iauth.Ledger
	Mailer *CaptureMailer
	Config *app.Config
}

// EnvOption adjusts the configuration before the router is built.
type EnvOption func(*app.Config)

// WithRateLimit enables the request limiter.
func WithRateLimit(requests int, window time.Duration) EnvOption {
	return func(cfg *app.Config) {
		cfg.Server.RateLimit.Requests = requests
		cfg.Server.RateLimit.Window = window
	}
}

// WithRequireVerified refuses logins from unverified accounts.
func WithRequireVerified() EnvOption {
	return func(cfg *app.Config) {
		cfg.Auth.Login.RequireVerified = true
	}
}

// NewEnv provisions a fresh handler test environment with migrations applied.
func NewEnv(t *testing.T, opts ...EnvOption) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := sharedtestutil.MustOpenTestDB(t, sharedtestutil.WithAutoMigrate())

	cfg := &app.Config{
		Auth: app.AuthConfig{
			JWT: app.JWTSettings{
				Secret: "test-suite-super-secret-key-32-bytes!!",
				Issuer: "test-suite",
				TTL:    15 * time.Minute,
			},
			Session: app.SessionSettings{RefreshTTL: 24 * time.Hour},
		},
		OTP: app.OTPConfig{
			Length:          6,
			Validity:        10 * time.Minute,
			MaxAttempts:     3,
			SendLimit:       5,
			SendWindow:      15 * time.Minute,
			DeliveryTimeout: 5 * time.Second,
		},
		Email: app.EmailConfig{AppName: "InkBoard Test"},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	require.NoError(t, err)
	ledger, err := iauth.NewLedger(db)
	require.NoError(t, err)
	users, err := services.NewUserStore(db)
	require.NoError(t, err)

	mailer := &CaptureMailer{}
	notifier, err := mail.NewNotifier(mailer, cfg.Email.AppName)
	require.NoError(t, err)

	store := cache.NewDatabaseStore(db)
	otpSvc, err := services.NewOTPService(db, notifier, cfg.OTP.ServiceOptions(store)...)
	require.NoError(t, err)

	authSvc, err := services.NewAuthService(db, services.AuthDependencies{
		Users:  users,
		Hasher: crypto.NewPasswordHasher(4),
		Tokens: jwtSvc,
		Ledger: ledger,
		OTP:    otpSvc,
	}, cfg.Auth.ServiceConfig())
	require.NoError(t, err)

	router, err := api.NewRouter(db, jwtSvc, authSvc, cfg, middleware.NewMemoryRateStore())
	require.NoError(t, err)

	return &Env{
		T:      t,
		DB:     db,
		Router: router,
		JWT:    jwtSvc,
		Ledger: ledger,
		Mailer: mailer,
		Config: cfg,
	}
}

var codePattern = regexp.MustCompile(`font-weight: bold;">(\d{4,8})</p>`)

// CaptureMailer records outbound messages instead of sending them.
type CaptureMailer struct {
	mu       sync.Mutex
	messages []mail.Message
}

// Send implements mail.Mailer.
func (m *CaptureMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

// Count returns how many messages were sent to address.
func (m *CaptureMailer) Count(address string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.messages {
		for _, to := range msg.To {
			if to == address {
				n++
			}
		}
	}
	return n
}

// LastCode extracts the one-time code from the newest message sent to address.
func (m *CaptureMailer) LastCode(t *testing.T, address string) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.messages) - 1; i >= 0; i-- {
		msg := m.messages[i]
		if len(msg.To) == 0 || msg.To[0] != address {
			continue
		}
		match := codePattern.FindStringSubmatch(msg.HTMLBody)
		require.Len(t, match, 2, "message carries no code: %s", msg.HTMLBody)
		return match[1]
	}
	t.Fatalf("no message sent to %s", address)
	return ""
}

// TokenPair mirrors the token payload returned by login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// UserPayload captures the public user fields returned from auth endpoints.
type UserPayload struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	Role       string `json:"role"`
	IsVerified bool   `json:"is_verified"`
}

// LoginResult bundles the JSON response from POST /api/v1/auth/login.
type LoginResult struct {
	User   UserPayload `json:"user"`
	Tokens TokenPair   `json:"tokens"`
}

// SignupResult bundles the JSON response from POST /api/v1/auth/signup.
type SignupResult struct {
	User    UserPayload `json:"user"`
	Status  string      `json:"status"`
	Message string      `json:"message"`
}

// Signup registers an account and returns the pending user.
func (e *Env) Signup(email, username, password string) SignupResult {
	e.T.Helper()

	w := e.Request(http.MethodPost, "/api/v1/auth/signup", map[string]string{
		"email":    email,
		"username": username,
		"password": password,
	}, "")
	require.Equal(e.T, http.StatusCreated, w.Code, w.Body.String())

	var result SignupResult
	DecodeInto(e.T, DecodeResponse(e.T, w).Data, &result)
	return result
}

// CreateVerifiedUser signs up and confirms the emailed code.
func (e *Env) CreateVerifiedUser(email, username, password string) UserPayload {
	e.T.Helper()

	e.Signup(email, username, password)
	w := e.Request(http.MethodPost, "/api/v1/auth/verify-email", map[string]string{
		"email": email,
		"code":  e.Mailer.LastCode(e.T, email),
	}, "")
	require.Equal(e.T, http.StatusOK, w.Code, w.Body.String())

	var payload struct {
		User UserPayload `json:"user"`
	}
	DecodeInto(e.T, DecodeResponse(e.T, w).Data, &payload)
	require.True(e.T, payload.User.IsVerified)
	return payload.User
}

// Login authenticates and returns the issued token pair.
func (e *Env) Login(email, password string) LoginResult {
	e.T.Helper()

	w := e.Request(http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, "")
	require.Equal(e.T, http.StatusOK, w.Code, w.Body.String())

	resp := DecodeResponse(e.T, w)
	require.True(e.T, resp.Success, w.Body.String())

	var result LoginResult
	DecodeInto(e.T, resp.Data, &result)
	require.NotEmpty(e.T, result.Tokens.AccessToken)
	require.NotEmpty(e.T, result.Tokens.RefreshToken)
	require.Greater(e.T, result.Tokens.ExpiresIn, 0)

	return result
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// ErrorCode returns the error code of a failed response.
func ErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	resp := DecodeResponse(t, w)
	require.False(t, resp.Success, w.Body.String())
	require.NotNil(t, resp.Error, w.Body.String())
	return resp.Error.Code
}

// Request executes an HTTP request against the test router, applying JSON encoding and auth headers automatically.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()

	var buf *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.T, err)
		buf = bytes.NewBuffer(data)
	} else {
		buf = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, path, buf)
	require.NoError(e.T, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("User-Agent", "handler-tests")

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}
