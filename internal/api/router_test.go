package api_test

import (
	"net/http"
	"strings"
	"testing"

	"github.com/inkboard/inkboard/internal/api"
	"github.com/inkboard/inkboard/internal/app"
	"github.com/inkboard/inkboard/internal/handlers/testutil"
)

func TestRouter_PublicAndProtectedRoutes(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for /health, got %d", w.Code)
	}

	for _, path := range []string{"/api/v1/auth/me", "/api/v1/auth/sessions"} {
		w = env.Request(http.MethodGet, path, nil, "")
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %s without token, got %d", path, w.Code)
		}
	}

	w = env.Request(http.MethodPost, "/api/v1/auth/logout-all", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for logout-all without token, got %d", w.Code)
	}

	// Public routes reach their handlers and reject the empty payload.
	for _, path := range []string{
		"/api/v1/auth/signup",
		"/api/v1/auth/login",
		"/api/v1/auth/refresh",
		"/api/v1/auth/logout",
		"/api/v1/auth/verify-email",
		"/api/v1/auth/verify-email/resend",
		"/api/v1/auth/password/forgot",
		"/api/v1/auth/password/reset",
	} {
		w = env.Request(http.MethodPost, path, map[string]string{}, "")
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s with empty payload, got %d", path, w.Code)
		}
	}
}

func TestRouter_NotFoundAndHeaders(t *testing.T) {
	env := testutil.NewEnv(t)

	w := env.Request(http.MethodGet, "/api/v1/unknown", nil, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if code := testutil.ErrorCode(t, w); code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %s", code)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected security headers on every response, got %q", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("expected no-store, got %q", got)
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	env := testutil.NewEnv(t)

	if rec := env.Request(http.MethodGet, "/health", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for /health, got %d", rec.Code)
	}

	metricsRec := env.Request(http.MethodGet, "/metrics", nil, "")
	if metricsRec.Code != http.StatusOK {
		t.Fatalf("expected 200 for /metrics, got %d", metricsRec.Code)
	}

	body := metricsRec.Body.String()
	if !strings.Contains(body, `inkboard_api_latency_seconds_count{method="GET",path="/health",status="200"}`) {
		t.Fatalf("metrics output missing latency series: %s", body)
	}
}

func TestNewRouterRequiresDependencies(t *testing.T) {
	env := testutil.NewEnv(t)

	if _, err := api.NewRouter(nil, env.JWT, nil, &app.Config{}, nil); err == nil {
		t.Fatal("expected error without database")
	}
	if _, err := api.NewRouter(env.DB, nil, nil, &app.Config{}, nil); err == nil {
		t.Fatal("expected error without jwt service")
	}
	if _, err := api.NewRouter(env.DB, env.JWT, nil, &app.Config{}, nil); err == nil {
		t.Fatal("expected error without auth service")
	}
}
