package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/inkboard/inkboard/internal/app"
	iauth "github.com/inkboard/inkboard/internal/auth"
	"github.com/inkboard/inkboard/internal/handlers"
	"github.com/inkboard/inkboard/internal/middleware"
	"github.com/inkboard/inkboard/internal/services"
)

// NewRouter builds the Gin engine, wires middleware and registers the auth routes.
// A nil rateStore disables rate limiting.
func NewRouter(db *gorm.DB, jwt *iauth.JWTService, authSvc *services.AuthService, cfg *app.Config, rateStore middleware.RateStore) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if jwt == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if authSvc == nil {
		return nil, fmt.Errorf("auth service must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(cfg.Server.CORS.AllowedOrigins))
	r.Use(middleware.RateLimit(rateStore, cfg.Server.RateLimit.Requests, cfg.Server.RateLimit.Window))

	// Health endpoint (public)
	r.GET("/health", handlers.Health(db))

	authHandler := handlers.NewAuthHandler(authSvc)

	// Public auth routes
	auth := r.Group("/api/v1/auth")
	{
		auth.POST("/signup", authHandler.Signup)
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", authHandler.Logout)
		auth.POST("/verify-email", authHandler.VerifyEmail)
		auth.POST("/verify-email/resend", authHandler.ResendVerification)
		auth.POST("/password/forgot", authHandler.ForgotPassword)
		auth.POST("/password/reset", authHandler.ResetPassword)
	}

	// Protected routes
	protected := auth.Group("")
	protected.Use(middleware.RequireAuth(jwt))
	{
		protected.GET("/me", authHandler.Me)
		protected.GET("/sessions", authHandler.Sessions)
		protected.POST("/logout-all", authHandler.LogoutAll)
	}

	// Metrics endpoint
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
