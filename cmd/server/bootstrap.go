package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/inkboard/inkboard/internal/api"
	"github.com/inkboard/inkboard/internal/app"
	"github.com/inkboard/inkboard/internal/app/maintenance"
	iauth "github.com/inkboard/inkboard/internal/auth"
	"github.com/inkboard/inkboard/internal/cache"
	"github.com/inkboard/inkboard/internal/database"
	"github.com/inkboard/inkboard/internal/middleware"
	"github.com/inkboard/inkboard/internal/services"
	"github.com/inkboard/inkboard/pkg/crypto"
	"github.com/inkboard/inkboard/pkg/logger"
	"github.com/inkboard/inkboard/pkg/mail"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB        *gorm.DB
	AuthSvc   *services.AuthService
	Cleaner   *maintenance.Cleaner
	RateStore middleware.RateStore
	Router    *gin.Engine
}

// bootstrapRuntime initialises the database, mail delivery, services, and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	dbStore := cache.NewDatabaseStore(stack.DB)

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	ledger, err := iauth.NewLedger(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise refresh token ledger: %w", err)
	}

	users, err := services.NewUserStore(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise user store: %w", err)
	}

	mailer, err := buildMailer(cfg, log)
	if err != nil {
		return nil, err
	}
	notifier, err := mail.NewNotifier(mailer, cfg.Email.AppName)
	if err != nil {
		return nil, fmt.Errorf("initialise notifier: %w", err)
	}

	otpSvc, err := services.NewOTPService(stack.DB, notifier, cfg.OTP.ServiceOptions(dbStore)...)
	if err != nil {
		return nil, fmt.Errorf("initialise otp service: %w", err)
	}

	stack.AuthSvc, err = services.NewAuthService(stack.DB, services.AuthDependencies{
		Users:  users,
		Hasher: crypto.NewPasswordHasher(cfg.Auth.Password.BcryptCost),
		Tokens: jwtSvc,
		Ledger: ledger,
		OTP:    otpSvc,
	}, cfg.Auth.ServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise auth service: %w", err)
	}

	stack.Cleaner = maintenance.NewCleaner(stack.DB, ledger, dbStore,
		maintenance.WithLedgerSchedule(cfg.Maintenance.LedgerSchedule),
		maintenance.WithCacheSchedule(cfg.Maintenance.CacheSchedule),
		maintenance.WithLedgerRetention(cfg.Maintenance.Retention()),
	)
	if err := stack.Cleaner.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	stack.RateStore = selectRateStore(cfg, dbStore)

	stack.Router, err = api.NewRouter(stack.DB, jwtSvc, stack.AuthSvc, cfg, stack.RateStore)
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		<-stopCtx.Done()
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}

	if s.DB != nil {
		if err := database.Close(s.DB); err != nil {
			log.Warn("failed to close database", zap.Error(err))
		}
	}
}

func initialiseDatabase(ctx context.Context, cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.ConnectionConfig()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.Ping(ctx, db); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

// buildMailer returns the SMTP mailer when enabled and a logging mailer otherwise,
// rate limited to email.rate_per_second.
func buildMailer(cfg *app.Config, log *zap.Logger) (mail.Mailer, error) {
	var mailer mail.Mailer
	if cfg.Email.SMTP.Enabled {
		smtp, err := mail.NewSMTPMailer(cfg.Email.SMTPSettings())
		if err != nil {
			return nil, fmt.Errorf("initialise smtp mailer: %w", err)
		}
		mailer = smtp
		log.Info("smtp delivery enabled", zap.String("host", cfg.Email.SMTP.Host), zap.Int("port", cfg.Email.SMTP.Port))
	} else {
		mailer = mail.NewLogMailer(logger.WithModule("mail"))
		log.Warn("smtp disabled; outbound email is written to the log")
	}
	return mail.NewThrottledMailer(mailer, cfg.Email.RatePerSecond), nil
}

func selectRateStore(cfg *app.Config, dbStore cache.Store) middleware.RateStore {
	switch strings.ToLower(strings.TrimSpace(cfg.Server.RateLimit.Store)) {
	case "database":
		return middleware.NewStoreRateStore(dbStore)
	default:
		return middleware.NewMemoryRateStore()
	}
}
