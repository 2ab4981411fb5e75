package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/inkboard/inkboard/internal/database"
)

// EnvPrefix is prepended to every environment override, e.g. INKBOARD_SERVER_PORT.
const EnvPrefix = "INKBOARD"

// Config represents the runtime configuration for the InkBoard auth service.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Auth        AuthConfig        `mapstructure:"auth"`
	OTP         OTPConfig         `mapstructure:"otp"`
	Email       EmailConfig       `mapstructure:"email"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port      int             `mapstructure:"port"`
	LogLevel  string          `mapstructure:"log_level"`
	LogFormat string          `mapstructure:"log_format"`
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RateLimitConfig bounds requests per client and route. Store selects where
// counters live: "memory" (default) or "database" to share them across instances.
type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
	Store    string        `mapstructure:"store"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	Postgres        DBAuthConfig  `mapstructure:"postgres"`
	MySQL           DBAuthConfig  `mapstructure:"mysql"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// AuthConfig captures all authentication-related settings.
type AuthConfig struct {
	JWT      JWTSettings      `mapstructure:"jwt"`
	Session  SessionSettings  `mapstructure:"session"`
	Login    LoginSettings    `mapstructure:"login"`
	Password PasswordSettings `mapstructure:"password"`
}

// JWTSettings configures token signing.
type JWTSettings struct {
	Secret    string        `mapstructure:"secret"`
	Issuer    string        `mapstructure:"issuer"`
	Algorithm string        `mapstructure:"algorithm"`
	TTL       time.Duration `mapstructure:"access_token_ttl"`
}

// SessionSettings configures refresh token lifetimes.
type SessionSettings struct {
	RefreshTTL time.Duration `mapstructure:"refresh_token_ttl"`
}

// LoginSettings controls login policy.
type LoginSettings struct {
	RequireVerified bool `mapstructure:"require_verified"`
}

// PasswordSettings controls password hashing.
type PasswordSettings struct {
	BcryptCost int `mapstructure:"bcrypt_cost"`
}

// OTPConfig configures one-time code issuance and verification.
type OTPConfig struct {
	Length              int           `mapstructure:"length"`
	Validity            time.Duration `mapstructure:"validity"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	SendLimit           int           `mapstructure:"send_limit"`
	SendWindow          time.Duration `mapstructure:"send_window"`
	DeliveryTimeout     time.Duration `mapstructure:"delivery_timeout"`
	CheckDeliverability bool          `mapstructure:"check_deliverability"`
}

// EmailConfig captures outbound email settings.
type EmailConfig struct {
	AppName       string     `mapstructure:"app_name"`
	RatePerSecond float64    `mapstructure:"rate_per_second"`
	SMTP          SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig defines SMTP dialer settings for sending email.
type SMTPConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	FromName string        `mapstructure:"from_name"`
	UseTLS   bool          `mapstructure:"use_tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MaintenanceConfig schedules background cleanup.
type MaintenanceConfig struct {
	LedgerSchedule  string        `mapstructure:"ledger_schedule"`
	CacheSchedule   string        `mapstructure:"cache_schedule"`
	LedgerRetention time.Duration `mapstructure:"ledger_retention"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
// A .env file in the working directory, if present, is loaded into the process
// environment first; variables already set take precedence over it.
func LoadConfig(paths ...string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func loadDotEnv() error {
	path := filepath.Join(".", ".env")
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: stat .env: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load .env: %w", err)
	}
	return nil
}

// Validate checks values that would otherwise fail late at runtime. It expects
// ApplyRuntimeDefaults to have run.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	var problems []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if n, _ := KeyByteLength(c.Auth.JWT.Secret); n < minJWTSecretBytes {
		problems = append(problems, fmt.Sprintf("auth.jwt.secret must carry at least %d bytes", minJWTSecretBytes))
	}
	if c.OTP.Length < 4 || c.OTP.Length > 8 {
		problems = append(problems, "otp.length must be between 4 and 8")
	}
	if c.OTP.MaxAttempts <= 0 {
		problems = append(problems, "otp.max_attempts must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.Server.RateLimit.Store)) {
	case "", "memory", "database":
	default:
		problems = append(problems, fmt.Sprintf("server.rate_limit.store %q is not supported", c.Server.RateLimit.Store))
	}
	if c.Email.SMTP.Enabled && strings.TrimSpace(c.Email.SMTP.Host) == "" {
		problems = append(problems, "email.smtp.host is required when smtp is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ConnectionConfig converts DatabaseConfig into the database package representation.
func (c DatabaseConfig) ConnectionConfig() database.Config {
	cfg := database.Config{
		Driver:          c.Driver,
		Path:            c.Path,
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}

	var host DBAuthConfig
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case "postgres", "postgresql":
		host = c.Postgres
	case "mysql", "mariadb":
		host = c.MySQL
	default:
		return cfg
	}
	cfg.Host = host.Host
	cfg.Port = host.Port
	cfg.Name = host.Database
	cfg.User = host.Username
	cfg.Password = host.Password
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("server.rate_limit.requests", 100)
	v.SetDefault("server.rate_limit.window", "1m")
	v.SetDefault("server.rate_limit.store", "memory")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/inkboard.sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("database.max_idle_conns", 0)
	v.SetDefault("database.conn_max_lifetime", "0s")
	for _, vendor := range []string{"postgres", "mysql"} {
		v.SetDefault("database."+vendor+".host", "")
		v.SetDefault("database."+vendor+".database", "inkboard")
		v.SetDefault("database."+vendor+".username", "")
		v.SetDefault("database."+vendor+".password", "")
	}
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.mysql.port", 3306)

	v.SetDefault("auth.jwt.secret", "")
	v.SetDefault("auth.jwt.issuer", "inkboard")
	v.SetDefault("auth.jwt.algorithm", "HS256")
	v.SetDefault("auth.jwt.access_token_ttl", "15m")
	v.SetDefault("auth.session.refresh_token_ttl", "168h") // 7 days
	v.SetDefault("auth.login.require_verified", false)
	v.SetDefault("auth.password.bcrypt_cost", 10)

	v.SetDefault("otp.length", 6)
	v.SetDefault("otp.validity", "10m")
	v.SetDefault("otp.max_attempts", 3)
	v.SetDefault("otp.send_limit", 5)
	v.SetDefault("otp.send_window", "15m")
	v.SetDefault("otp.delivery_timeout", "10s")
	v.SetDefault("otp.check_deliverability", false)

	v.SetDefault("email.app_name", "InkBoard")
	v.SetDefault("email.rate_per_second", 5)
	v.SetDefault("email.smtp.enabled", false)
	v.SetDefault("email.smtp.host", "")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.username", "")
	v.SetDefault("email.smtp.password", "")
	v.SetDefault("email.smtp.from", "")
	v.SetDefault("email.smtp.from_name", "")
	v.SetDefault("email.smtp.use_tls", true)
	v.SetDefault("email.smtp.timeout", "10s")

	v.SetDefault("maintenance.ledger_schedule", "@hourly")
	v.SetDefault("maintenance.cache_schedule", "@hourly")
	v.SetDefault("maintenance.ledger_retention", "720h") // 30 days
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
