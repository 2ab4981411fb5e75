package app

import (
	"time"

	"github.com/inkboard/inkboard/internal/auth"
	"github.com/inkboard/inkboard/internal/cache"
	"github.com/inkboard/inkboard/internal/services"
)

// JWTServiceConfig converts AuthConfig into the parameters expected by the JWT service.
func (c AuthConfig) JWTServiceConfig() auth.JWTConfig {
	ttl := c.JWT.TTL
	if ttl <= 0 {
		ttl = auth.DefaultAccessTokenTTL
	}
	refreshTTL := c.Session.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = auth.DefaultRefreshTokenTTL
	}

	return auth.JWTConfig{
		Secret:          c.JWT.Secret,
		Issuer:          c.JWT.Issuer,
		Algorithm:       c.JWT.Algorithm,
		AccessTokenTTL:  ttl,
		RefreshTokenTTL: refreshTTL,
	}
}

// ServiceConfig converts AuthConfig into orchestrator policy.
func (c AuthConfig) ServiceConfig() services.AuthConfig {
	return services.AuthConfig{RequireVerified: c.Login.RequireVerified}
}

// ServiceOptions converts OTPConfig into OTP service options. A nil throttle
// disables send throttling.
func (c OTPConfig) ServiceOptions(throttle cache.Store) []services.OTPOption {
	opts := []services.OTPOption{
		services.WithOTPLength(c.Length),
		services.WithOTPValidity(c.Validity),
		services.WithOTPMaxAttempts(c.MaxAttempts),
		services.WithOTPDeliveryTimeout(c.DeliveryTimeout),
	}
	if throttle != nil {
		opts = append(opts, services.WithOTPThrottle(throttle, c.SendLimit, c.SendWindow))
	}
	if c.CheckDeliverability {
		opts = append(opts, services.WithOTPDeliverabilityCheck(nil))
	}
	return opts
}

// Retention reports how long expired refresh tokens are kept before purge.
func (c MaintenanceConfig) Retention() time.Duration {
	if c.LedgerRetention < 0 {
		return 0
	}
	return c.LedgerRetention
}
