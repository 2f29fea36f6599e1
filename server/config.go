package server

import (
	"log/slog"
	"time"
)

// MaxAuthorizationCodeTTL is the upper bound on authorization code lifetime in seconds.
const MaxAuthorizationCodeTTL = 600

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes), capped at 600

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// AllowRefreshTokenRotation makes every refresh single use: the presented
	// refresh token is revoked and a new one issued in the same family.
	// Default: true (secure by default)
	AllowRefreshTokenRotation bool // default: true

	// DisableRefreshTokens stops the server from issuing refresh tokens.
	DisableRefreshTokens bool

	// AllowInsecureHTTP permits an http:// issuer on a non-loopback host.
	// WARNING: tokens and credentials travel in clear text.
	AllowInsecureHTTP bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy (nginx, HAProxy, etc.)
	// Default: false
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Used with TrustProxy to correctly extract client IP from X-Forwarded-For
	// Default: 1
	TrustedProxyCount int // default: 1

	// ClockSkewGracePeriod is the grace period applied by background token
	// cleanup, in seconds. Request-time expiry checks do not use it.
	// Default: 5 seconds
	ClockSkewGracePeriod int64 // seconds, default: 5

	// SupportedScopes lists the scopes clients may request.
	// A client's own Scopes list takes precedence. If both are empty, all scopes are allowed.
	SupportedScopes []string
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config, logger)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config, logger *slog.Logger) {
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = MaxAuthorizationCodeTTL
	}
	if config.AuthorizationCodeTTL > MaxAuthorizationCodeTTL {
		logger.Warn("AuthorizationCodeTTL exceeds the maximum, capping",
			"configured", config.AuthorizationCodeTTL,
			"max", MaxAuthorizationCodeTTL)
		config.AuthorizationCodeTTL = MaxAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
}

// applySecurityDefaults sets secure defaults for security-related configuration.
// If all security bools are false the config is treated as fresh.
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	isDefaultConfig := !config.AllowRefreshTokenRotation &&
		!config.DisableRefreshTokens &&
		!config.AllowInsecureHTTP &&
		!config.TrustProxy

	if isDefaultConfig {
		config.AllowRefreshTokenRotation = true
		return
	}

	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if !config.AllowRefreshTokenRotation && !config.DisableRefreshTokens {
		logger.Warn("SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "A stolen refresh token stays usable until it expires",
			"recommendation", "Set AllowRefreshTokenRotation=true")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
}

func (c *Config) codeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

func (c *Config) accessTTL() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

func (c *Config) refreshTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}

// GracePeriod returns ClockSkewGracePeriod as a duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.ClockSkewGracePeriod) * time.Second
}
