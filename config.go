package oauth

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/server"
	"github.com/giantswarm/oauth-core/storage"
)

// Config holds the OAuth handler configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// Server configures token lifetimes, scopes and refresh behaviour.
	Server server.Config

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Instrumentation configures OpenTelemetry metrics and tracing
	Instrumentation InstrumentationConfig

	// IdentityVerifier authenticates resource owners for the password
	// grant and the default authorization decider. Optional.
	IdentityVerifier server.IdentityVerifier

	// Decider obtains consent at the authorization endpoint. Defaults to a
	// BasicAuthDecider over IdentityVerifier when one is set.
	Decider AuthorizationDecider

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate float64

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// MaxEntries bounds the number of tracked IPs.
	// Default: security.DefaultRateLimitMaxEntries
	MaxEntries int

	// CleanupInterval is how often to cleanup inactive rate limiters.
	CleanupInterval time.Duration
}

// SecurityConfig holds OAuth security settings (secure by default)
type SecurityConfig struct {
	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool

	// EncryptionKey is the AES-256 key (32 bytes) used by the redis and
	// postgres stores to encrypt client secrets at rest. Nil disables it.
	EncryptionKey []byte

	// AutoApprove lets an authenticated resource owner approve a request
	// without an explicit accepted=true.
	// WARNING: Skips the consent step. Only for trusted first-party clients.
	AutoApprove bool

	// Realm is the HTTP Basic realm presented to resource owners.
	Realm string
}

// Encryptor returns the encryptor for EncryptionKey. With no key the
// encryptor is a passthrough.
func (c SecurityConfig) Encryptor() (*security.Encryptor, error) {
	enc, err := security.NewEncryptor(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	return enc, nil
}

// InstrumentationConfig holds OpenTelemetry settings
type InstrumentationConfig struct {
	// Enabled turns on metrics and tracing. When false no-op providers are used.
	Enabled bool

	ServiceName    string
	ServiceVersion string

	// MetricsExporter selects the exporter: "" or "prometheus".
	MetricsExporter string

	// PrometheusRegisterer receives the collector for the prometheus exporter.
	PrometheusRegisterer prometheus.Registerer

	// LogClientIPs records client addresses on spans.
	// Client IP addresses may be considered PII.
	LogClientIPs bool
}

// New builds a Server over the given stores and returns its HTTP handler.
func New(clients storage.ClientStore, tokens storage.TokenStore, config *Config) (*Handler, error) {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	serverConfig := config.Server
	srv, err := server.New(clients, tokens, &serverConfig, logger)
	if err != nil {
		return nil, err
	}
	srv.SetAuditor(security.NewAuditor(logger, config.Security.EnableAuditLogging))
	if config.IdentityVerifier != nil {
		srv.SetIdentityVerifier(config.IdentityVerifier)
	}

	if config.Instrumentation.Enabled {
		inst, err := instrumentation.New(instrumentation.Config{
			Enabled:              true,
			ServiceName:          config.Instrumentation.ServiceName,
			ServiceVersion:       config.Instrumentation.ServiceVersion,
			MetricsExporter:      config.Instrumentation.MetricsExporter,
			PrometheusRegisterer: config.Instrumentation.PrometheusRegisterer,
			LogClientIPs:         config.Instrumentation.LogClientIPs,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
		}
		srv.SetInstrumentation(inst)
	}

	decider := config.Decider
	if decider == nil && config.IdentityVerifier != nil {
		decider = &BasicAuthDecider{
			Verifier:    config.IdentityVerifier,
			Realm:       config.Security.Realm,
			AutoApprove: config.Security.AutoApprove,
		}
	}

	h := NewHandler(srv, decider, logger)

	if config.RateLimit.Rate > 0 {
		h.SetRateLimiter(security.NewRateLimiter(security.RateLimitConfig{
			RequestsPerSecond: config.RateLimit.Rate,
			Burst:             config.RateLimit.Burst,
			MaxEntries:        config.RateLimit.MaxEntries,
			CleanupInterval:   config.RateLimit.CleanupInterval,
		}, logger))
	}

	return h, nil
}
