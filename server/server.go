package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-core/credentials"
	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// Server implements the OAuth2 authorization server logic.
type Server struct {
	clientStore storage.ClientStore
	tokenStore  storage.TokenStore
	generator   credentials.Generator
	identity    IdentityVerifier

	grants map[string]GrantHandler

	observersMu sync.RWMutex
	observers   []AuthorizationObserver

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	Logger          *slog.Logger
	Config          *Config

	now func() time.Time
}

// New creates a new OAuth server
func New(
	clientStore storage.ClientStore,
	tokenStore storage.TokenStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		clientStore: clientStore,
		tokenStore:  tokenStore,
		generator:   credentials.New(),
		Config:      config,
		Logger:      logger,
		now:         time.Now,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	srv.grants = map[string]GrantHandler{
		storage.GrantTypeAuthorizationCode: &authorizationCodeGrant{srv},
		storage.GrantTypeRefreshToken:      &refreshTokenGrant{srv},
		storage.GrantTypeClientCredentials: &clientCredentialsGrant{srv},
		storage.GrantTypePassword:          &passwordGrant{srv},
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation enables tracing and metrics for server operations.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
		s.Auditor.SetMetrics(inst.Metrics())
	} else {
		s.tracer = nil
	}
}

// SetGenerator replaces the generator used for client random ids and secrets.
// Token values are drawn by the token store's own generator.
func (s *Server) SetGenerator(gen credentials.Generator) {
	if gen != nil {
		s.generator = gen
	}
}

// SetIdentityVerifier sets the resource owner verifier used by the
// password grant. Without one the password grant is unsupported.
func (s *Server) SetIdentityVerifier(v IdentityVerifier) {
	s.identity = v
}

// IdentityVerifier returns the configured resource owner verifier, or nil.
func (s *Server) IdentityVerifier() IdentityVerifier {
	return s.identity
}

// RegisterGrantHandler adds or replaces the handler for a grant type.
// It must be called before the server starts serving requests.
func (s *Server) RegisterGrantHandler(grantType string, h GrantHandler) {
	s.grants[grantType] = h
}

// SupportedGrantTypes returns the grant types with a registered handler.
func (s *Server) SupportedGrantTypes() []string {
	out := make([]string, 0, len(s.grants))
	for gt := range s.grants {
		if gt == storage.GrantTypePassword && s.identity == nil {
			continue
		}
		out = append(out, gt)
	}
	return out
}

// startSpan starts a span on the server tracer. The returned span is nil
// when instrumentation is disabled; the instrumentation helpers accept nil.
func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	return s.tracer.Start(ctx, name)
}

func endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}

func (s *Server) metrics() *instrumentation.Metrics {
	if s.Instrumentation == nil {
		return nil
	}
	return s.Instrumentation.Metrics()
}
