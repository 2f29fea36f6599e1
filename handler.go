package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/server"
	"github.com/giantswarm/oauth-core/storage"
)

// Endpoint paths mounted by Routes.
const (
	TokenPath      = "/token"
	AuthorizePath  = "/authorize"
	RevokePath     = "/revoke"
	IntrospectPath = "/introspect"
	MetadataPath   = "/.well-known/oauth-authorization-server"
)

const (
	clientRealm       = "oauth-clients"
	retryAfterSeconds = "60"
)

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server      *server.Server
	decider     AuthorizationDecider
	rateLimiter *security.RateLimiter
	logger      *slog.Logger
	tracer      trace.Tracer // OpenTelemetry tracer for HTTP layer
}

// NewHandler creates a new HTTP handler. decider may be nil, in which
// case the authorization endpoint answers with server_error.
func NewHandler(srv *server.Server, decider AuthorizationDecider, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server:  srv,
		decider: decider,
		logger:  logger,
	}

	// Initialize tracer if instrumentation is enabled
	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// Server returns the underlying OAuth server.
func (h *Handler) Server() *server.Server {
	return h.server
}

// SetRateLimiter enables per-IP rate limiting of the token, authorization
// and discovery endpoints.
func (h *Handler) SetRateLimiter(rl *security.RateLimiter) {
	h.rateLimiter = rl
}

// Shutdown stops the rate limiter and flushes instrumentation.
func (h *Handler) Shutdown(ctx context.Context) error {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
		stats := h.rateLimiter.GetStats()
		h.logger.Debug("Stopped rate limiter",
			"entries", stats.CurrentEntries,
			"max_entries", stats.MaxEntries,
			"evictions", stats.TotalEvictions,
			"cleanups", stats.TotalCleanups)
	}
	if h.server.Instrumentation != nil {
		return h.server.Instrumentation.Shutdown(ctx)
	}
	return nil
}

// Routes returns a router serving every endpoint of the authorization
// server, with request ids, security headers and per-endpoint metrics.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(security.RequestIDMiddleware)
	r.Use(security.SecurityHeadersMiddleware(h.server.Config.Issuer))

	r.Post(TokenPath, h.observe("token", http.HandlerFunc(h.ServeToken)))
	r.Get(AuthorizePath, h.observe("authorize", http.HandlerFunc(h.ServeAuthorization)))
	r.Post(AuthorizePath, h.observe("authorize", http.HandlerFunc(h.ServeAuthorization)))
	r.Post(RevokePath, h.observe("revoke", h.RequireClient(http.HandlerFunc(h.ServeTokenRevocation))))
	r.Post(IntrospectPath, h.observe("introspect", h.RequireClient(http.HandlerFunc(h.ServeTokenIntrospection))))
	r.Get(MetadataPath, h.observe("metadata", http.HandlerFunc(h.ServeAuthorizationServerMetadata)))

	return r
}

// observe wraps next with a span and HTTP request metrics.
func (h *Handler) observe(endpoint string, next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		var span trace.Span
		ctx := r.Context()
		if h.tracer != nil {
			ctx, span = h.tracer.Start(ctx, "oauth.http."+endpoint)
			defer span.End()
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		instrumentation.AddHTTPAttributes(span, r.Method, endpoint, status)
		if h.server.Instrumentation != nil && h.server.Instrumentation.ShouldLogClientIPs() {
			instrumentation.AddSecurityAttributes(span, h.clientIP(r))
		}
		if status >= http.StatusInternalServerError {
			instrumentation.SetSpanError(span, http.StatusText(status))
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		h.recordHTTPMetrics(ctx, endpoint, r.Method, status, startTime)
	}
}

// ==================== Token Endpoint ====================

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, http.MethodPost)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	client, oauthErr := h.authenticateClient(r, clientIP)
	if oauthErr != nil {
		h.writeError(w, oauthErr)
		return
	}

	result, err := h.server.ProcessGrant(r.Context(), &server.GrantRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Client:       client,
		Scope:        r.PostFormValue("scope"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		RefreshToken: r.PostFormValue("refresh_token"),
		Username:     r.PostFormValue("username"),
		Password:     r.PostFormValue("password"),
	})
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	h.writeTokenResponse(w, result)
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, result *server.GrantResult) {
	response := TokenResponse{
		AccessToken: result.AccessToken.Token,
		TokenType:   server.TokenTypeBearer,
		ExpiresIn:   result.ExpiresIn,
		Scope:       result.Scope,
	}
	if result.RefreshToken != nil {
		response.RefreshToken = result.RefreshToken.Token
	}

	h.writeJSON(w, http.StatusOK, response)
}

// ==================== Authorization Endpoint ====================

// ServeAuthorization handles OAuth authorization requests. GET shows the
// request to the decider; POST carries the resource owner's answer.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, http.MethodGet+", "+http.MethodPost)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	ctx := r.Context()
	auth, err := h.server.ValidateAuthorizationRequest(ctx, server.AuthorizationRequest{
		ResponseType: r.FormValue("response_type"),
		ClientID:     r.FormValue("client_id"),
		RedirectURI:  r.FormValue("redirect_uri"),
		Scope:        r.FormValue("scope"),
		State:        r.FormValue("state"),
	})
	if err != nil {
		h.writeAuthorizationError(w, r, auth, err)
		return
	}

	if h.decider == nil {
		h.logger.Error("Authorization request received but no decider is configured")
		h.writeError(w, ErrServerError(serverErrorDescription))
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	decision, err := h.decider.Decide(w, r, auth)
	if errors.Is(err, ErrDecisionPending) {
		return
	}
	if err != nil {
		h.logger.Error("Authorization decider failed",
			"client_id", auth.Client.PublicID(),
			"request_id", security.GetRequestID(ctx),
			"error", err)
		h.writeAuthorizationError(w, r, auth, err)
		return
	}

	result, err := h.server.FinalizeAuthorization(ctx, auth, decision.UserID, decision.Approved)
	if err != nil {
		h.writeAuthorizationError(w, r, auth, err)
		return
	}

	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// writeAuthorizationError redirects the error to the client when its
// redirect URI has been verified, and answers with JSON otherwise.
func (h *Handler) writeAuthorizationError(w http.ResponseWriter, r *http.Request, auth *server.Authorization, err error) {
	if location := server.ErrorRedirect(auth, err); location != "" {
		security.SetSecurityHeaders(w, h.server.Config.Issuer)
		http.Redirect(w, r, location, http.StatusFound)
		return
	}
	h.writeServerError(w, r, err)
}

// ==================== Revocation and Introspection ====================

// RequireClient authenticates the calling client and stores it in the
// request context as a ClientPrincipal.
func (h *Handler) RequireClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			h.writeError(w, ErrInvalidRequest("Failed to parse request"))
			return
		}

		client, oauthErr := h.authenticateClient(r, h.clientIP(r))
		if oauthErr != nil {
			h.writeError(w, oauthErr)
			return
		}

		ctx := ContextWithClientPrincipal(r.Context(), NewClientPrincipal(client))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, http.MethodPost)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	client, oauthErr := h.authenticateClient(r, h.clientIP(r))
	if oauthErr != nil {
		h.writeError(w, oauthErr)
		return
	}

	err := h.server.RevokeToken(r.Context(), client, r.PostFormValue("token"), r.PostFormValue("token_type_hint"))
	if err != nil {
		oauthErr := ToOAuthError(err)
		if oauthErr.Status < http.StatusInternalServerError {
			h.writeError(w, oauthErr)
			return
		}
		// Per RFC 7009, the client is not told about revocation failures
		h.logger.Error("Failed to revoke token",
			"client_id", client.PublicID(),
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeTokenIntrospection handles the RFC 7662 token introspection endpoint.
// Only tokens owned by the authenticated client are reported active.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w, http.MethodPost)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	client, oauthErr := h.authenticateClient(r, h.clientIP(r))
	if oauthErr != nil {
		h.writeError(w, oauthErr)
		return
	}

	result, err := h.server.IntrospectToken(r.Context(), client, r.PostFormValue("token"), r.PostFormValue("token_type_hint"))
	if err != nil {
		h.writeServerError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, buildIntrospectionResponse(result))
}

func buildIntrospectionResponse(result *server.Introspection) IntrospectionResponse {
	if !result.Active {
		return IntrospectionResponse{}
	}

	tok := result.Token
	response := IntrospectionResponse{
		Active:   true,
		Scope:    tok.Scope,
		ClientID: tok.ClientID,
		Subject:  tok.UserID,
		IssuedAt: tok.CreatedAt.Unix(),
	}
	if tok.Kind == storage.KindAccessToken {
		response.TokenType = server.TokenTypeBearer
	}
	if !tok.ExpiresAt.IsZero() {
		response.ExpiresAt = tok.ExpiresAt.Unix()
	}
	return response
}

// ==================== Discovery ====================

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeMethodNotAllowed(w, http.MethodGet)
		return
	}

	if h.checkIPRateLimit(w, r, h.clientIP(r)) {
		return
	}

	h.writeJSON(w, http.StatusOK, h.buildAuthServerMetadata())
}

func (h *Handler) buildAuthServerMetadata() AuthorizationServerMetadata {
	grantTypes := h.server.SupportedGrantTypes()
	slices.Sort(grantTypes)

	return AuthorizationServerMetadata{
		Issuer:                            h.server.Config.Issuer,
		AuthorizationEndpoint:             h.endpointURL(AuthorizePath),
		TokenEndpoint:                     h.endpointURL(TokenPath),
		RevocationEndpoint:                h.endpointURL(RevokePath),
		IntrospectionEndpoint:             h.endpointURL(IntrospectPath),
		ScopesSupported:                   h.server.Config.SupportedScopes,
		ResponseTypesSupported:            []string{server.ResponseTypeCode, server.ResponseTypeToken},
		GrantTypesSupported:               grantTypes,
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
	}
}

func (h *Handler) endpointURL(path string) string {
	return strings.TrimRight(h.server.Config.Issuer, "/") + path
}

// ==================== Helper methods ====================

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// clientCredentials returns the client id and secret from HTTP Basic
// credentials, which are form-encoded per RFC 6749 section 2.3.1, or
// from the request body.
func clientCredentials(r *http.Request) (clientID, secret string) {
	if user, pass, ok := r.BasicAuth(); ok {
		return formUnescape(user), formUnescape(pass)
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

func formUnescape(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}

// authenticateClient validates client credentials from either Basic Auth or form parameters.
// A client already authenticated by RequireClient is reused.
func (h *Handler) authenticateClient(r *http.Request, clientIP string) (*storage.Client, *OAuthError) {
	if p, ok := ClientPrincipalFromContext(r.Context()); ok {
		return p.Client(), nil
	}

	clientID, secret := clientCredentials(r)
	if clientID == "" {
		h.logger.Warn("Request without client credentials", "ip", clientIP, "path", r.URL.Path)
		h.server.Auditor.LogAuthFailure("", clientIP, "missing_client_credentials")
		return nil, ErrInvalidClient("Client authentication required")
	}

	client, err := h.server.AuthenticateClient(r.Context(), clientID, secret, clientIP)
	if err != nil {
		oauthErr := ToOAuthError(err)
		if oauthErr.Code == ErrorCodeInvalidClient {
			oauthErr.Description = "Client authentication failed"
		}
		return nil, oauthErr
	}
	return client, nil
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "path", r.URL.Path)
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.server.Auditor.LogRateLimitExceeded(clientIP)

	w.Header().Set("Retry-After", retryAfterSeconds)
	h.writeError(w, ErrRateLimitExceeded("Rate limit exceeded. Please try again later."))
	return true
}

// writeServerError writes the HTTP form of an error returned by the server.
// Internal failures are logged here since their cause is not sent.
func (h *Handler) writeServerError(w http.ResponseWriter, r *http.Request, err error) {
	oauthErr := ToOAuthError(err)
	if oauthErr.Status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			"path", r.URL.Path,
			"request_id", security.GetRequestID(r.Context()),
			"error", err)
	}
	h.writeError(w, oauthErr)
}

func (h *Handler) writeError(w http.ResponseWriter, oauthErr *OAuthError) {
	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q, error=%q", clientRealm, oauthErr.Code))
	}

	h.writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func (h *Handler) writeMethodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	h.writeError(w, NewOAuthError(ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}

	duration := float64(time.Since(startTime).Microseconds()) / 1000
	h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, duration)
}
