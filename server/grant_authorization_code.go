package server

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// authorizationCodeGrant exchanges an authorization code for tokens.
type authorizationCodeGrant struct {
	s *Server
}

func (g *authorizationCodeGrant) Grant(ctx context.Context, req *GrantRequest) (*GrantResult, error) {
	s := g.s
	clientID := req.Client.PublicID()

	if req.Code == "" {
		return nil, newError(ErrInvalidRequest, "code is required")
	}

	// Consume the code first so that only one exchange can ever succeed.
	code, err := s.tokenStore.FindAndRevoke(ctx, storage.KindAuthCode, req.Code)
	switch {
	case errors.Is(err, storage.ErrTokenRevoked):
		s.handleCodeReuse(ctx, code, clientID)
		return nil, newError(ErrInvalidGrant, "authorization code has already been used")
	case errors.Is(err, storage.ErrTokenNotFound):
		s.Logger.Debug("Authorization code validation failed",
			"reason", "not_found",
			"client_id", clientID,
			"code_prefix", util.TokenPrefix(req.Code))
		return nil, newError(ErrInvalidGrant, "invalid authorization code")
	case err != nil:
		return nil, internalError(err, "failed to load authorization code")
	}

	if code.HasExpired(s.now()) {
		return nil, newError(ErrInvalidGrant, "authorization code has expired")
	}
	if code.ClientID != clientID {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", code.ClientID,
			"provided_client_id", clientID,
			"code_prefix", util.TokenPrefix(req.Code))
		s.Auditor.LogAuthFailure(clientID, "", "client_id_mismatch")
		return nil, newError(ErrInvalidGrant, "authorization code was issued to another client")
	}
	if !redirectURIMatches(req.Client, code.RedirectURI, req.RedirectURI) {
		s.Logger.Debug("Authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", clientID,
			"code_prefix", util.TokenPrefix(req.Code))
		s.Auditor.LogAuthFailure(clientID, "", "redirect_uri_mismatch")
		return nil, newError(ErrInvalidGrant, "redirect_uri does not match the authorization request")
	}

	return s.issueTokens(ctx, tokenGrant{
		client:   req.Client,
		userID:   code.UserID,
		scope:    code.Scope,
		familyID: code.FamilyID,
		refresh:  true,
	})
}

// redirectURIMatches compares the token request redirect URI with the one
// bound to the code. A code issued for a request without redirect_uri
// accepts an omitted value or any URI registered on the client.
func redirectURIMatches(client *storage.Client, bound, presented string) bool {
	if bound != "" {
		return bound == presented
	}
	return presented == "" || client.HasRedirectURI(presented)
}

// handleCodeReuse revokes every token derived from a replayed code.
func (s *Server) handleCodeReuse(ctx context.Context, code *storage.Token, clientID string) {
	span := trace.SpanFromContext(ctx)
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrCodeReuse, true))
	instrumentation.AddTokenAttributes(span, string(code.Kind), code.FamilyID)

	revoked, err := s.tokenStore.RevokeFamily(ctx, code.FamilyID)
	if err != nil {
		s.Logger.Error("Failed to revoke token family after code reuse", "error", err)
	}

	s.Logger.Warn("Authorization code reuse detected, revoked token family",
		"client_id", clientID,
		"tokens_revoked", revoked)
	s.Auditor.LogReuseDetected(security.EventAuthorizationCodeReuseDetected,
		clientID, code.UserID, code.FamilyID, revoked)
	if m := s.metrics(); m != nil {
		m.RecordCodeReuseDetected(ctx)
		m.RecordTokenRevocation(ctx, "code_reuse", revoked)
	}
}
