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

// refreshTokenGrant exchanges a refresh token for a new access token,
// rotating the refresh token when rotation is enabled.
type refreshTokenGrant struct {
	s *Server
}

func (g *refreshTokenGrant) Grant(ctx context.Context, req *GrantRequest) (*GrantResult, error) {
	s := g.s
	clientID := req.Client.PublicID()

	if req.RefreshToken == "" {
		return nil, newError(ErrInvalidRequest, "refresh_token is required")
	}

	// Validate before consuming so another client cannot burn the token.
	rt, err := s.tokenStore.FindByToken(ctx, storage.KindRefreshToken, req.RefreshToken)
	switch {
	case errors.Is(err, storage.ErrTokenRevoked):
		if rt.ClientID == clientID && s.Config.AllowRefreshTokenRotation {
			s.handleRefreshReuse(ctx, rt, clientID)
		}
		return nil, newError(ErrInvalidGrant, "refresh token has been revoked")
	case errors.Is(err, storage.ErrTokenNotFound):
		s.Logger.Debug("Refresh token validation failed",
			"reason", "not_found",
			"client_id", clientID,
			"token_prefix", util.TokenPrefix(req.RefreshToken))
		return nil, newError(ErrInvalidGrant, "invalid refresh token")
	case err != nil:
		return nil, internalError(err, "failed to load refresh token")
	}

	if rt.ClientID != clientID {
		s.Auditor.LogAuthFailure(clientID, "", "refresh_token_client_mismatch")
		return nil, newError(ErrInvalidGrant, "refresh token was issued to another client")
	}
	if rt.HasExpired(s.now()) {
		return nil, newError(ErrInvalidGrant, "refresh token has expired")
	}

	scope := rt.Scope
	if requested := util.NormalizeScope(req.Scope); requested != "" {
		if !util.ScopeSubset(requested, rt.Scope) {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventScopeEscalationAttempt,
				UserID:   rt.UserID,
				ClientID: clientID,
				Details: map[string]any{
					"requested_scope": requested,
					"granted_scope":   rt.Scope,
				},
			})
			return nil, newError(ErrInvalidScope, "requested scope exceeds the original grant")
		}
		scope = requested
	}

	if !s.Config.AllowRefreshTokenRotation {
		return s.issueTokens(ctx, tokenGrant{
			client:   req.Client,
			userID:   rt.UserID,
			scope:    scope,
			familyID: rt.FamilyID,
		})
	}

	if _, err := s.tokenStore.FindAndRevoke(ctx, storage.KindRefreshToken, req.RefreshToken); err != nil {
		if errors.Is(err, storage.ErrTokenRevoked) {
			// Lost the race against a concurrent refresh with the same token.
			s.handleRefreshReuse(ctx, rt, clientID)
			return nil, newError(ErrInvalidGrant, "refresh token has been revoked")
		}
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, newError(ErrInvalidGrant, "invalid refresh token")
		}
		return nil, internalError(err, "failed to rotate refresh token")
	}

	result, err := s.issueTokens(ctx, tokenGrant{
		client:       req.Client,
		userID:       rt.UserID,
		scope:        scope,
		refreshScope: rt.Scope,
		familyID:     rt.FamilyID,
		refresh:      true,
	})
	if err != nil {
		return nil, err
	}
	instrumentation.SetSpanAttributes(trace.SpanFromContext(ctx),
		attribute.Bool(instrumentation.AttrTokenRotated, result.RefreshToken != nil))

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventTokenRefreshed,
		UserID:   rt.UserID,
		ClientID: clientID,
	})
	return result, nil
}

// handleRefreshReuse revokes the family of a replayed rotated refresh token.
func (s *Server) handleRefreshReuse(ctx context.Context, rt *storage.Token, clientID string) {
	span := trace.SpanFromContext(ctx)
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenReuse, true))
	instrumentation.AddTokenAttributes(span, string(rt.Kind), rt.FamilyID)

	revoked, err := s.tokenStore.RevokeFamily(ctx, rt.FamilyID)
	if err != nil {
		s.Logger.Error("Failed to revoke token family after refresh token reuse", "error", err)
	}

	s.Logger.Warn("Refresh token reuse detected, revoked token family",
		"client_id", clientID,
		"tokens_revoked", revoked)
	s.Auditor.LogReuseDetected(security.EventRefreshTokenReuseDetected,
		clientID, rt.UserID, rt.FamilyID, revoked)
	if m := s.metrics(); m != nil {
		m.RecordTokenReuseDetected(ctx)
		m.RecordTokenRevocation(ctx, "refresh_reuse", revoked)
	}
}
