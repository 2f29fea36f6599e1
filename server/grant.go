package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// GrantRequest is a token endpoint request from an authenticated client.
type GrantRequest struct {
	GrantType string

	// Client is the authenticated client making the request.
	Client *storage.Client

	Scope string

	// authorization_code
	Code        string
	RedirectURI string

	// refresh_token
	RefreshToken string

	// password
	Username string
	Password string
}

// GrantResult holds the tokens issued by a successful grant.
type GrantResult struct {
	AccessToken *storage.Token

	// RefreshToken is nil when no refresh token was issued.
	RefreshToken *storage.Token

	// Scope is the scope granted to the access token.
	Scope string

	// ExpiresIn is the access token lifetime in seconds at issuance.
	ExpiresIn int64

	// UserID is the resource owner the tokens act for. Empty for client_credentials.
	UserID string
}

// GrantHandler processes one grant type.
type GrantHandler interface {
	Grant(ctx context.Context, req *GrantRequest) (*GrantResult, error)
}

// GrantHandlerFunc adapts a function to GrantHandler.
type GrantHandlerFunc func(ctx context.Context, req *GrantRequest) (*GrantResult, error)

// Grant calls f.
func (f GrantHandlerFunc) Grant(ctx context.Context, req *GrantRequest) (*GrantResult, error) {
	return f(ctx, req)
}

// ProcessGrant dispatches a token request to the handler for its grant type.
// The client must already be authenticated (see AuthenticateClient).
func (s *Server) ProcessGrant(ctx context.Context, req *GrantRequest) (result *GrantResult, err error) {
	ctx, span := s.startSpan(ctx, "server.process_grant")
	defer endSpan(span)

	if req == nil || req.Client == nil {
		return nil, newError(ErrInvalidClient, "client authentication required")
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
		attribute.String(instrumentation.AttrClientID, req.Client.PublicID()),
	)

	defer func() {
		if err != nil {
			s.recordGrantFailure(ctx, req, err)
			instrumentation.RecordError(span, err)
			return
		}
		instrumentation.SetSpanSuccess(span)
	}()

	if req.GrantType == "" {
		return nil, newError(ErrInvalidRequest, "grant_type is required")
	}
	handler, ok := s.grants[req.GrantType]
	if !ok {
		return nil, newError(ErrUnsupportedGrantType, "grant type %q is not supported", req.GrantType)
	}
	if !req.Client.IsGrantTypeAllowed(req.GrantType) {
		return nil, newError(ErrUnauthorizedClient, "client is not allowed to use grant type %q", req.GrantType)
	}

	result, err = handler.Grant(ctx, req)
	if err != nil {
		return nil, err
	}

	s.Auditor.LogTokenIssued(req.Client.PublicID(), result.UserID, req.GrantType, result.Scope)
	if m := s.metrics(); m != nil {
		m.RecordTokenIssued(ctx, req.GrantType, string(storage.KindAccessToken))
		if result.RefreshToken != nil {
			m.RecordTokenIssued(ctx, req.GrantType, string(storage.KindRefreshToken))
		}
	}
	return result, nil
}

func (s *Server) recordGrantFailure(ctx context.Context, req *GrantRequest, err error) {
	kind := ErrorKind(err)
	if errors.Is(kind, ErrServerError) {
		s.Logger.Error("Grant failed", "grant_type", req.GrantType, "client_id", req.Client.PublicID(), "error", err)
	} else {
		s.Logger.Debug("Grant rejected", "grant_type", req.GrantType, "client_id", req.Client.PublicID(), "error", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventGrantFailed,
		ClientID: req.Client.PublicID(),
		Details: map[string]any{
			"grant_type": req.GrantType,
			"error":      kind.Error(),
		},
	})
	if m := s.metrics(); m != nil {
		m.RecordGrantFailure(ctx, req.GrantType, kind.Error())
	}
}

// tokenGrant describes the tokens a grant handler asks issueTokens for.
type tokenGrant struct {
	client   *storage.Client
	userID   string
	scope    string
	familyID string

	// refreshScope is the scope of the refresh token when it differs from
	// scope. A rotated refresh token keeps the original grant's scope.
	refreshScope string

	// refresh requests a refresh token, subject to configuration.
	refresh bool
}

// issueTokens issues an access token and, when requested and allowed, a
// refresh token sharing its family.
func (s *Server) issueTokens(ctx context.Context, g tokenGrant) (*GrantResult, error) {
	if g.familyID == "" {
		g.familyID = uuid.NewString()
	}
	span := trace.SpanFromContext(ctx)
	instrumentation.AddOAuthFlowAttributes(span, "", g.userID, g.scope)

	access, err := s.tokenStore.Issue(ctx, storage.IssueParams{
		Kind:     storage.KindAccessToken,
		ClientID: g.client.PublicID(),
		UserID:   g.userID,
		Scope:    g.scope,
		FamilyID: g.familyID,
		TTL:      s.Config.accessTTL(),
	})
	if err != nil {
		return nil, issueError(err, "failed to issue access token")
	}
	instrumentation.AddTokenAttributes(span, string(access.Kind), access.FamilyID)

	result := &GrantResult{
		AccessToken: access,
		Scope:       g.scope,
		UserID:      g.userID,
		ExpiresIn:   expiresInSeconds(access, s.now()),
	}

	if g.refresh && s.canIssueRefreshToken(g.client) {
		refreshScope := g.scope
		if g.refreshScope != "" {
			refreshScope = g.refreshScope
		}
		refresh, err := s.tokenStore.Issue(ctx, storage.IssueParams{
			Kind:     storage.KindRefreshToken,
			ClientID: g.client.PublicID(),
			UserID:   g.userID,
			Scope:    refreshScope,
			FamilyID: g.familyID,
			TTL:      s.Config.refreshTTL(),
		})
		if err != nil {
			// The pair is issued together or not at all.
			_ = s.tokenStore.Revoke(ctx, access)
			return nil, issueError(err, "failed to issue refresh token")
		}
		result.RefreshToken = refresh
	}

	return result, nil
}

// canIssueRefreshToken reports whether refresh tokens are enabled and the
// client may redeem them.
func (s *Server) canIssueRefreshToken(client *storage.Client) bool {
	return !s.Config.DisableRefreshTokens && client.IsGrantTypeAllowed(storage.GrantTypeRefreshToken)
}

// expiresInSeconds returns the remaining lifetime of t in whole seconds,
// or 0 for a token without expiry.
func expiresInSeconds(t *storage.Token, now time.Time) int64 {
	if t.ExpiresAt.IsZero() {
		return 0
	}
	return int64(t.ExpiresIn(now).Round(time.Second) / time.Second)
}
