package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/oauth-core/storage"
)

// Token type hints accepted by RevokeToken and IntrospectToken.
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token" //nolint:gosec // hint name, not a credential
)

// lookupKinds returns the token kinds to search, hinted kind first.
func lookupKinds(hint string) []storage.TokenKind {
	if hint == TokenTypeHintRefreshToken {
		return []storage.TokenKind{storage.KindRefreshToken, storage.KindAccessToken}
	}
	return []storage.TokenKind{storage.KindAccessToken, storage.KindRefreshToken}
}

// findToken looks a token value up across kinds. Revoked tokens are
// returned together with storage.ErrTokenRevoked.
func (s *Server) findToken(ctx context.Context, value, hint string) (*storage.Token, error) {
	for _, kind := range lookupKinds(hint) {
		tok, err := s.tokenStore.FindByToken(ctx, kind, value)
		if errors.Is(err, storage.ErrTokenNotFound) {
			continue
		}
		return tok, err
	}
	return nil, storage.ErrTokenNotFound
}

// RevokeToken revokes an access or refresh token owned by client.
// Revoking a refresh token also revokes every token of its family.
// Unknown tokens and tokens of other clients are ignored, so the caller
// learns nothing about them.
func (s *Server) RevokeToken(ctx context.Context, client *storage.Client, value, hint string) error {
	if client == nil {
		return newError(ErrInvalidClient, "client authentication required")
	}
	if value == "" {
		return newError(ErrInvalidRequest, "token is required")
	}

	tok, err := s.findToken(ctx, value, hint)
	switch {
	case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrTokenRevoked):
		return nil
	case err != nil:
		return internalError(err, "failed to look up token")
	}

	if tok.ClientID != client.PublicID() {
		s.Logger.Warn("Client attempted to revoke a token issued to another client",
			"client_id", client.PublicID())
		s.Auditor.LogAuthFailure(client.PublicID(), "", "revocation_client_mismatch")
		return nil
	}

	count := 1
	if tok.Kind == storage.KindRefreshToken && tok.FamilyID != "" {
		count, err = s.tokenStore.RevokeFamily(ctx, tok.FamilyID)
	} else {
		err = s.tokenStore.Revoke(ctx, tok)
	}
	if err != nil {
		return internalError(err, "failed to revoke token")
	}

	s.Auditor.LogTokenRevoked(client.PublicID(), tok.UserID, "client_request", count)
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, "client_request", count)
	}
	return nil
}

// Introspection is the result of IntrospectToken.
type Introspection struct {
	Active bool

	// Token is set only when Active is true.
	Token *storage.Token
}

// IntrospectToken reports whether a token owned by client is active:
// found, not revoked and not expired.
func (s *Server) IntrospectToken(ctx context.Context, client *storage.Client, value, hint string) (*Introspection, error) {
	if client == nil {
		return nil, newError(ErrInvalidClient, "client authentication required")
	}
	if value == "" {
		return nil, newError(ErrInvalidRequest, "token is required")
	}

	tok, err := s.findToken(ctx, value, hint)
	switch {
	case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrTokenRevoked):
		return &Introspection{}, nil
	case err != nil:
		return nil, internalError(err, "failed to look up token")
	}

	if tok.ClientID != client.PublicID() || tok.HasExpired(s.now()) {
		return &Introspection{}, nil
	}
	return &Introspection{Active: true, Token: tok}, nil
}

// RevokeAllForUser revokes every token issued on behalf of userID and
// returns how many were revoked.
func (s *Server) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("userID cannot be empty")
	}

	count, err := s.tokenStore.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user tokens: %w", err)
	}

	s.Logger.Info("Revoked all tokens for user", "tokens_revoked", count)
	s.Auditor.LogTokenRevoked("", userID, "user_revoked", count)
	if m := s.metrics(); m != nil {
		m.RecordTokenRevocation(ctx, "user_revoked", count)
	}
	return count, nil
}
