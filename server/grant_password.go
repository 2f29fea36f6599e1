package server

import (
	"context"
	"errors"
)

// passwordGrant issues tokens for a resource owner verified by the
// configured IdentityVerifier.
type passwordGrant struct {
	s *Server
}

func (g *passwordGrant) Grant(ctx context.Context, req *GrantRequest) (*GrantResult, error) {
	s := g.s

	if s.identity == nil {
		return nil, newError(ErrUnsupportedGrantType, "password grant is not configured")
	}
	if req.Username == "" || req.Password == "" {
		return nil, newError(ErrInvalidRequest, "username and password are required")
	}

	userID, err := s.identity.VerifyCredentials(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.Auditor.LogAuthFailure(req.Client.PublicID(), "", "invalid_resource_owner_credentials")
			return nil, newError(ErrInvalidGrant, "invalid resource owner credentials")
		}
		return nil, internalError(err, "failed to verify resource owner")
	}

	scope, err := s.resolveScope(req.Client, req.Scope)
	if err != nil {
		return nil, err
	}

	return s.issueTokens(ctx, tokenGrant{
		client:  req.Client,
		userID:  userID,
		scope:   scope,
		refresh: true,
	})
}
