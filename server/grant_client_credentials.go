package server

import (
	"context"
)

// clientCredentialsGrant issues an access token to the client itself.
// No user is bound and no refresh token is issued.
type clientCredentialsGrant struct {
	s *Server
}

func (g *clientCredentialsGrant) Grant(ctx context.Context, req *GrantRequest) (*GrantResult, error) {
	scope, err := g.s.resolveScope(req.Client, req.Scope)
	if err != nil {
		return nil, err
	}

	return g.s.issueTokens(ctx, tokenGrant{
		client: req.Client,
		scope:  scope,
	})
}
