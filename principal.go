package oauth

import (
	"context"

	"github.com/giantswarm/oauth-core/storage"
)

// RoleUser is the single role granted to an authenticated client.
const RoleUser = "ROLE_USER"

// ClientPrincipal exposes an authenticated client to code that expects a
// username, password and roles, such as access-control layers in front of
// the revocation and introspection endpoints.
type ClientPrincipal struct {
	client *storage.Client
}

// NewClientPrincipal wraps client. The client is copied.
func NewClientPrincipal(client *storage.Client) *ClientPrincipal {
	return &ClientPrincipal{client: client.Clone()}
}

// Client returns a copy of the authenticated client.
func (p *ClientPrincipal) Client() *storage.Client {
	return p.client.Clone()
}

// ClientID returns the public client id.
func (p *ClientPrincipal) ClientID() string {
	return p.client.PublicID()
}

// Username returns the client's random id.
func (p *ClientPrincipal) Username() string {
	return p.client.RandomID
}

// Password returns the client secret.
func (p *ClientPrincipal) Password() string {
	return p.client.Secret
}

// Roles returns the roles of the client.
func (p *ClientPrincipal) Roles() []string {
	return []string{RoleUser}
}

type principalContextKey struct{}

// ContextWithClientPrincipal returns a copy of ctx carrying p.
func ContextWithClientPrincipal(ctx context.Context, p *ClientPrincipal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// ClientPrincipalFromContext returns the principal stored by the client
// authentication middleware.
func ClientPrincipalFromContext(ctx context.Context) (*ClientPrincipal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*ClientPrincipal)
	return p, ok && p != nil
}
