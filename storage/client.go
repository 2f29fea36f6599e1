package storage

import (
	"crypto/subtle"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-core/credentials"
)

// Grant type identifiers.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	// GrantTypeImplicit allows response_type=token at the authorization endpoint.
	GrantTypeImplicit = "implicit"
)

// publicIDSeparator joins the internal id and the random id of a client.
const publicIDSeparator = "_"

// Client is a registered OAuth application.
type Client struct {
	// ID is the opaque key assigned by the store when the client is created.
	ID string

	// RandomID is the random component of the public id.
	RandomID string

	// Secret is the client secret. An empty secret means "unset": any
	// candidate is accepted by CheckSecret (public clients).
	Secret string

	// Name is a human readable label.
	Name string

	// RedirectURIs are the registered redirection endpoints, matched exactly.
	RedirectURIs []string

	// AllowedGrantTypes lists the grant types this client may use.
	AllowedGrantTypes []string

	// Scopes restricts the scopes this client may request.
	// Empty means the server's supported scopes apply.
	Scopes []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewClient returns a client with a fresh random id and secret drawn from
// gen and the default grant type. The id is assigned by the store.
func NewClient(gen credentials.Generator) *Client {
	return &Client{
		RandomID:          gen.GenerateToken(),
		Secret:            gen.GenerateToken(),
		AllowedGrantTypes: []string{GrantTypeAuthorizationCode},
	}
}

// PublicID returns the identifier exposed to the token endpoint.
func (c *Client) PublicID() string {
	return c.ID + publicIDSeparator + c.RandomID
}

// CheckSecret reports whether secret authenticates this client.
// A client without a stored secret accepts any candidate.
func (c *Client) CheckSecret(secret string) bool {
	if c.Secret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(c.Secret), []byte(secret)) == 1
}

// IsPublic reports whether the client has no secret.
func (c *Client) IsPublic() bool {
	return c.Secret == ""
}

// IsGrantTypeAllowed reports whether grantType is in the client's whitelist.
func (c *Client) IsGrantTypeAllowed(grantType string) bool {
	return slices.Contains(c.AllowedGrantTypes, grantType)
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// Clone returns a deep copy, so stores never hand out their internal state.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.AllowedGrantTypes = slices.Clone(c.AllowedGrantTypes)
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

// Validate checks the fields a store requires before persisting a client.
// An empty ID is assigned by the store; a preset one must be a UUID in
// canonical form, so every backend accepts the same ids.
func (c *Client) Validate() error {
	if c == nil {
		return fmt.Errorf("client cannot be nil")
	}
	if c.RandomID == "" {
		return fmt.Errorf("client random id cannot be empty")
	}
	if c.ID != "" {
		if parsed, err := uuid.Parse(c.ID); err != nil || parsed.String() != c.ID {
			return fmt.Errorf("client id %q is not a canonical UUID", c.ID)
		}
	}
	return nil
}

// ParsePublicID splits a public id into the internal id and the random id.
func ParsePublicID(publicID string) (id, randomID string, err error) {
	id, randomID, ok := strings.Cut(publicID, publicIDSeparator)
	if !ok || id == "" || randomID == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPublicIDFormat, publicID)
	}
	return id, randomID, nil
}
