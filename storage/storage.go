package storage

import (
	"context"
	"errors"
	"time"
)

// MaxIssueAttempts bounds the number of fresh values Issue draws when a
// generated token string is already taken.
const MaxIssueAttempts = 8

// DefaultRevokedRetention is how long a revoked token without expiry is
// kept for reuse detection before it may be purged.
const DefaultRevokedRetention = 24 * time.Hour

var (
	// ErrClientNotFound is returned when a public id parses but no client matches it.
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidPublicIDFormat is returned when a public id is not "{id}_{randomId}".
	ErrInvalidPublicIDFormat = errors.New("invalid public id format")

	// ErrClientExists is returned by CreateClient when the preset id is taken.
	ErrClientExists = errors.New("client already exists")

	// ErrTokenNotFound is returned when no token of the requested kind has the given value.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenRevoked is returned together with the token when it was already revoked.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrTokenCollision is returned when Issue could not find an unused token value.
	ErrTokenCollision = errors.New("could not generate a unique token")
)

// ClientStore persists registered clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// CreateClient persists the client. An empty client.ID is assigned a
	// fresh UUID; a preset one that is taken yields ErrClientExists.
	CreateClient(ctx context.Context, client *Client) error

	// FindByPublicID returns the client addressed by publicID.
	// Returns ErrInvalidPublicIDFormat or ErrClientNotFound.
	FindByPublicID(ctx context.Context, publicID string) (*Client, error)

	// UpdateClient replaces the mutable fields of an existing client.
	UpdateClient(ctx context.Context, client *Client) error

	// DeleteClient removes a client. Tokens are revoked by the caller,
	// after the delete, since Issue refuses tokens for it from then on.
	DeleteClient(ctx context.Context, client *Client) error
}

// TokenStore persists access tokens, refresh tokens and authorization codes.
// All mutating operations are atomic with respect to each other.
type TokenStore interface {
	// Issue creates a token with a freshly generated unique value,
	// re-generating on collision. It fails with ErrClientNotFound unless
	// params.ClientID names a client registered in the same backend; the
	// check and the write are one atomic step.
	Issue(ctx context.Context, params IssueParams) (*Token, error)

	// FindByToken looks up a token by kind and value.
	// A revoked token is returned together with ErrTokenRevoked.
	// Expiry is not checked; callers use Token.HasExpired.
	FindByToken(ctx context.Context, kind TokenKind, token string) (*Token, error)

	// FindAndRevoke atomically looks up and revokes a token. Exactly one
	// caller observes a nil error for a given token; every later caller
	// receives the token together with ErrTokenRevoked.
	FindAndRevoke(ctx context.Context, kind TokenKind, token string) (*Token, error)

	// Revoke marks a token as revoked. Revoking a revoked token is a no-op.
	Revoke(ctx context.Context, token *Token) error

	// RevokeFamily revokes every token sharing familyID.
	RevokeFamily(ctx context.Context, familyID string) (int, error)

	// RevokeAllForClient revokes every token issued to client.
	RevokeAllForClient(ctx context.Context, client *Client) (int, error)

	// RevokeAllForUser revokes every token issued on behalf of userID.
	RevokeAllForUser(ctx context.Context, userID string) (int, error)
}
