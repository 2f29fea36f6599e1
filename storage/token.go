package storage

import (
	"math"
	"strings"
	"time"
)

// TokenKind distinguishes the three token shapes kept by a TokenStore.
type TokenKind string

const (
	KindAccessToken  TokenKind = "access_token"
	KindRefreshToken TokenKind = "refresh_token"
	KindAuthCode     TokenKind = "authorization_code"
)

// Valid reports whether k is a known token kind.
func (k TokenKind) Valid() bool {
	switch k {
	case KindAccessToken, KindRefreshToken, KindAuthCode:
		return true
	}
	return false
}

// NeverExpires is the ExpiresIn value of a token without expiry.
const NeverExpires = time.Duration(math.MaxInt64)

// Token is an access token, a refresh token or an authorization code.
type Token struct {
	// ID is the opaque key assigned by the store.
	ID string

	Kind TokenKind

	// Token is the opaque credential handed to the client.
	Token string

	// ClientID is the public id of the owning client.
	ClientID string

	// UserID identifies the resource owner. Empty for client_credentials tokens.
	UserID string

	// Scope is a space-delimited list of scopes.
	Scope string

	// RedirectURI is the redirect URI an authorization code was issued for.
	RedirectURI string

	// FamilyID links an authorization code with every token derived from
	// it, and refresh tokens across rotations.
	FamilyID string

	// ExpiresAt is the absolute expiry. Zero means the token never expires.
	ExpiresAt time.Time

	CreatedAt time.Time

	// RevokedAt is set once the token has been revoked or consumed.
	RevokedAt time.Time
}

// IssueParams describes a token to be issued by TokenStore.Issue.
type IssueParams struct {
	Kind        TokenKind
	ClientID    string
	UserID      string
	Scope       string
	RedirectURI string
	FamilyID    string

	// TTL is the lifetime of the token. Zero or negative means no expiry.
	TTL time.Duration
}

// NewToken builds the token described by p with the given credential value.
func NewToken(p IssueParams, value string, now time.Time) *Token {
	t := &Token{
		Kind:        p.Kind,
		Token:       value,
		ClientID:    p.ClientID,
		UserID:      p.UserID,
		Scope:       p.Scope,
		RedirectURI: p.RedirectURI,
		FamilyID:    p.FamilyID,
		CreatedAt:   now,
	}
	if p.TTL > 0 {
		t.ExpiresAt = now.Add(p.TTL)
	}
	return t
}

// ExpiresIn returns the remaining lifetime at now, or NeverExpires.
func (t *Token) ExpiresIn(now time.Time) time.Duration {
	if t.ExpiresAt.IsZero() {
		return NeverExpires
	}
	return t.ExpiresAt.Sub(now)
}

// HasExpired reports whether now is strictly after the expiry.
// A token without expiry never expires.
func (t *Token) HasExpired(now time.Time) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return now.After(t.ExpiresAt)
}

// IsExpired is HasExpired evaluated at the current time.
func (t *Token) IsExpired() bool {
	return t.HasExpired(time.Now())
}

// IsRevoked reports whether the token has been revoked or consumed.
func (t *Token) IsRevoked() bool {
	return !t.RevokedAt.IsZero()
}

// Scopes returns the token scope as a list.
func (t *Token) Scopes() []string {
	return strings.Fields(t.Scope)
}

// Clone returns a copy of the token.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
