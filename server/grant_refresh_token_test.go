package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/giantswarm/oauth-core/storage"
)

// exchangeCode returns the tokens of a fresh authorization code exchange.
func exchangeCode(t *testing.T, srv *Server, client *storage.Client, scope string) *GrantResult {
	t.Helper()

	code := issueCode(t, srv, client, scope)
	result, err := srv.ProcessGrant(context.Background(), codeRequest(client, code.Token))
	if err != nil {
		t.Fatalf("code exchange error = %v", err)
	}
	if result.RefreshToken == nil {
		t.Fatal("code exchange issued no refresh token")
	}
	return result
}

func refreshRequest(client *storage.Client, refreshToken, scope string) *GrantRequest {
	return &GrantRequest{
		GrantType:    storage.GrantTypeRefreshToken,
		Client:       client,
		RefreshToken: refreshToken,
		Scope:        scope,
	}
}

func TestRefreshTokenGrant_Rotation(t *testing.T) {
	ctx := context.Background()
	srv, store := newTestServer(t, nil)
	client := createTestClient(t, srv)
	initial := exchangeCode(t, srv, client, "read write")

	refreshed, err := srv.ProcessGrant(ctx, refreshRequest(client, initial.RefreshToken.Token, ""))
	if err != nil {
		t.Fatalf("refresh error = %v", err)
	}

	if refreshed.RefreshToken == nil {
		t.Fatal("rotation should issue a new refresh token")
	}
	if refreshed.RefreshToken.Token == initial.RefreshToken.Token {
		t.Error("refresh token was not rotated")
	}
	if refreshed.RefreshToken.FamilyID != initial.RefreshToken.FamilyID {
		t.Error("rotated refresh token should stay in the family")
	}
	if refreshed.Scope != "read write" {
		t.Errorf("Scope = %q, want original scope", refreshed.Scope)
	}

	_, err = store.FindByToken(ctx, storage.KindRefreshToken, initial.RefreshToken.Token)
	if !errors.Is(err, storage.ErrTokenRevoked) {
		t.Errorf("old refresh token should be revoked, got %v", err)
	}
}

func TestRefreshTokenGrant_ReuseRevokesFamily(t *testing.T) {
	ctx := context.Background()
	srv, store := newTestServer(t, nil)
	client := createTestClient(t, srv)
	initial := exchangeCode(t, srv, client, "")

	refreshed, err := srv.ProcessGrant(ctx, refreshRequest(client, initial.RefreshToken.Token, ""))
	if err != nil {
		t.Fatalf("refresh error = %v", err)
	}

	_, err = srv.ProcessGrant(ctx, refreshRequest(client, initial.RefreshToken.Token, ""))
	assertKind(t, err, ErrInvalidGrant)

	for _, tok := range []*storage.Token{refreshed.AccessToken, refreshed.RefreshToken, initial.AccessToken} {
		_, err := store.FindByToken(ctx, tok.Kind, tok.Token)
		if !errors.Is(err, storage.ErrTokenRevoked) {
			t.Errorf("%s should be revoked after reuse, got %v", tok.Kind, err)
		}
	}
}

func TestRefreshTokenGrant_ScopeNarrowing(t *testing.T) {
	ctx := context.Background()
	srv, store := newTestServer(t, nil)
	client := createTestClient(t, srv)
	initial := exchangeCode(t, srv, client, "read write")

	narrowed, err := srv.ProcessGrant(ctx, refreshRequest(client, initial.RefreshToken.Token, "read"))
	if err != nil {
		t.Fatalf("narrowing refresh error = %v", err)
	}
	if narrowed.Scope != "read" || narrowed.AccessToken.Scope != "read" {
		t.Errorf("access scope = %q, want read", narrowed.AccessToken.Scope)
	}

	stored, err := store.FindByToken(ctx, storage.KindRefreshToken, narrowed.RefreshToken.Token)
	if err != nil {
		t.Fatalf("FindByToken() error = %v", err)
	}
	if stored.Scope != "read write" {
		t.Errorf("rotated refresh scope = %q, want original %q", stored.Scope, "read write")
	}

	// The rotated token can still be used for the full original scope.
	if _, err := srv.ProcessGrant(ctx, refreshRequest(client, narrowed.RefreshToken.Token, "read write")); err != nil {
		t.Errorf("refresh with original scope error = %v", err)
	}
}

func TestRefreshTokenGrant_ScopeEscalation(t *testing.T) {
	ctx := context.Background()
	srv, _ := newTestServer(t, nil)
	client := createTestClient(t, srv)
	initial := exchangeCode(t, srv, client, "read")

	_, err := srv.ProcessGrant(ctx, refreshRequest(client, initial.RefreshToken.Token, "read admin"))
	assertKind(t, err, ErrInvalidScope)

	// A rejected request does not consume the token.
	if _, err := srv.ProcessGrant(ctx, refreshRequest(client, initial.RefreshToken.Token, "")); err != nil {
		t.Errorf("refresh after rejected escalation error = %v", err)
	}
}

func TestRefreshTokenGrant_OtherClient(t *testing.T) {
	ctx := context.Background()
	srv, _ := newTestServer(t, nil)
	client := createTestClient(t, srv)
	other := createTestClient(t, srv)
	initial := exchangeCode(t, srv, client, "")

	_, err := srv.ProcessGrant(ctx, refreshRequest(other, initial.RefreshToken.Token, ""))
	assertKind(t, err, ErrInvalidGrant)

	if _, err := srv.ProcessGrant(ctx, refreshRequest(client, initial.RefreshToken.Token, "")); err != nil {
		t.Errorf("owner refresh after foreign attempt error = %v", err)
	}
}

func TestRefreshTokenGrant_Expired(t *testing.T) {
	srv, _ := newTestServer(t, &Config{Issuer: "https://auth.example.com", RefreshTokenTTL: 60})
	client := createTestClient(t, srv)
	initial := exchangeCode(t, srv, client, "")

	srv.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err := srv.ProcessGrant(context.Background(), refreshRequest(client, initial.RefreshToken.Token, ""))
	assertKind(t, err, ErrInvalidGrant)
}

func TestRefreshTokenGrant_WithoutRotation(t *testing.T) {
	ctx := context.Background()
	srv, _ := newTestServer(t, &Config{
		Issuer:                    "https://auth.example.com",
		AllowRefreshTokenRotation: false,
		TrustProxy:                true,
	})
	client := createTestClient(t, srv)
	initial := exchangeCode(t, srv, client, "")

	for i := range 2 {
		result, err := srv.ProcessGrant(ctx, refreshRequest(client, initial.RefreshToken.Token, ""))
		if err != nil {
			t.Fatalf("refresh %d error = %v", i, err)
		}
		if result.RefreshToken != nil {
			t.Errorf("refresh %d issued a new refresh token without rotation", i)
		}
	}
}

func TestRefreshTokenGrant_Rejections(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := createTestClient(t, srv)

	_, err := srv.ProcessGrant(context.Background(), refreshRequest(client, "", ""))
	assertKind(t, err, ErrInvalidRequest)

	_, err = srv.ProcessGrant(context.Background(), refreshRequest(client, "unknown", ""))
	assertKind(t, err, ErrInvalidGrant)
}
