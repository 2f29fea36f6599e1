package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oauth-core/internal/testutil"
	"github.com/giantswarm/oauth-core/storage"
)

// issueCode runs the authorization endpoint for client and returns the code.
func issueCode(t *testing.T, srv *Server, client *storage.Client, scope string) *storage.Token {
	t.Helper()

	auth, err := srv.ValidateAuthorizationRequest(context.Background(), AuthorizationRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     client.PublicID(),
		RedirectURI:  testutil.TestRedirectURI,
		Scope:        scope,
		State:        "xyz",
	})
	if err != nil {
		t.Fatalf("ValidateAuthorizationRequest() error = %v", err)
	}
	result, err := srv.FinalizeAuthorization(context.Background(), auth, "alice", true)
	if err != nil {
		t.Fatalf("FinalizeAuthorization() error = %v", err)
	}
	return result.Code
}

func codeRequest(client *storage.Client, code string) *GrantRequest {
	return &GrantRequest{
		GrantType:   storage.GrantTypeAuthorizationCode,
		Client:      client,
		Code:        code,
		RedirectURI: testutil.TestRedirectURI,
	}
}

func TestAuthorizationCodeGrant_Success(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := createTestClient(t, srv)
	code := issueCode(t, srv, client, "read write")

	result, err := srv.ProcessGrant(context.Background(), codeRequest(client, code.Token))
	if err != nil {
		t.Fatalf("ProcessGrant() error = %v", err)
	}

	if result.AccessToken == nil || result.AccessToken.Token == "" {
		t.Fatal("no access token issued")
	}
	if result.RefreshToken == nil {
		t.Fatal("no refresh token issued")
	}
	if result.AccessToken.UserID != "alice" || result.RefreshToken.UserID != "alice" {
		t.Error("tokens should be bound to the code's user")
	}
	if result.Scope != "read write" {
		t.Errorf("Scope = %q, want %q", result.Scope, "read write")
	}
	if result.AccessToken.FamilyID != code.FamilyID || result.RefreshToken.FamilyID != code.FamilyID {
		t.Error("tokens should share the code's family")
	}
	if result.ExpiresIn < 3590 || result.ExpiresIn > 3600 {
		t.Errorf("ExpiresIn = %d, want about 3600", result.ExpiresIn)
	}
	if result.AccessToken.HasExpired(time.Now()) {
		t.Error("access token expired immediately after issuance")
	}
}

func TestAuthorizationCodeGrant_NoRefreshWithoutGrantType(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := createTestClient(t, srv, storage.GrantTypeAuthorizationCode)
	code := issueCode(t, srv, client, "")

	result, err := srv.ProcessGrant(context.Background(), codeRequest(client, code.Token))
	if err != nil {
		t.Fatalf("ProcessGrant() error = %v", err)
	}
	if result.RefreshToken != nil {
		t.Error("refresh token issued to a client that cannot redeem it")
	}
}

func TestAuthorizationCodeGrant_DisableRefreshTokens(t *testing.T) {
	srv, _ := newTestServer(t, &Config{Issuer: "https://auth.example.com", DisableRefreshTokens: true})
	client := createTestClient(t, srv)
	code := issueCode(t, srv, client, "")

	result, err := srv.ProcessGrant(context.Background(), codeRequest(client, code.Token))
	if err != nil {
		t.Fatalf("ProcessGrant() error = %v", err)
	}
	if result.RefreshToken != nil {
		t.Error("refresh token issued although refresh tokens are disabled")
	}
}

func TestAuthorizationCodeGrant_SingleUse(t *testing.T) {
	ctx := context.Background()
	srv, store := newTestServer(t, nil)
	client := createTestClient(t, srv)
	code := issueCode(t, srv, client, "")

	first, err := srv.ProcessGrant(ctx, codeRequest(client, code.Token))
	if err != nil {
		t.Fatalf("first exchange error = %v", err)
	}

	_, err = srv.ProcessGrant(ctx, codeRequest(client, code.Token))
	assertKind(t, err, ErrInvalidGrant)

	// Replaying the code revokes everything issued from it.
	for _, tok := range []*storage.Token{first.AccessToken, first.RefreshToken} {
		_, err := store.FindByToken(ctx, tok.Kind, tok.Token)
		if !errors.Is(err, storage.ErrTokenRevoked) {
			t.Errorf("%s should be revoked after code reuse, got %v", tok.Kind, err)
		}
	}
}

func TestAuthorizationCodeGrant_ConcurrentExchange(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := createTestClient(t, srv)
	code := issueCode(t, srv, client, "")

	const workers = 10
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		invalid   atomic.Int32
	)
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := srv.ProcessGrant(context.Background(), codeRequest(client, code.Token))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrInvalidGrant):
				invalid.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("successes = %d, want exactly 1", successes.Load())
	}
	if invalid.Load() != workers-1 {
		t.Errorf("invalid_grant = %d, want %d", invalid.Load(), workers-1)
	}
}

func TestAuthorizationCodeGrant_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(srv *Server, req *GrantRequest, other *storage.Client)
		wantKind error
	}{
		{
			name:     "missing code",
			mutate:   func(_ *Server, req *GrantRequest, _ *storage.Client) { req.Code = "" },
			wantKind: ErrInvalidRequest,
		},
		{
			name:     "unknown code",
			mutate:   func(_ *Server, req *GrantRequest, _ *storage.Client) { req.Code = "does-not-exist" },
			wantKind: ErrInvalidGrant,
		},
		{
			name:     "redirect uri mismatch",
			mutate:   func(_ *Server, req *GrantRequest, _ *storage.Client) { req.RedirectURI = "https://client.example.com/other" },
			wantKind: ErrInvalidGrant,
		},
		{
			name:     "client mismatch",
			mutate:   func(_ *Server, req *GrantRequest, other *storage.Client) { req.Client = other },
			wantKind: ErrInvalidGrant,
		},
		{
			name: "expired code",
			mutate: func(srv *Server, _ *GrantRequest, _ *storage.Client) {
				srv.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
			},
			wantKind: ErrInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, nil)
			client := createTestClient(t, srv)
			other := createTestClient(t, srv)
			code := issueCode(t, srv, client, "")

			req := codeRequest(client, code.Token)
			tt.mutate(srv, req, other)

			_, err := srv.ProcessGrant(context.Background(), req)
			assertKind(t, err, tt.wantKind)
		})
	}
}

func TestAuthorizationCodeGrant_OmittedRedirectURI(t *testing.T) {
	ctx := context.Background()
	srv, _ := newTestServer(t, nil)
	client := createTestClient(t, srv)

	auth, err := srv.ValidateAuthorizationRequest(ctx, AuthorizationRequest{
		ResponseType: ResponseTypeCode,
		ClientID:     client.PublicID(),
	})
	if err != nil {
		t.Fatalf("ValidateAuthorizationRequest() error = %v", err)
	}
	result, err := srv.FinalizeAuthorization(ctx, auth, "alice", true)
	if err != nil {
		t.Fatalf("FinalizeAuthorization() error = %v", err)
	}

	req := codeRequest(client, result.Code.Token)
	req.RedirectURI = ""
	if _, err := srv.ProcessGrant(ctx, req); err != nil {
		t.Errorf("exchange without redirect_uri error = %v", err)
	}
}

func TestProcessGrant_Dispatch(t *testing.T) {
	tests := []struct {
		name       string
		grantTypes []string
		grantType  string
		wantKind   error
	}{
		{
			name:       "unsupported grant type",
			grantTypes: []string{storage.GrantTypeAuthorizationCode},
			grantType:  "urn:ietf:params:oauth:grant-type:device_code",
			wantKind:   ErrUnsupportedGrantType,
		},
		{
			name:       "missing grant type",
			grantTypes: []string{storage.GrantTypeAuthorizationCode},
			grantType:  "",
			wantKind:   ErrInvalidRequest,
		},
		{
			name:       "client_credentials not allowed",
			grantTypes: []string{storage.GrantTypeAuthorizationCode},
			grantType:  storage.GrantTypeClientCredentials,
			wantKind:   ErrUnauthorizedClient,
		},
		{
			name:       "refresh_token not allowed",
			grantTypes: []string{storage.GrantTypeAuthorizationCode},
			grantType:  storage.GrantTypeRefreshToken,
			wantKind:   ErrUnauthorizedClient,
		},
		{
			name:       "password not allowed",
			grantTypes: []string{storage.GrantTypeClientCredentials},
			grantType:  storage.GrantTypePassword,
			wantKind:   ErrUnauthorizedClient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, nil)
			client := createTestClient(t, srv, tt.grantTypes...)

			_, err := srv.ProcessGrant(context.Background(), &GrantRequest{GrantType: tt.grantType, Client: client})
			assertKind(t, err, tt.wantKind)
		})
	}
}

func TestProcessGrant_RequiresClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	_, err := srv.ProcessGrant(context.Background(), &GrantRequest{GrantType: storage.GrantTypeClientCredentials})
	assertKind(t, err, ErrInvalidClient)
}
