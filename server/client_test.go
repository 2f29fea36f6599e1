package server

import (
	"context"
	"errors"
	"testing"

	"github.com/giantswarm/oauth-core/credentials"
	"github.com/giantswarm/oauth-core/internal/testutil"
	"github.com/giantswarm/oauth-core/storage"
)

func TestCreateClient_AssignsCredentials(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	srv.SetGenerator(credentials.Sequence("random-id", "secret-value"))

	client, err := srv.CreateClient(context.Background(), ClientSpec{
		Name:         "App",
		RedirectURIs: []string{testutil.TestRedirectURI},
	})
	if err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}

	if client.ID == "" {
		t.Error("ID should be assigned by the store")
	}
	if client.RandomID != "random-id" {
		t.Errorf("RandomID = %q, want random-id", client.RandomID)
	}
	if client.Secret != "secret-value" {
		t.Errorf("Secret = %q, want secret-value", client.Secret)
	}
	if len(client.AllowedGrantTypes) != 1 || client.AllowedGrantTypes[0] != storage.GrantTypeAuthorizationCode {
		t.Errorf("AllowedGrantTypes = %v, want [authorization_code]", client.AllowedGrantTypes)
	}

	found, err := srv.GetClient(context.Background(), client.PublicID())
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if found.Name != "App" {
		t.Errorf("Name = %q, want App", found.Name)
	}
}

func TestCreateClient_Public(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	client, err := srv.CreateClient(context.Background(), ClientSpec{
		RedirectURIs: []string{testutil.TestRedirectURI},
		Public:       true,
	})
	if err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}
	if !client.IsPublic() {
		t.Error("client should be public")
	}
	if !client.CheckSecret("anything") {
		t.Error("public client should accept any secret")
	}
}

func TestCreateClient_PresetCredentials(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	client, err := srv.CreateClient(context.Background(), ClientSpec{
		RedirectURIs: []string{testutil.TestRedirectURI},
		RandomID:     "dashboard",
		Secret:       "s3cret",
	})
	if err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}
	if client.RandomID != "dashboard" {
		t.Errorf("RandomID = %q, want dashboard", client.RandomID)
	}

	if _, err := srv.AuthenticateClient(context.Background(), client.PublicID(), "s3cret", ""); err != nil {
		t.Errorf("AuthenticateClient() error = %v", err)
	}

	_, err = srv.CreateClient(context.Background(), ClientSpec{
		ID:           client.ID,
		RedirectURIs: []string{testutil.TestRedirectURI},
	})
	if !errors.Is(err, storage.ErrClientExists) {
		t.Errorf("duplicate id: error = %v, want ErrClientExists", err)
	}

	_, err = srv.CreateClient(context.Background(), ClientSpec{
		RedirectURIs: []string{testutil.TestRedirectURI},
		Public:       true,
		Secret:       "s3cret",
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("public client with secret: error = %v, want ErrInvalidRequest", err)
	}

	_, err = srv.CreateClient(context.Background(), ClientSpec{
		ID:           "dashboard",
		RedirectURIs: []string{testutil.TestRedirectURI},
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("non-UUID id: error = %v, want ErrInvalidRequest", err)
	}
}

func TestCreateClient_Validation(t *testing.T) {
	tests := []struct {
		name     string
		spec     ClientSpec
		wantKind error
	}{
		{
			name:     "relative redirect uri",
			spec:     ClientSpec{RedirectURIs: []string{"/callback"}},
			wantKind: ErrInvalidRequest,
		},
		{
			name:     "fragment in redirect uri",
			spec:     ClientSpec{RedirectURIs: []string{"https://app.example.com/cb#frag"}},
			wantKind: ErrInvalidRequest,
		},
		{
			name:     "javascript scheme",
			spec:     ClientSpec{RedirectURIs: []string{"javascript:alert(1)"}},
			wantKind: ErrInvalidRequest,
		},
		{
			name:     "unknown grant type",
			spec:     ClientSpec{AllowedGrantTypes: []string{"magic"}},
			wantKind: ErrInvalidRequest,
		},
		{
			name:     "unsupported scope",
			spec:     ClientSpec{Scopes: []string{"admin"}},
			wantKind: ErrInvalidScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &Config{
				Issuer:          "https://auth.example.com",
				SupportedScopes: []string{"read", "write"},
			})
			_, err := srv.CreateClient(context.Background(), tt.spec)
			assertKind(t, err, tt.wantKind)
		})
	}
}

func TestGetClient_InvalidClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := createTestClient(t, srv)

	for _, id := range []string{"", "malformed", client.ID + "_wrong", "missing_random"} {
		_, err := srv.GetClient(context.Background(), id)
		assertKind(t, err, ErrInvalidClient)
	}
}

func TestAuthenticateClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := createTestClient(t, srv)

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{name: "valid", clientID: client.PublicID(), secret: client.Secret},
		{name: "wrong secret", clientID: client.PublicID(), secret: "wrong", wantErr: true},
		{name: "empty secret", clientID: client.PublicID(), secret: "", wantErr: true},
		{name: "unknown client", clientID: client.ID + "_other", secret: client.Secret, wantErr: true},
		{name: "malformed id", clientID: "nounderscore", secret: client.Secret, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := srv.AuthenticateClient(context.Background(), tt.clientID, tt.secret, "192.0.2.1")
			if tt.wantErr {
				assertKind(t, err, ErrInvalidClient)
				return
			}
			if err != nil {
				t.Fatalf("AuthenticateClient() error = %v", err)
			}
			if got.PublicID() != client.PublicID() {
				t.Errorf("PublicID() = %q, want %q", got.PublicID(), client.PublicID())
			}
		})
	}
}

func TestUpdateClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := createTestClient(t, srv)

	client.RedirectURIs = append(client.RedirectURIs, "https://client.example.com/other")
	client.AllowedGrantTypes = append(client.AllowedGrantTypes, storage.GrantTypeClientCredentials)
	if err := srv.UpdateClient(context.Background(), client); err != nil {
		t.Fatalf("UpdateClient() error = %v", err)
	}

	found, err := srv.GetClient(context.Background(), client.PublicID())
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if !found.HasRedirectURI("https://client.example.com/other") {
		t.Error("updated redirect URI missing")
	}
	if !found.IsGrantTypeAllowed(storage.GrantTypeClientCredentials) {
		t.Error("updated grant type missing")
	}

	client.RedirectURIs = []string{"not a uri"}
	assertKind(t, srv.UpdateClient(context.Background(), client), ErrInvalidRequest)
}

func TestRotateClientSecret(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client := createTestClient(t, srv)
	oldSecret := client.Secret

	rotated, err := srv.RotateClientSecret(context.Background(), client.PublicID())
	if err != nil {
		t.Fatalf("RotateClientSecret() error = %v", err)
	}
	if rotated.Secret == oldSecret {
		t.Error("secret was not rotated")
	}

	if _, err := srv.AuthenticateClient(context.Background(), client.PublicID(), oldSecret, ""); err == nil {
		t.Error("old secret should no longer authenticate")
	}
	if _, err := srv.AuthenticateClient(context.Background(), client.PublicID(), rotated.Secret, ""); err != nil {
		t.Errorf("new secret should authenticate: %v", err)
	}
}

func TestRotateClientSecret_PublicClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client, err := srv.CreateClient(context.Background(), ClientSpec{Public: true})
	if err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}

	_, err = srv.RotateClientSecret(context.Background(), client.PublicID())
	assertKind(t, err, ErrInvalidRequest)
}

func TestDeleteClient_RevokesTokens(t *testing.T) {
	ctx := context.Background()
	srv, store := newTestServer(t, nil)
	client := createTestClient(t, srv, storage.GrantTypeClientCredentials)

	result, err := srv.ProcessGrant(ctx, &GrantRequest{GrantType: storage.GrantTypeClientCredentials, Client: client})
	if err != nil {
		t.Fatalf("ProcessGrant() error = %v", err)
	}

	revoked, err := srv.DeleteClient(ctx, client)
	if err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	if revoked != 1 {
		t.Errorf("revoked = %d, want 1", revoked)
	}

	_, err = store.FindByToken(ctx, storage.KindAccessToken, result.AccessToken.Token)
	if !errors.Is(err, storage.ErrTokenRevoked) {
		t.Errorf("access token should be revoked, got %v", err)
	}

	_, err = srv.GetClient(ctx, client.PublicID())
	assertKind(t, err, ErrInvalidClient)
}

func TestDeleteClient_StopsIssuance(t *testing.T) {
	ctx := context.Background()
	srv, store := newTestServer(t, nil)
	client := createTestClient(t, srv, storage.GrantTypeClientCredentials)

	// The caller authenticated the client before it was deleted.
	if _, err := srv.DeleteClient(ctx, client); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}

	_, err := srv.ProcessGrant(ctx, &GrantRequest{GrantType: storage.GrantTypeClientCredentials, Client: client})
	assertKind(t, err, ErrInvalidClient)

	n, err := store.RevokeAllForClient(ctx, client)
	if err != nil {
		t.Fatalf("RevokeAllForClient() error = %v", err)
	}
	if n != 0 {
		t.Errorf("%d live tokens exist for the deleted client, want 0", n)
	}
}
