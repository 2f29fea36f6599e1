package server

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/giantswarm/oauth-core/internal/testutil"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/storage/memory"
)

// newTestServer returns a server on a fresh memory store.
func newTestServer(t *testing.T, config *Config) (*Server, *memory.Store) {
	t.Helper()

	store := memory.New()
	store.SetLogger(testutil.DiscardLogger())
	t.Cleanup(store.Stop)

	if config == nil {
		config = &Config{Issuer: "https://auth.example.com"}
	}
	srv, err := New(store, store, config, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.SetAuditor(security.NewAuditor(testutil.DiscardLogger(), true))
	return srv, store
}

// createTestClient registers a confidential client allowed grantTypes.
func createTestClient(t *testing.T, srv *Server, grantTypes ...string) *storage.Client {
	t.Helper()

	if len(grantTypes) == 0 {
		grantTypes = []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken}
	}
	client, err := srv.CreateClient(context.Background(), ClientSpec{
		Name:              "Test Client",
		RedirectURIs:      []string{testutil.TestRedirectURI},
		AllowedGrantTypes: grantTypes,
	})
	if err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}
	return client
}

// assertKind fails the test unless err carries the given kind.
func assertKind(t *testing.T, err, kind error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v error, got nil", kind)
	}
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v error, got %v", kind, err)
	}
}

func TestNew(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	if srv.Config.Issuer != "https://auth.example.com" {
		t.Errorf("Issuer = %q", srv.Config.Issuer)
	}
	if srv.Logger == nil {
		t.Error("Logger should not be nil")
	}
	for _, gt := range []string{
		storage.GrantTypeAuthorizationCode,
		storage.GrantTypeRefreshToken,
		storage.GrantTypeClientCredentials,
	} {
		if !slices.Contains(srv.SupportedGrantTypes(), gt) {
			t.Errorf("SupportedGrantTypes() missing %q", gt)
		}
	}
	if slices.Contains(srv.SupportedGrantTypes(), storage.GrantTypePassword) {
		t.Error("password grant should not be advertised without an identity verifier")
	}
}

func TestNew_NilConfig(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	srv, err := New(store, store, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if srv.Config == nil {
		t.Fatal("Config should not be nil when nil is passed")
	}
	if srv.Config.AuthorizationCodeTTL != 600 {
		t.Errorf("AuthorizationCodeTTL = %d, want 600", srv.Config.AuthorizationCodeTTL)
	}
}

func TestNew_MissingStores(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	if _, err := New(nil, store, nil, nil); err == nil {
		t.Error("expected error for missing client store")
	}
	if _, err := New(store, nil, nil, nil); err == nil {
		t.Error("expected error for missing token store")
	}
}

func TestNew_HTTPSEnforcement(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "https", config: Config{Issuer: "https://auth.example.com"}},
		{name: "http localhost", config: Config{Issuer: "http://localhost:8080"}},
		{name: "http loopback ip", config: Config{Issuer: "http://127.0.0.1:8080"}},
		{name: "http ipv6 loopback", config: Config{Issuer: "http://[::1]:8080"}},
		{name: "http remote", config: Config{Issuer: "http://auth.example.com"}, wantErr: true},
		{name: "http remote allowed", config: Config{Issuer: "http://auth.example.com", AllowInsecureHTTP: true}},
		{name: "bad scheme", config: Config{Issuer: "ftp://auth.example.com"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			defer store.Stop()

			cfg := tt.config
			_, err := New(store, store, &cfg, testutil.DiscardLogger())
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegisterGrantHandler(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	called := false
	srv.RegisterGrantHandler("urn:example:custom", GrantHandlerFunc(func(ctx context.Context, req *GrantRequest) (*GrantResult, error) {
		called = true
		return srv.issueTokens(ctx, tokenGrant{client: req.Client, scope: "custom"})
	}))
	client := createTestClient(t, srv, "urn:example:custom")

	result, err := srv.ProcessGrant(context.Background(), &GrantRequest{GrantType: "urn:example:custom", Client: client})
	if err != nil {
		t.Fatalf("ProcessGrant() error = %v", err)
	}
	if !called {
		t.Error("custom handler was not called")
	}
	if result.Scope != "custom" {
		t.Errorf("Scope = %q, want custom", result.Scope)
	}
}
