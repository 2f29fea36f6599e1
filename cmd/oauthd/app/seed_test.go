package app

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-core/server"
	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/storage/memory"
)

const seedYAML = `
clients:
  - id: 5b0e6a3c-6f1e-4c8a-9a53-0c2f3d9e7b11
    random_id: dashboard
    secret: change-me
    name: Dashboard
    redirect_uris: [https://dashboard.example.com/callback]
    grant_types: [authorization_code, refresh_token]
    scopes: [read]
  - name: CLI
    redirect_uris: [http://localhost:8085/callback]
    public: true
users:
  - username: alice
    password: wonderland
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDecodeSeed(t *testing.T) {
	seed, err := decodeSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)

	require.Len(t, seed.Clients, 2)
	assert.Equal(t, "dashboard", seed.Clients[0].RandomID)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, seed.Clients[0].GrantTypes)
	assert.True(t, seed.Clients[1].Public)
	require.Len(t, seed.Users, 1)
	assert.Equal(t, "alice", seed.Users[0].Username)
}

func TestDecodeSeed_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "unknown key", input: "clients:\n  - name: x\n    color: blue\n"},
		{name: "wrong type", input: "clients: 3\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeSeed(strings.NewReader(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestDecodeSeed_Empty(t *testing.T) {
	seed, err := decodeSeed(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, seed.Clients)
}

func TestIdentityVerifier(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	v, err := identityVerifier([]SeedUser{
		{Username: "alice", Password: "wonderland"},
		{Username: "bob", PasswordHash: string(hash)},
	})
	require.NoError(t, err)
	require.NotNil(t, v)

	ctx := context.Background()
	userID, err := v.VerifyCredentials(ctx, "bob", "secret")
	require.NoError(t, err)
	assert.Equal(t, "bob", userID)
	_, err = v.VerifyCredentials(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, server.ErrInvalidCredentials)

	none, err := identityVerifier(nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = identityVerifier([]SeedUser{{Username: "carol", Password: "a", PasswordHash: string(hash)}})
	assert.Error(t, err)
}

func TestApplyClients(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	t.Cleanup(store.Stop)
	srv, err := server.New(store, store, &server.Config{}, discardLogger())
	require.NoError(t, err)

	seed, err := decodeSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)

	seeded, err := applyClients(ctx, srv, seed.Clients, discardLogger())
	require.NoError(t, err)
	require.Len(t, seeded, 2)

	dashboard := seeded[0].client
	assert.Equal(t, "5b0e6a3c-6f1e-4c8a-9a53-0c2f3d9e7b11_dashboard", dashboard.PublicID())
	_, err = srv.AuthenticateClient(ctx, dashboard.PublicID(), "change-me", "")
	assert.NoError(t, err)
	assert.True(t, seeded[1].client.IsPublic())

	// Re-applying skips the client with a fixed id.
	again, err := applyClients(ctx, srv, seed.Clients[:1], discardLogger())
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.True(t, again[0].existed)

	var out strings.Builder
	printClients(&out, append(seeded, again...))
	assert.Contains(t, out.String(), "client_id:     "+dashboard.PublicID())
	assert.Contains(t, out.String(), "client_secret: change-me")
	assert.Equal(t, 1, strings.Count(out.String(), "client_secret:"), "public clients have no secret")
}

func TestApplyClients_InvalidClient(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)
	srv, err := server.New(store, store, &server.Config{}, discardLogger())
	require.NoError(t, err)

	_, err = applyClients(context.Background(), srv, []SeedClient{
		{Name: "bad", RedirectURIs: []string{"/relative"}},
	}, discardLogger())
	assert.ErrorIs(t, err, server.ErrInvalidRequest)
	assert.NotErrorIs(t, err, storage.ErrClientExists)
}
