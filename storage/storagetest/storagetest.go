// Package storagetest holds the behaviour every storage backend must share.
// Backend test files call Run with a factory for a fresh, empty store.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-core/credentials"
	"github.com/giantswarm/oauth-core/storage"
)

// Backend is a freshly initialised store under test.
type Backend struct {
	Clients storage.ClientStore
	Tokens  storage.TokenStore

	// SetGenerator replaces the generator the token store draws values from.
	SetGenerator func(credentials.Generator)
}

// Factory builds an empty Backend. Cleanup is registered on t.
type Factory func(t *testing.T) Backend

// Run executes the shared store behaviour tests.
func Run(t *testing.T, newBackend Factory) {
	t.Run("ClientLifecycle", func(t *testing.T) { testClientLifecycle(t, newBackend(t)) })
	t.Run("PresetClientID", func(t *testing.T) { testPresetClientID(t, newBackend(t)) })
	t.Run("FindByPublicIDErrors", func(t *testing.T) { testFindByPublicIDErrors(t, newBackend(t)) })
	t.Run("IssueAndFind", func(t *testing.T) { testIssueAndFind(t, newBackend(t)) })
	t.Run("IssueRequiresClient", func(t *testing.T) { testIssueRequiresClient(t, newBackend(t)) })
	t.Run("IssueRetriesOnCollision", func(t *testing.T) { testIssueRetriesOnCollision(t, newBackend(t)) })
	t.Run("IssueCollisionExhausted", func(t *testing.T) { testIssueCollisionExhausted(t, newBackend(t)) })
	t.Run("FindAndRevokeSingleUse", func(t *testing.T) { testFindAndRevokeSingleUse(t, newBackend(t)) })
	t.Run("FindAndRevokeConcurrent", func(t *testing.T) { testFindAndRevokeConcurrent(t, newBackend(t)) })
	t.Run("Revoke", func(t *testing.T) { testRevoke(t, newBackend(t)) })
	t.Run("CascadeRevocation", func(t *testing.T) { testCascadeRevocation(t, newBackend(t)) })
}

func newClient(t *testing.T, b Backend) *storage.Client {
	t.Helper()

	c := storage.NewClient(credentials.New())
	c.Name = "conformance"
	c.RedirectURIs = []string{"https://client.example.com/cb"}
	c.AllowedGrantTypes = []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken}
	require.NoError(t, b.Clients.CreateClient(context.Background(), c))
	return c
}

func testClientLifecycle(t *testing.T, b Backend) {
	ctx := context.Background()
	c := newClient(t, b)

	require.NotEmpty(t, c.ID)
	assert.NotContains(t, c.ID, "_")
	assert.False(t, c.CreatedAt.IsZero())

	got, err := b.Clients.FindByPublicID(ctx, c.PublicID())
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, c.RandomID, got.RandomID)
	assert.Equal(t, c.Secret, got.Secret)
	assert.Equal(t, c.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, c.AllowedGrantTypes, got.AllowedGrantTypes)

	got.Name = "renamed"
	got.Secret = "rotated-secret"
	got.Scopes = []string{"read"}
	require.NoError(t, b.Clients.UpdateClient(ctx, got))

	updated, err := b.Clients.FindByPublicID(ctx, c.PublicID())
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "rotated-secret", updated.Secret)
	assert.Equal(t, []string{"read"}, updated.Scopes)

	require.NoError(t, b.Clients.DeleteClient(ctx, updated))
	_, err = b.Clients.FindByPublicID(ctx, c.PublicID())
	assert.ErrorIs(t, err, storage.ErrClientNotFound)

	assert.ErrorIs(t, b.Clients.UpdateClient(ctx, updated), storage.ErrClientNotFound)
}

func testPresetClientID(t *testing.T, b Backend) {
	ctx := context.Background()
	const id = "5b0e6a3c-6f1e-4c8a-9a53-0c2f3d9e7b11"

	c := storage.NewClient(credentials.New())
	c.ID = id
	c.RedirectURIs = []string{"https://client.example.com/cb"}
	require.NoError(t, b.Clients.CreateClient(ctx, c))
	assert.Equal(t, id, c.ID)

	found, err := b.Clients.FindByPublicID(ctx, c.PublicID())
	require.NoError(t, err)
	assert.Equal(t, c.Secret, found.Secret)

	dup := storage.NewClient(credentials.New())
	dup.ID = id
	err = b.Clients.CreateClient(ctx, dup)
	assert.ErrorIs(t, err, storage.ErrClientExists)

	// The original registration is untouched.
	_, err = b.Clients.FindByPublicID(ctx, c.PublicID())
	assert.NoError(t, err)
}

func testFindByPublicIDErrors(t *testing.T, b Backend) {
	ctx := context.Background()
	c := newClient(t, b)

	tests := []struct {
		name     string
		publicID string
		wantErr  error
	}{
		{name: "no separator", publicID: "abc", wantErr: storage.ErrInvalidPublicIDFormat},
		{name: "empty id", publicID: "_abc", wantErr: storage.ErrInvalidPublicIDFormat},
		{name: "empty random id", publicID: c.ID + "_", wantErr: storage.ErrInvalidPublicIDFormat},
		{name: "unknown id", publicID: "00000000-0000-0000-0000-000000000000_" + c.RandomID, wantErr: storage.ErrClientNotFound},
		{name: "wrong random id", publicID: c.ID + "_wrong", wantErr: storage.ErrClientNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Clients.FindByPublicID(ctx, tt.publicID)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func testIssueAndFind(t *testing.T, b Backend) {
	ctx := context.Background()
	c := newClient(t, b)

	tok, err := b.Tokens.Issue(ctx, storage.IssueParams{
		Kind:     storage.KindAccessToken,
		ClientID: c.PublicID(),
		UserID:   "alice",
		Scope:    "read write",
		FamilyID: "family-1",
		TTL:      time.Hour,
	})
	require.NoError(t, err)
	require.NotEmpty(t, tok.Token)
	assert.False(t, tok.HasExpired(time.Now()))
	assert.Equal(t, storage.KindAccessToken, tok.Kind)

	found, err := b.Tokens.FindByToken(ctx, storage.KindAccessToken, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, found.ID)
	assert.Equal(t, c.PublicID(), found.ClientID)
	assert.Equal(t, "alice", found.UserID)
	assert.Equal(t, "read write", found.Scope)
	assert.Equal(t, "family-1", found.FamilyID)
	assert.WithinDuration(t, tok.ExpiresAt, found.ExpiresAt, time.Second)

	_, err = b.Tokens.FindByToken(ctx, storage.KindRefreshToken, tok.Token)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound, "lookups are scoped by kind")

	_, err = b.Tokens.FindByToken(ctx, storage.KindAccessToken, "does-not-exist")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)

	forever, err := b.Tokens.Issue(ctx, storage.IssueParams{Kind: storage.KindAccessToken, ClientID: c.PublicID()})
	require.NoError(t, err)
	found, err = b.Tokens.FindByToken(ctx, storage.KindAccessToken, forever.Token)
	require.NoError(t, err)
	assert.True(t, found.ExpiresAt.IsZero())
	assert.Equal(t, storage.NeverExpires, found.ExpiresIn(time.Now()))
}

func testIssueRequiresClient(t *testing.T, b Backend) {
	ctx := context.Background()
	c := newClient(t, b)

	_, err := b.Tokens.Issue(ctx, storage.IssueParams{
		Kind:     storage.KindAccessToken,
		ClientID: "00000000-0000-0000-0000-000000000000_" + c.RandomID,
	})
	assert.ErrorIs(t, err, storage.ErrClientNotFound)

	_, err = b.Tokens.Issue(ctx, storage.IssueParams{Kind: storage.KindAccessToken, ClientID: c.ID + "_wrong"})
	assert.ErrorIs(t, err, storage.ErrClientNotFound)

	tok, err := b.Tokens.Issue(ctx, storage.IssueParams{Kind: storage.KindAccessToken, ClientID: c.PublicID(), TTL: time.Hour})
	require.NoError(t, err)

	require.NoError(t, b.Clients.DeleteClient(ctx, c))
	_, err = b.Tokens.Issue(ctx, storage.IssueParams{Kind: storage.KindRefreshToken, ClientID: c.PublicID(), TTL: time.Hour})
	assert.ErrorIs(t, err, storage.ErrClientNotFound, "a deleted client gets no new tokens")

	// Sweeping after the delete still reaches tokens issued before it.
	n, err := b.Tokens.RevokeAllForClient(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assertRevoked(t, b, tok, true)
}

func testIssueRetriesOnCollision(t *testing.T, b Backend) {
	ctx := context.Background()
	c := newClient(t, b)

	b.SetGenerator(credentials.Sequence("dup-value", "dup-value", "dup-value", "fresh-value"))

	first, err := b.Tokens.Issue(ctx, storage.IssueParams{Kind: storage.KindAccessToken, ClientID: c.PublicID(), TTL: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "dup-value", first.Token)

	second, err := b.Tokens.Issue(ctx, storage.IssueParams{Kind: storage.KindRefreshToken, ClientID: c.PublicID(), TTL: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "fresh-value", second.Token, "token values are unique across kinds")
}

func testIssueCollisionExhausted(t *testing.T, b Backend) {
	ctx := context.Background()
	c := newClient(t, b)

	b.SetGenerator(credentials.Func(func() string { return "always-the-same" }))

	_, err := b.Tokens.Issue(ctx, storage.IssueParams{Kind: storage.KindAccessToken, ClientID: c.PublicID()})
	require.NoError(t, err)

	_, err = b.Tokens.Issue(ctx, storage.IssueParams{Kind: storage.KindAccessToken, ClientID: c.PublicID()})
	assert.ErrorIs(t, err, storage.ErrTokenCollision)
}

func testFindAndRevokeSingleUse(t *testing.T, b Backend) {
	ctx := context.Background()
	c := newClient(t, b)

	code, err := b.Tokens.Issue(ctx, storage.IssueParams{
		Kind:        storage.KindAuthCode,
		ClientID:    c.PublicID(),
		UserID:      "alice",
		RedirectURI: "https://client.example.com/cb",
		TTL:         10 * time.Minute,
	})
	require.NoError(t, err)

	got, err := b.Tokens.FindAndRevoke(ctx, storage.KindAuthCode, code.Token)
	require.NoError(t, err)
	assert.Equal(t, code.ID, got.ID)
	assert.Equal(t, "https://client.example.com/cb", got.RedirectURI)

	again, err := b.Tokens.FindAndRevoke(ctx, storage.KindAuthCode, code.Token)
	assert.ErrorIs(t, err, storage.ErrTokenRevoked)
	require.NotNil(t, again, "a reused token is returned for lineage revocation")
	assert.True(t, again.IsRevoked())

	found, err := b.Tokens.FindByToken(ctx, storage.KindAuthCode, code.Token)
	assert.ErrorIs(t, err, storage.ErrTokenRevoked)
	require.NotNil(t, found)

	_, err = b.Tokens.FindAndRevoke(ctx, storage.KindAuthCode, "missing")
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
}

func testFindAndRevokeConcurrent(t *testing.T, b Backend) {
	ctx := context.Background()
	c := newClient(t, b)

	code, err := b.Tokens.Issue(ctx, storage.IssueParams{Kind: storage.KindAuthCode, ClientID: c.PublicID(), TTL: time.Minute})
	require.NoError(t, err)

	const workers = 16
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		reuses    atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := b.Tokens.FindAndRevoke(ctx, storage.KindAuthCode, code.Token)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, storage.ErrTokenRevoked):
				reuses.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load(), "exactly one exchange succeeds")
	assert.Equal(t, int32(workers-1), reuses.Load())
}

func testRevoke(t *testing.T, b Backend) {
	ctx := context.Background()
	c := newClient(t, b)

	tok, err := b.Tokens.Issue(ctx, storage.IssueParams{Kind: storage.KindAccessToken, ClientID: c.PublicID(), TTL: time.Hour})
	require.NoError(t, err)

	require.NoError(t, b.Tokens.Revoke(ctx, tok))
	require.NoError(t, b.Tokens.Revoke(ctx, tok), "revoking twice is a no-op")

	_, err = b.Tokens.FindByToken(ctx, storage.KindAccessToken, tok.Token)
	assert.ErrorIs(t, err, storage.ErrTokenRevoked)

	missing := &storage.Token{Kind: storage.KindAccessToken, Token: "missing"}
	assert.ErrorIs(t, b.Tokens.Revoke(ctx, missing), storage.ErrTokenNotFound)
}

func testCascadeRevocation(t *testing.T, b Backend) {
	ctx := context.Background()
	c1 := newClient(t, b)
	c2 := newClient(t, b)

	issue := func(client *storage.Client, kind storage.TokenKind, user, family string) *storage.Token {
		t.Helper()
		tok, err := b.Tokens.Issue(ctx, storage.IssueParams{
			Kind:     kind,
			ClientID: client.PublicID(),
			UserID:   user,
			FamilyID: family,
			TTL:      time.Hour,
		})
		require.NoError(t, err)
		return tok
	}

	a1 := issue(c1, storage.KindAccessToken, "alice", "fam-a")
	r1 := issue(c1, storage.KindRefreshToken, "alice", "fam-a")
	a2 := issue(c1, storage.KindAccessToken, "bob", "fam-b")
	a3 := issue(c2, storage.KindAccessToken, "alice", "fam-c")
	a4 := issue(c2, storage.KindAccessToken, "", "")

	n, err := b.Tokens.RevokeFamily(ctx, "fam-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assertRevoked(t, b, a1, true)
	assertRevoked(t, b, r1, true)
	assertRevoked(t, b, a2, false)

	n, err = b.Tokens.RevokeFamily(ctx, "fam-a")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already revoked tokens are not counted")

	n, err = b.Tokens.RevokeAllForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assertRevoked(t, b, a3, true)
	assertRevoked(t, b, a4, false)

	n, err = b.Tokens.RevokeAllForClient(ctx, c1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assertRevoked(t, b, a2, true)
	assertRevoked(t, b, a4, false)

	n, err = b.Tokens.RevokeAllForClient(ctx, c2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assertRevoked(t, b, a4, true)
}

func assertRevoked(t *testing.T, b Backend, tok *storage.Token, want bool) {
	t.Helper()

	_, err := b.Tokens.FindByToken(context.Background(), tok.Kind, tok.Token)
	if want {
		assert.ErrorIs(t, err, storage.ErrTokenRevoked)
	} else {
		assert.NoError(t, err)
	}
}
