package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-core/credentials"
	"github.com/giantswarm/oauth-core/internal/testutil"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/storage/storagetest"
)

// testDSNEnv names the variable holding a disposable database for the
// integration tests in this package.
const testDSNEnv = "OAUTH_TEST_POSTGRES_DSN"

func testStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDSNEnv)
	}

	ctx := context.Background()
	store, err := New(ctx, Config{DSN: dsn, Logger: testutil.DiscardLogger()})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	require.NoError(t, store.Migrate(ctx))
	_, err = store.pool.Exec(ctx, `TRUNCATE oauth_tokens, oauth_clients`)
	require.NoError(t, err)
	return store
}

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Backend {
		store := testStore(t)
		return storagetest.Backend{
			Clients:      store,
			Tokens:       store,
			SetGenerator: store.SetGenerator,
		}
	})
}

func TestNew_RequiresDSN(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestNew_InvalidDSN(t *testing.T) {
	_, err := New(context.Background(), Config{DSN: "postgres://%zz"})
	assert.Error(t, err)
}

func TestFindByPublicID_NonUUIDIsNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.FindByPublicID(context.Background(), "not-a-uuid_random")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)
}

func TestMigrate_Idempotent(t *testing.T) {
	store := testStore(t)
	assert.NoError(t, store.Migrate(context.Background()))
}

func TestDeleteExpired(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	clock := testutil.NewMockTime(time.Now().UTC())
	store.now = clock.Now
	client := testutil.GenerateTestClient()
	require.NoError(t, store.CreateClient(ctx, client))
	clientID := client.PublicID()

	short, err := store.Issue(ctx, storage.IssueParams{Kind: storage.KindAccessToken, ClientID: clientID, TTL: time.Minute})
	require.NoError(t, err)
	forever, err := store.Issue(ctx, storage.IssueParams{Kind: storage.KindRefreshToken, ClientID: clientID})
	require.NoError(t, err)
	require.NoError(t, store.Revoke(ctx, forever))

	clock.Advance(time.Minute + security.DefaultClockSkewGracePeriod + time.Second)
	n, err := store.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.FindByToken(ctx, storage.KindAccessToken, short.Token)
	assert.ErrorIs(t, err, storage.ErrTokenNotFound)
	_, err = store.FindByToken(ctx, storage.KindRefreshToken, forever.Token)
	assert.ErrorIs(t, err, storage.ErrTokenRevoked)

	clock.Advance(storage.DefaultRevokedRetention)
	n, err = store.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClientSecretEncryptedAtRest(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)
	store.SetEncryptor(enc)

	c := storage.NewClient(credentials.New())
	c.RedirectURIs = []string{testutil.TestRedirectURI}
	require.NoError(t, store.CreateClient(ctx, c))

	var raw string
	require.NoError(t, store.pool.QueryRow(ctx, `SELECT secret FROM oauth_clients WHERE id = $1`, c.ID).Scan(&raw))
	assert.NotEqual(t, c.Secret, raw)

	found, err := store.FindByPublicID(ctx, c.PublicID())
	require.NoError(t, err)
	assert.Equal(t, c.Secret, found.Secret)
}
