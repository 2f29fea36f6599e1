package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-core/internal/testutil"
	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/storage/memory"
	"github.com/giantswarm/oauth-core/storage/storagetest"
)

// countingStore counts lookups reaching the underlying store.
type countingStore struct {
	storage.ClientStore
	finds atomic.Int32
}

func (c *countingStore) FindByPublicID(ctx context.Context, publicID string) (*storage.Client, error) {
	c.finds.Add(1)
	return c.ClientStore.FindByPublicID(ctx, publicID)
}

// gatedStore holds the result of the first lookup until release is closed.
type gatedStore struct {
	storage.ClientStore
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
}

func (g *gatedStore) FindByPublicID(ctx context.Context, publicID string) (*storage.Client, error) {
	c, err := g.ClientStore.FindByPublicID(ctx, publicID)
	if g.calls.Add(1) == 1 {
		close(g.started)
		<-g.release
	}
	return c, err
}

func newTestStore(t *testing.T) (*ClientStore, *countingStore, *memory.Store) {
	t.Helper()

	mem := memory.New()
	t.Cleanup(mem.Stop)
	mem.SetLogger(testutil.DiscardLogger())

	counting := &countingStore{ClientStore: mem}
	return NewClientStore(counting, 0, testutil.DiscardLogger()), counting, mem
}

func TestClientStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Backend {
		cached, _, mem := newTestStore(t)
		return storagetest.Backend{
			Clients:      cached,
			Tokens:       mem,
			SetGenerator: mem.SetGenerator,
		}
	})
}

func TestClientStore_CachesLookups(t *testing.T) {
	ctx := context.Background()
	cached, counting, _ := newTestStore(t)

	c := testutil.GenerateTestClient()
	require.NoError(t, cached.CreateClient(ctx, c))

	for range 3 {
		got, err := cached.FindByPublicID(ctx, c.PublicID())
		require.NoError(t, err)
		assert.Equal(t, c.Secret, got.Secret)
	}
	assert.Equal(t, int32(1), counting.finds.Load())
	assert.Equal(t, 1, cached.Len())
}

func TestClientStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	cached, _, _ := newTestStore(t)

	c := testutil.GenerateTestClient()
	require.NoError(t, cached.CreateClient(ctx, c))

	first, err := cached.FindByPublicID(ctx, c.PublicID())
	require.NoError(t, err)
	first.Name = "mutated"
	first.RedirectURIs[0] = "https://evil.example.com"

	second, err := cached.FindByPublicID(ctx, c.PublicID())
	require.NoError(t, err)
	assert.Equal(t, c.Name, second.Name)
	assert.Equal(t, testutil.TestRedirectURI, second.RedirectURIs[0])
}

func TestClientStore_UpdateInvalidates(t *testing.T) {
	ctx := context.Background()
	cached, counting, _ := newTestStore(t)

	c := testutil.GenerateTestClient()
	require.NoError(t, cached.CreateClient(ctx, c))
	_, err := cached.FindByPublicID(ctx, c.PublicID())
	require.NoError(t, err)

	c.Secret = "rotated"
	require.NoError(t, cached.UpdateClient(ctx, c))

	got, err := cached.FindByPublicID(ctx, c.PublicID())
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.Secret)
	assert.Equal(t, int32(2), counting.finds.Load())
}

func TestClientStore_DeleteInvalidates(t *testing.T) {
	ctx := context.Background()
	cached, _, _ := newTestStore(t)

	c := testutil.GenerateTestClient()
	require.NoError(t, cached.CreateClient(ctx, c))
	_, err := cached.FindByPublicID(ctx, c.PublicID())
	require.NoError(t, err)

	require.NoError(t, cached.DeleteClient(ctx, c))

	_, err = cached.FindByPublicID(ctx, c.PublicID())
	assert.ErrorIs(t, err, storage.ErrClientNotFound)
}

func TestClientStore_RandomIDMismatchMisses(t *testing.T) {
	ctx := context.Background()
	cached, _, _ := newTestStore(t)

	c := testutil.GenerateTestClient()
	require.NoError(t, cached.CreateClient(ctx, c))
	_, err := cached.FindByPublicID(ctx, c.PublicID())
	require.NoError(t, err)

	_, err = cached.FindByPublicID(ctx, c.ID+"_wrong")
	assert.ErrorIs(t, err, storage.ErrClientNotFound)
}

func TestClientStore_ConcurrentMissesShareLookup(t *testing.T) {
	ctx := context.Background()
	cached, counting, _ := newTestStore(t)

	c := testutil.GenerateTestClient()
	require.NoError(t, cached.CreateClient(ctx, c))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cached.FindByPublicID(ctx, c.PublicID())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, counting.finds.Load(), int32(20))
	assert.GreaterOrEqual(t, counting.finds.Load(), int32(1))
}

func TestClientStore_DeleteDuringLookup(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	t.Cleanup(mem.Stop)
	mem.SetLogger(testutil.DiscardLogger())

	gated := &gatedStore{ClientStore: mem, started: make(chan struct{}), release: make(chan struct{})}
	cached := NewClientStore(gated, time.Minute, testutil.DiscardLogger())

	c := testutil.GenerateTestClient()
	require.NoError(t, cached.CreateClient(ctx, c))

	// The lookup reads the client, then stalls before caching it.
	slow := make(chan error, 1)
	go func() {
		_, err := cached.FindByPublicID(ctx, c.PublicID())
		slow <- err
	}()
	<-gated.started

	require.NoError(t, cached.DeleteClient(ctx, c))

	// A lookup after the delete does not join the stalled one.
	fresh := make(chan error, 1)
	go func() {
		_, err := cached.FindByPublicID(ctx, c.PublicID())
		fresh <- err
	}()
	select {
	case err := <-fresh:
		assert.ErrorIs(t, err, storage.ErrClientNotFound)
	case <-time.After(5 * time.Second):
		close(gated.release)
		t.Fatal("lookup after delete waited on the earlier lookup")
	}

	close(gated.release)
	require.NoError(t, <-slow, "the stalled lookup read the client before the delete")

	_, err := cached.FindByPublicID(ctx, c.PublicID())
	assert.ErrorIs(t, err, storage.ErrClientNotFound, "deleted client must not be cached")
	assert.Zero(t, cached.Len())
}
