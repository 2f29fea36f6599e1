// Package cache wraps a storage.ClientStore with a short-lived in-process
// read cache. Client lookups happen on every token request, while clients
// change rarely; updates and deletes made through the wrapper invalidate
// the entry immediately.
//
// Entries written through another process are only seen after TTL expires.
package cache

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/oauth-core/storage"
)

const (
	// DefaultTTL is how long a client stays cached.
	DefaultTTL = 30 * time.Second

	// DefaultCleanupInterval is how often expired entries are purged.
	DefaultCleanupInterval = time.Minute
)

// ClientStore caches FindByPublicID results of an underlying store.
type ClientStore struct {
	next   storage.ClientStore
	cache  *gocache.Cache
	group  singleflight.Group
	logger *slog.Logger

	// generations counts invalidations per client id. A lookup only
	// populates the cache when no invalidation happened while it ran.
	mu          sync.Mutex
	generations map[string]uint64
}

var _ storage.ClientStore = (*ClientStore)(nil)

// NewClientStore wraps next. A ttl of zero uses DefaultTTL.
func NewClientStore(next storage.ClientStore, ttl time.Duration, logger *slog.Logger) *ClientStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientStore{
		next:   next,
		cache:       gocache.New(ttl, DefaultCleanupInterval),
		logger:      logger,
		generations: make(map[string]uint64),
	}
}

// CreateClient delegates to the underlying store.
func (s *ClientStore) CreateClient(ctx context.Context, client *storage.Client) error {
	return s.next.CreateClient(ctx, client)
}

// FindByPublicID returns a cached copy when present. Concurrent misses for
// the same client share one lookup, unless the client was invalidated in
// between.
func (s *ClientStore) FindByPublicID(ctx context.Context, publicID string) (*storage.Client, error) {
	id, randomID, err := storage.ParsePublicID(publicID)
	if err != nil {
		return nil, err
	}

	if c, ok := s.get(id, randomID); ok {
		return c, nil
	}

	gen := s.generation(id)
	key := publicID + "@" + strconv.FormatUint(gen, 10)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		if c, ok := s.get(id, randomID); ok {
			return c, nil
		}
		c, err := s.next.FindByPublicID(ctx, publicID)
		if err != nil {
			return nil, err
		}
		s.setIfCurrent(id, gen, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*storage.Client).Clone(), nil
}

// get returns a copy of the cached client with the given id when its
// random id matches.
func (s *ClientStore) get(id, randomID string) (*storage.Client, bool) {
	v, ok := s.cache.Get(id)
	if !ok {
		return nil, false
	}
	c := v.(*storage.Client)
	if c.RandomID != randomID {
		return nil, false
	}
	return c.Clone(), true
}

func (s *ClientStore) generation(id string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generations[id]
}

// setIfCurrent caches c unless id was invalidated since gen was read.
func (s *ClientStore) setIfCurrent(id string, gen uint64, c *storage.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generations[id] != gen {
		s.logger.Debug("Discarded client lookup that raced an invalidation", "id", id)
		return
	}
	s.cache.SetDefault(id, c.Clone())
}

// UpdateClient writes through and drops the cached entry.
func (s *ClientStore) UpdateClient(ctx context.Context, client *storage.Client) error {
	err := s.next.UpdateClient(ctx, client)
	if client != nil {
		s.Invalidate(client.ID)
	}
	return err
}

// DeleteClient deletes through and drops the cached entry.
func (s *ClientStore) DeleteClient(ctx context.Context, client *storage.Client) error {
	err := s.next.DeleteClient(ctx, client)
	if client != nil {
		s.Invalidate(client.ID)
	}
	return err
}

// Invalidate removes the client with the given internal id from the cache.
func (s *ClientStore) Invalidate(id string) {
	s.mu.Lock()
	s.generations[id]++
	s.cache.Delete(id)
	s.mu.Unlock()
	s.logger.Debug("Invalidated cached client", "id", id)
}

// Len returns the number of cached clients, including expired ones not yet purged.
func (s *ClientStore) Len() int {
	return s.cache.ItemCount()
}
