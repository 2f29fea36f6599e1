package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth-core/credentials"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all keys
	DefaultKeyPrefix = "oauth:"

	// Default timeouts for Redis operations.
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// MaxTokenLength bounds token values accepted for lookup.
	MaxTokenLength = 512
)

// Config holds configuration for the Redis storage backend.
type Config struct {
	// Address is the Redis server address (required), e.g. "localhost:6379"
	Address string

	Username string
	Password string
	DB       int

	// KeyPrefix is the prefix for all keys (default "oauth:").
	// Issuing touches several keys in one script, so on Redis Cluster the
	// prefix must carry a hash tag, e.g. "{oauth}:".
	KeyPrefix string

	// TLS enables encrypted connections when set
	TLS *tls.Config

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// RevokedRetention is how long revoked non-expiring tokens are kept.
	// Default: storage.DefaultRevokedRetention
	RevokedRetention time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Redis-backed implementation of ClientStore and TokenStore.
type Store struct {
	client goredis.UniversalClient
	prefix string
	logger *slog.Logger
	now    func() time.Time

	gracePeriod      time.Duration
	revokedRetention time.Duration

	mu        sync.RWMutex
	generator credentials.Generator
	encryptor *security.Encryptor
}

var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// New connects to Redis and returns a store.
// Returns an error if the connection cannot be established.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		TLSConfig:    cfg.TLS,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewWithClient(client, cfg.KeyPrefix)
	if cfg.Logger != nil {
		s.logger = cfg.Logger
	}
	if cfg.RevokedRetention > 0 {
		s.revokedRetention = cfg.RevokedRetention
	}

	s.logger.Info("Connected to Redis storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix)

	return s, nil
}

// NewWithClient wraps an existing client. An empty prefix selects
// DefaultKeyPrefix.
func NewWithClient(client goredis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{
		client:           client,
		prefix:           keyPrefix,
		logger:           slog.Default(),
		now:              time.Now,
		gracePeriod:      security.DefaultClockSkewGracePeriod,
		revokedRetention: storage.DefaultRevokedRetention,
		generator:        credentials.New(),
	}
}

// Close closes the Redis client connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetGenerator replaces the generator used for token values.
func (s *Store) SetGenerator(gen credentials.Generator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != nil {
		s.generator = gen
	}
}

// SetEncryptor enables sealing of client secrets at rest.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Client secret encryption at rest enabled for Redis storage")
	}
}

func (s *Store) getGenerator() credentials.Generator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generator
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encryptor
}

// ============================================================
// Key Helpers
// ============================================================

func (s *Store) clientKey(id string) string {
	return s.prefix + "client:" + id
}

func (s *Store) tokenKeyPrefix() string {
	return s.prefix + "token:"
}

func (s *Store) tokenKey(value string) string {
	return s.tokenKeyPrefix() + value
}

func (s *Store) familyKey(familyID string) string {
	return s.prefix + "family:" + familyID
}

func (s *Store) clientTokensKey(publicID string) string {
	return s.prefix + "client-tokens:" + publicID
}

func (s *Store) userTokensKey(userID string) string {
	return s.prefix + "user-tokens:" + userID
}
