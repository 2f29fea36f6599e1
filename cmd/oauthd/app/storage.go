package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/storage/cache"
	"github.com/giantswarm/oauth-core/storage/memory"
	"github.com/giantswarm/oauth-core/storage/postgres"
	"github.com/giantswarm/oauth-core/storage/redis"
)

// Storage backends selectable with --storage.
const (
	backendMemory   = "memory"
	backendRedis    = "redis"
	backendPostgres = "postgres"
)

// addStorageFlags registers the flags shared by every command that opens
// the stores.
func addStorageFlags(flags *pflag.FlagSet) {
	flags.String("storage", backendMemory, "Storage backend: memory, redis or postgres")
	flags.String("redis-address", "localhost:6379", "Redis server address")
	flags.String("redis-username", "", "Redis username")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", 0, "Redis database number")
	flags.String("redis-key-prefix", redis.DefaultKeyPrefix, "Prefix for all Redis keys")
	flags.String("postgres-dsn", "", "PostgreSQL connection string")
	flags.Int32("postgres-max-conns", postgres.DefaultMaxConns, "Maximum PostgreSQL connections")
	flags.Bool("postgres-migrate", true, "Create the PostgreSQL schema on startup")
	flags.Duration("cleanup-interval", time.Minute, "How often the PostgreSQL backend purges expired tokens")
	flags.Duration("client-cache-ttl", 0, "Cache client lookups in memory for this long (0 disables)")
	flags.String("encryption-key", "", "Base64 AES-256 key encrypting client secrets at rest")
}

// stores holds the opened backend.
type stores struct {
	backend string
	clients storage.ClientStore
	tokens  storage.TokenStore

	// memory is set for the memory backend so instrumentation can be attached.
	memory *memory.Store

	// runCleanup purges expired rows until ctx is done. Nil when the
	// backend expires entries itself.
	runCleanup func(ctx context.Context)

	close func()
}

// Close releases the backend connections.
func (s *stores) Close() {
	if s.close != nil {
		s.close()
	}
}

// encryptorFromConfig builds the at-rest encryptor from --encryption-key.
func encryptorFromConfig() (*security.Encryptor, error) {
	var key []byte
	if encoded := viper.GetString("encryption-key"); encoded != "" {
		var err error
		key, err = security.KeyFromBase64(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
	}
	return security.NewEncryptor(key)
}

// openStores connects to the configured backend.
func openStores(ctx context.Context, logger *slog.Logger) (*stores, error) {
	enc, err := encryptorFromConfig()
	if err != nil {
		return nil, err
	}

	var s *stores
	switch backend := viper.GetString("storage"); backend {
	case backendMemory:
		mem := memory.New()
		mem.SetLogger(logger)
		s = &stores{backend: backend, clients: mem, tokens: mem, memory: mem, close: mem.Stop}
		if enc.IsEnabled() {
			logger.Warn("Encryption key ignored by the memory backend")
		}

	case backendRedis:
		rs, err := redis.New(ctx, redis.Config{
			Address:   viper.GetString("redis-address"),
			Username:  viper.GetString("redis-username"),
			Password:  viper.GetString("redis-password"),
			DB:        viper.GetInt("redis-db"),
			KeyPrefix: viper.GetString("redis-key-prefix"),
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		rs.SetEncryptor(enc)
		s = &stores{backend: backend, clients: rs, tokens: rs, close: func() { _ = rs.Close() }}

	case backendPostgres:
		ps, err := postgres.New(ctx, postgres.Config{
			DSN:      viper.GetString("postgres-dsn"),
			MaxConns: viper.GetInt32("postgres-max-conns"),
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		if viper.GetBool("postgres-migrate") {
			if err := ps.Migrate(ctx); err != nil {
				ps.Close()
				return nil, err
			}
		}
		ps.SetEncryptor(enc)
		s = &stores{
			backend:    backend,
			clients:    ps,
			tokens:     ps,
			runCleanup: func(ctx context.Context) { ps.RunCleanup(ctx, viper.GetDuration("cleanup-interval")) },
			close:      ps.Close,
		}

	default:
		return nil, fmt.Errorf("unsupported storage backend %q", backend)
	}

	if ttl := viper.GetDuration("client-cache-ttl"); ttl > 0 && s.memory == nil {
		s.clients = cache.NewClientStore(s.clients, ttl, logger)
	}

	logger.Info("Storage ready", "backend", s.backend, "encryption", enc.IsEnabled())
	return s, nil
}
