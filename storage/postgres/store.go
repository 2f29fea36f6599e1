package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/giantswarm/oauth-core/credentials"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

//go:embed schema.sql
var schema string

// DefaultMaxConns is the pool size used when Config.MaxConns is zero.
const DefaultMaxConns = 8

// Config holds configuration for the PostgreSQL storage backend.
type Config struct {
	// DSN is a libpq connection string or URL (required)
	DSN string

	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration

	// RevokedRetention is how long revoked non-expiring tokens are kept.
	// Default: storage.DefaultRevokedRetention
	RevokedRetention time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a PostgreSQL-backed implementation of ClientStore and TokenStore.
type Store struct {
	pool   *pgxpool.Pool
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

// New opens a connection pool and verifies it with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres DSN: %w", err)
	}
	pcfg.MaxConns = DefaultMaxConns
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := NewWithPool(pool)
	if cfg.Logger != nil {
		s.logger = cfg.Logger
	}
	if cfg.RevokedRetention > 0 {
		s.revokedRetention = cfg.RevokedRetention
	}

	s.logger.Info("Connected to PostgreSQL storage", "max_conns", pcfg.MaxConns)
	return s, nil
}

// NewWithPool wraps an existing pool.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:             pool,
		logger:           slog.Default(),
		now:              time.Now,
		gracePeriod:      security.DefaultClockSkewGracePeriod,
		revokedRetention: storage.DefaultRevokedRetention,
		generator:        credentials.New(),
	}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
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
		s.logger.Info("Client secret encryption at rest enabled for PostgreSQL storage")
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
// Cleanup
// ============================================================

// DeleteExpired removes tokens past expiry plus the clock skew grace period
// and revoked non-expiring tokens older than the retention window.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	now := s.now()
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM oauth_tokens
		WHERE (expires_at IS NOT NULL AND expires_at < $1)
		   OR (expires_at IS NULL AND revoked_at IS NOT NULL AND revoked_at < $2)`,
		now.Add(-s.gracePeriod), now.Add(-s.revokedRetention))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RunCleanup calls DeleteExpired every interval until ctx is cancelled.
func (s *Store) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.DeleteExpired(ctx)
			if err != nil {
				s.logger.Warn("Token cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("Cleaned up expired tokens", "removed", n)
			}
		}
	}
}
