package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-core/credentials"
	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

const storageType = "memory"

// Store is an in-memory implementation of ClientStore and TokenStore.
type Store struct {
	mu sync.RWMutex

	clients map[string]*storage.Client // client ID -> client

	tokens   map[string]*storage.Token      // token value -> token
	byFamily map[string]map[string]struct{} // family ID -> token values
	byClient map[string]map[string]struct{} // client public ID -> token values
	byUser   map[string]map[string]struct{} // user ID -> token values

	generator credentials.Generator
	now       func() time.Time

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for the storage size gauges
	tokensCountAtomic  atomic.Int64
	clientsCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval  time.Duration
	gracePeriod      time.Duration
	revokedRetention time.Duration
	stopCleanup      chan struct{}
	stopOnce         sync.Once

	logger *slog.Logger
}

var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// New creates a new in-memory store with a one minute cleanup interval.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:          make(map[string]*storage.Client),
		tokens:           make(map[string]*storage.Token),
		byFamily:         make(map[string]map[string]struct{}),
		byClient:         make(map[string]map[string]struct{}),
		byUser:           make(map[string]map[string]struct{}),
		generator:        credentials.New(),
		now:              time.Now,
		cleanupInterval:  cleanupInterval,
		gracePeriod:      security.DefaultClockSkewGracePeriod,
		revokedRetention: storage.DefaultRevokedRetention,
		stopCleanup:      make(chan struct{}),
		logger:           slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

// SetRevokedRetention sets how long revoked non-expiring tokens are kept
// for reuse detection.
func (s *Store) SetRevokedRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.revokedRetention = d
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.tokensCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop ends the background cleanup loop. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore Implementation
// ============================================================

// CreateClient stores a copy of client, assigning a fresh id unless one is preset.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "create_client", err, startTime) }()

	if client == nil {
		return fmt.Errorf("client cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if client.ID == "" {
		client.ID = uuid.NewString()
	}
	if err = client.Validate(); err != nil {
		return err
	}
	if _, exists := s.clients[client.ID]; exists {
		return fmt.Errorf("%w: %s", storage.ErrClientExists, client.ID)
	}

	now := s.now()
	client.CreatedAt = now
	client.UpdatedAt = now

	s.clients[client.ID] = client.Clone()
	s.clientsCountAtomic.Add(1)

	s.logger.Debug("Stored client", "client_id", client.PublicID())
	return nil
}

// FindByPublicID returns a copy of the client addressed by publicID.
func (s *Store) FindByPublicID(ctx context.Context, publicID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "find_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "find_client", err, startTime) }()

	id, randomID, err := storage.ParsePublicID(publicID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	client, ok := s.clients[id]
	s.mu.RUnlock()

	if !ok || client.RandomID != randomID {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, publicID)
		return nil, err
	}
	return client.Clone(), nil
}

// UpdateClient replaces the stored client with a copy of client.
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "update_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "update_client", err, startTime) }()

	if err = client.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.clients[client.ID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, client.ID)
		return err
	}

	client.CreatedAt = existing.CreatedAt
	client.UpdatedAt = s.now()
	s.clients[client.ID] = client.Clone()
	return nil
}

// clientExistsLocked reports whether publicID addresses a stored client.
func (s *Store) clientExistsLocked(publicID string) bool {
	id, randomID, err := storage.ParsePublicID(publicID)
	if err != nil {
		return false
	}
	client, ok := s.clients[id]
	return ok && client.RandomID == randomID
}

// DeleteClient removes a client. Its tokens are left to the caller.
// Issue refuses tokens for it from then on.
func (s *Store) DeleteClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete_client", err, startTime) }()

	if client == nil {
		return fmt.Errorf("client cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client.ID]; !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, client.ID)
		return err
	}
	delete(s.clients, client.ID)
	s.clientsCountAtomic.Add(-1)
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// Issue stores a new token under a freshly generated value, drawing again
// when the value is already taken.
func (s *Store) Issue(ctx context.Context, params storage.IssueParams) (_ *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "issue")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "issue", err, startTime) }()

	if !params.Kind.Valid() {
		return nil, fmt.Errorf("invalid token kind %q", params.Kind)
	}
	if params.ClientID == "" {
		return nil, fmt.Errorf("token must belong to a client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.clientExistsLocked(params.ClientID) {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, params.ClientID)
		return nil, err
	}

	for attempt := 1; attempt <= storage.MaxIssueAttempts; attempt++ {
		value := s.generator.GenerateToken()
		if _, taken := s.tokens[value]; taken {
			s.logger.Warn("Generated token value collided, regenerating",
				"attempt", attempt,
				"token_prefix", util.TokenPrefix(value))
			continue
		}

		token := storage.NewToken(params, value, s.now())
		token.ID = uuid.NewString()
		s.insertLocked(token)

		return token.Clone(), nil
	}

	err = fmt.Errorf("%w after %d attempts", storage.ErrTokenCollision, storage.MaxIssueAttempts)
	return nil, err
}

// FindByToken looks up a token by kind and value.
func (s *Store) FindByToken(ctx context.Context, kind storage.TokenKind, value string) (_ *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "find_token")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "find_token", err, startTime) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[value]
	if !ok || token.Kind != kind {
		err = fmt.Errorf("%w: %s", storage.ErrTokenNotFound, kind)
		return nil, err
	}
	if token.IsRevoked() {
		return token.Clone(), storage.ErrTokenRevoked
	}
	return token.Clone(), nil
}

// FindAndRevoke looks up and revokes a token under a single write lock.
func (s *Store) FindAndRevoke(ctx context.Context, kind storage.TokenKind, value string) (_ *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "find_and_revoke")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "find_and_revoke", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[value]
	if !ok || token.Kind != kind {
		err = fmt.Errorf("%w: %s", storage.ErrTokenNotFound, kind)
		return nil, err
	}
	if token.IsRevoked() {
		return token.Clone(), storage.ErrTokenRevoked
	}

	token.RevokedAt = s.now()
	return token.Clone(), nil
}

// Revoke marks a token as revoked.
func (s *Store) Revoke(ctx context.Context, token *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke", err, startTime) }()

	if token == nil {
		return fmt.Errorf("token cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.tokens[token.Token]
	if !ok || stored.Kind != token.Kind {
		err = fmt.Errorf("%w: %s", storage.ErrTokenNotFound, token.Kind)
		return err
	}
	if !stored.IsRevoked() {
		stored.RevokedAt = s.now()
	}
	token.RevokedAt = stored.RevokedAt
	return nil
}

// RevokeFamily revokes every live token sharing familyID.
func (s *Store) RevokeFamily(ctx context.Context, familyID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_family")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_family", err, startTime) }()

	if familyID == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeIndexLocked(s.byFamily[familyID]), nil
}

// RevokeAllForClient revokes every live token issued to client.
func (s *Store) RevokeAllForClient(ctx context.Context, client *storage.Client) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_all_for_client")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_all_for_client", err, startTime) }()

	if client == nil {
		return 0, fmt.Errorf("client cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeIndexLocked(s.byClient[client.PublicID()]), nil
}

// RevokeAllForUser revokes every live token issued on behalf of userID.
func (s *Store) RevokeAllForUser(ctx context.Context, userID string) (_ int, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_all_for_user")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_all_for_user", err, startTime) }()

	if userID == "" {
		return 0, fmt.Errorf("userID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeIndexLocked(s.byUser[userID]), nil
}

// insertLocked stores token and adds it to the secondary indexes.
func (s *Store) insertLocked(token *storage.Token) {
	s.tokens[token.Token] = token
	addToIndex(s.byClient, token.ClientID, token.Token)
	addToIndex(s.byUser, token.UserID, token.Token)
	addToIndex(s.byFamily, token.FamilyID, token.Token)
	s.tokensCountAtomic.Add(1)
}

// removeLocked deletes token and its index entries.
func (s *Store) removeLocked(token *storage.Token) {
	delete(s.tokens, token.Token)
	removeFromIndex(s.byClient, token.ClientID, token.Token)
	removeFromIndex(s.byUser, token.UserID, token.Token)
	removeFromIndex(s.byFamily, token.FamilyID, token.Token)
	s.tokensCountAtomic.Add(-1)
}

func (s *Store) revokeIndexLocked(values map[string]struct{}) int {
	now := s.now()
	count := 0
	for value := range values {
		token := s.tokens[value]
		if token == nil || token.IsRevoked() {
			continue
		}
		token.RevokedAt = now
		count++
	}
	return count
}

func addToIndex(index map[string]map[string]struct{}, key, value string) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[value] = struct{}{}
}

func removeFromIndex(index map[string]map[string]struct{}, key, value string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, value)
	if len(set) == 0 {
		delete(index, key)
	}
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.Cleanup()
		}
	}
}

// Cleanup removes tokens past expiry plus grace period, and revoked
// non-expiring tokens whose retention window has passed. It returns the
// number of tokens removed.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for _, token := range s.tokens {
		if !s.purgeableLocked(token, now) {
			continue
		}
		s.removeLocked(token)
		removed++
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up expired tokens",
			"removed", removed,
			"remaining", len(s.tokens))
	}
	return removed
}

func (s *Store) purgeableLocked(token *storage.Token, now time.Time) bool {
	if token.ExpiresAt.IsZero() {
		return token.IsRevoked() && now.After(token.RevokedAt.Add(s.revokedRetention))
	}
	return security.IsTokenExpiredWithGracePeriod(token.ExpiresAt, now, s.gracePeriod)
}

// ============================================================
// Instrumentation
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		// A non-recording span; the caller's span must not be ended here.
		return ctx, trace.SpanFromContext(context.Background())
	}

	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, storageType)
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
