package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/storage"
)

const tokenColumns = `id, kind, token, client_id, user_id, scope, redirect_uri, family_id, expires_at, created_at, revoked_at`

// MaxTokenLength bounds lookups; longer values are rejected before querying.
const MaxTokenLength = 512

func scanToken(row pgx.Row) (*storage.Token, error) {
	var (
		t         storage.Token
		kind      string
		expiresAt *time.Time
		revokedAt *time.Time
	)
	if err := row.Scan(&t.ID, &kind, &t.Token, &t.ClientID, &t.UserID, &t.Scope,
		&t.RedirectURI, &t.FamilyID, &expiresAt, &t.CreatedAt, &revokedAt); err != nil {
		return nil, err
	}
	t.Kind = storage.TokenKind(kind)
	if expiresAt != nil {
		t.ExpiresAt = *expiresAt
	}
	if revokedAt != nil {
		t.RevokedAt = *revokedAt
	}
	return &t, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// issueQuery inserts a token only while its client is registered. The owner
// row is share-locked, so a concurrent client delete waits for the insert to
// commit and its token sweep then sees the new row.
const issueQuery = `
	WITH owner AS (
		SELECT 1 FROM oauth_clients WHERE id = $11::uuid AND random_id = $12 FOR SHARE
	), inserted AS (
		INSERT INTO oauth_tokens (` + tokenColumns + `)
		SELECT $1::uuid, $2, $3, $4, $5, $6, $7, $8, $9::timestamptz, $10::timestamptz, NULL
		WHERE EXISTS (SELECT 1 FROM owner)
		ON CONFLICT (token) DO NOTHING
		RETURNING 1
	)
	SELECT EXISTS (SELECT 1 FROM owner), EXISTS (SELECT 1 FROM inserted)`

// Issue inserts a token with a fresh value, drawing again when the value is taken.
func (s *Store) Issue(ctx context.Context, params storage.IssueParams) (*storage.Token, error) {
	if !params.Kind.Valid() {
		return nil, fmt.Errorf("invalid token kind %q", params.Kind)
	}
	if params.ClientID == "" {
		return nil, fmt.Errorf("token must belong to a client")
	}
	clientID, randomID, err := storage.ParsePublicID(params.ClientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, params.ClientID)
	}
	if _, err := uuid.Parse(clientID); err != nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, params.ClientID)
	}

	gen := s.getGenerator()
	for attempt := 1; attempt <= storage.MaxIssueAttempts; attempt++ {
		token := storage.NewToken(params, gen.GenerateToken(), s.now().UTC())
		token.ID = uuid.NewString()

		var clientFound, inserted bool
		err := s.pool.QueryRow(ctx, issueQuery,
			token.ID, string(token.Kind), token.Token, token.ClientID, token.UserID, token.Scope,
			token.RedirectURI, token.FamilyID, nullTime(token.ExpiresAt), token.CreatedAt,
			clientID, randomID,
		).Scan(&clientFound, &inserted)
		if err != nil {
			return nil, fmt.Errorf("failed to save token: %w", err)
		}
		if !clientFound {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, params.ClientID)
		}
		if !inserted {
			s.logger.Warn("Generated token value collided, regenerating",
				"attempt", attempt,
				"token_prefix", util.TokenPrefix(token.Token))
			continue
		}
		return token, nil
	}

	return nil, fmt.Errorf("%w after %d attempts", storage.ErrTokenCollision, storage.MaxIssueAttempts)
}

// FindByToken looks up a token by kind and value.
func (s *Store) FindByToken(ctx context.Context, kind storage.TokenKind, value string) (*storage.Token, error) {
	if value == "" || len(value) > MaxTokenLength {
		return nil, fmt.Errorf("%w: %s", storage.ErrTokenNotFound, kind)
	}

	token, err := scanToken(s.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM oauth_tokens WHERE token = $1 AND kind = $2`,
		value, string(kind)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrTokenNotFound, kind)
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	if token.IsRevoked() {
		return token, storage.ErrTokenRevoked
	}
	return token, nil
}

// FindAndRevoke flips revoked_at with a conditional UPDATE. When no row
// matched, a follow-up read tells an already revoked token from a missing one.
func (s *Store) FindAndRevoke(ctx context.Context, kind storage.TokenKind, value string) (*storage.Token, error) {
	if value == "" || len(value) > MaxTokenLength {
		return nil, fmt.Errorf("%w: %s", storage.ErrTokenNotFound, kind)
	}

	token, err := scanToken(s.pool.QueryRow(ctx, `
		UPDATE oauth_tokens SET revoked_at = $3
		WHERE token = $1 AND kind = $2 AND revoked_at IS NULL
		RETURNING `+tokenColumns,
		value, string(kind), s.now().UTC()))
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to revoke token: %w", err)
	}

	token, err = s.FindByToken(ctx, kind, value)
	if err != nil {
		return token, err
	}
	// revoked_at is never cleared, so a live token here means a concurrent
	// insert of the same value; treat it as not found rather than consume it.
	return nil, fmt.Errorf("%w: %s", storage.ErrTokenNotFound, kind)
}

// Revoke marks a token as revoked. Revoking a revoked token is a no-op.
func (s *Store) Revoke(ctx context.Context, token *storage.Token) error {
	if token == nil {
		return fmt.Errorf("token cannot be nil")
	}

	var revokedAt time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE oauth_tokens SET revoked_at = COALESCE(revoked_at, $3)
		WHERE token = $1 AND kind = $2
		RETURNING revoked_at`,
		token.Token, string(token.Kind), s.now().UTC()).Scan(&revokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", storage.ErrTokenNotFound, token.Kind)
		}
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	token.RevokedAt = revokedAt
	return nil
}

// RevokeFamily revokes every live token sharing familyID.
func (s *Store) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	if familyID == "" {
		return 0, nil
	}
	return s.revokeWhere(ctx, "family_id", familyID)
}

// RevokeAllForClient revokes every live token issued to client.
func (s *Store) RevokeAllForClient(ctx context.Context, client *storage.Client) (int, error) {
	if client == nil {
		return 0, fmt.Errorf("client cannot be nil")
	}
	return s.revokeWhere(ctx, "client_id", client.PublicID())
}

// RevokeAllForUser revokes every live token issued on behalf of userID.
func (s *Store) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("userID cannot be empty")
	}
	return s.revokeWhere(ctx, "user_id", userID)
}

// revokeWhere revokes live tokens matching column = value. column is
// always one of the fixed names above, never user input.
func (s *Store) revokeWhere(ctx context.Context, column, value string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE oauth_tokens SET revoked_at = $2 WHERE `+column+` = $1 AND revoked_at IS NULL`,
		value, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
