package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/giantswarm/oauth-core/storage"
)

const clientColumns = `id, random_id, secret, name, redirect_uris, allowed_grant_types, scopes, created_at, updated_at`

// uniqueViolation is the SQLSTATE of a duplicate key.
const uniqueViolation = "23505"

// CreateClient inserts the client, assigning a fresh id unless one is preset.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) error {
	if client == nil {
		return fmt.Errorf("client cannot be nil")
	}

	if client.ID == "" {
		client.ID = uuid.NewString()
	} else if _, err := uuid.Parse(client.ID); err != nil {
		return fmt.Errorf("client id must be a UUID: %w", err)
	}
	if err := client.Validate(); err != nil {
		return err
	}
	now := s.now().UTC()
	client.CreatedAt = now
	client.UpdatedAt = now

	secret, err := s.getEncryptor().Encrypt(client.Secret, client.ID)
	if err != nil {
		return fmt.Errorf("failed to seal client secret: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO oauth_clients (`+clientColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		client.ID, client.RandomID, secret, client.Name,
		nonNil(client.RedirectURIs), nonNil(client.AllowedGrantTypes), nonNil(client.Scopes),
		client.CreatedAt, client.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", storage.ErrClientExists, client.ID)
		}
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.PublicID())
	return nil
}

// FindByPublicID returns the client addressed by publicID.
func (s *Store) FindByPublicID(ctx context.Context, publicID string) (*storage.Client, error) {
	id, randomID, err := storage.ParsePublicID(publicID)
	if err != nil {
		return nil, err
	}
	// The id column is a UUID; anything else can never match.
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, publicID)
	}

	var (
		c      storage.Client
		secret string
	)
	err = s.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM oauth_clients WHERE id = $1 AND random_id = $2`, id, randomID).
		Scan(&c.ID, &c.RandomID, &secret, &c.Name, &c.RedirectURIs, &c.AllowedGrantTypes, &c.Scopes, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, publicID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	c.Secret, err = s.getEncryptor().Decrypt(secret, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to open client secret: %w", err)
	}
	return &c, nil
}

// UpdateClient replaces the mutable fields of an existing client.
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) error {
	if err := client.Validate(); err != nil {
		return err
	}
	if _, err := uuid.Parse(client.ID); err != nil {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, client.ID)
	}

	secret, err := s.getEncryptor().Encrypt(client.Secret, client.ID)
	if err != nil {
		return fmt.Errorf("failed to seal client secret: %w", err)
	}

	updatedAt := s.now().UTC()
	err = s.pool.QueryRow(ctx, `
		UPDATE oauth_clients
		SET random_id = $2, secret = $3, name = $4, redirect_uris = $5,
		    allowed_grant_types = $6, scopes = $7, updated_at = $8
		WHERE id = $1
		RETURNING created_at`,
		client.ID, client.RandomID, secret, client.Name,
		nonNil(client.RedirectURIs), nonNil(client.AllowedGrantTypes), nonNil(client.Scopes),
		updatedAt).Scan(&client.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", storage.ErrClientNotFound, client.ID)
		}
		return fmt.Errorf("failed to update client: %w", err)
	}
	client.UpdatedAt = updatedAt
	return nil
}

// DeleteClient removes a client.
func (s *Store) DeleteClient(ctx context.Context, client *storage.Client) error {
	if client == nil {
		return fmt.Errorf("client cannot be nil")
	}
	if _, err := uuid.Parse(client.ID); err != nil {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, client.ID)
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM oauth_clients WHERE id = $1`, client.ID)
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, client.ID)
	}

	s.logger.Debug("Deleted client", "client_id", client.PublicID())
	return nil
}

// nonNil keeps NOT NULL array columns from receiving SQL NULL.
func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
