package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth-core/storage"
)

// clientJSON is the stored representation of a client.
type clientJSON struct {
	ID                string    `json:"id"`
	RandomID          string    `json:"random_id"`
	Secret            string    `json:"secret,omitempty"`
	Name              string    `json:"name,omitempty"`
	RedirectURIs      []string  `json:"redirect_uris,omitempty"`
	AllowedGrantTypes []string  `json:"allowed_grant_types,omitempty"`
	Scopes            []string  `json:"scopes,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (s *Store) marshalClient(c *storage.Client) ([]byte, error) {
	secret, err := s.getEncryptor().Encrypt(c.Secret, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to seal client secret: %w", err)
	}

	return json.Marshal(clientJSON{
		ID:                c.ID,
		RandomID:          c.RandomID,
		Secret:            secret,
		Name:              c.Name,
		RedirectURIs:      c.RedirectURIs,
		AllowedGrantTypes: c.AllowedGrantTypes,
		Scopes:            c.Scopes,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	})
}

func (s *Store) unmarshalClient(data []byte) (*storage.Client, error) {
	var j clientJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}

	secret, err := s.getEncryptor().Decrypt(j.Secret, j.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to open client secret: %w", err)
	}

	return &storage.Client{
		ID:                j.ID,
		RandomID:          j.RandomID,
		Secret:            secret,
		Name:              j.Name,
		RedirectURIs:      j.RedirectURIs,
		AllowedGrantTypes: j.AllowedGrantTypes,
		Scopes:            j.Scopes,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
	}, nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// CreateClient stores the client, assigning a fresh id unless one is preset.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) error {
	if client == nil {
		return fmt.Errorf("client cannot be nil")
	}

	if client.ID == "" {
		client.ID = uuid.NewString()
	}
	if err := client.Validate(); err != nil {
		return err
	}
	now := s.now()
	client.CreatedAt = now
	client.UpdatedAt = now

	data, err := s.marshalClient(client)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.clientKey(client.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientExists, client.ID)
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

	data, err := s.client.Get(ctx, s.clientKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, publicID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	client, err := s.unmarshalClient(data)
	if err != nil {
		return nil, err
	}
	if client.RandomID != randomID {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, publicID)
	}
	return client, nil
}

// UpdateClient overwrites an existing client.
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) error {
	if err := client.Validate(); err != nil {
		return err
	}

	key := s.clientKey(client.ID)
	existing, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return fmt.Errorf("%w: %s", storage.ErrClientNotFound, client.ID)
		}
		return fmt.Errorf("failed to get client: %w", err)
	}

	var prev clientJSON
	if err := json.Unmarshal(existing, &prev); err != nil {
		return fmt.Errorf("failed to unmarshal client: %w", err)
	}
	client.CreatedAt = prev.CreatedAt
	client.UpdatedAt = s.now()

	data, err := s.marshalClient(client)
	if err != nil {
		return err
	}

	ok, err := s.client.SetXX(ctx, key, data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, client.ID)
	}
	return nil
}

// DeleteClient removes a client.
func (s *Store) DeleteClient(ctx context.Context, client *storage.Client) error {
	if client == nil {
		return fmt.Errorf("client cannot be nil")
	}

	n, err := s.client.Del(ctx, s.clientKey(client.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrClientNotFound, client.ID)
	}

	s.logger.Debug("Deleted client", "client_id", client.PublicID())
	return nil
}
