package server

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// ClientSpec describes a client to register.
type ClientSpec struct {
	Name         string
	RedirectURIs []string

	// AllowedGrantTypes defaults to authorization_code.
	AllowedGrantTypes []string

	// Scopes restricts the scopes the client may request.
	Scopes []string

	// Public creates a client without a secret.
	Public bool

	// ID, RandomID and Secret replace the generated values when set, for
	// clients provisioned from configuration. A preset ID must be a
	// canonical UUID; one that is already registered fails with
	// storage.ErrClientExists.
	ID       string
	RandomID string
	Secret   string
}

// CreateClient registers a new client. The random id and, unless the
// client is public, the secret are drawn from the credential generator.
func (s *Server) CreateClient(ctx context.Context, spec ClientSpec) (*storage.Client, error) {
	client := storage.NewClient(s.generator)
	client.Name = spec.Name
	client.RedirectURIs = slices.Clone(spec.RedirectURIs)
	client.Scopes = slices.Clone(spec.Scopes)
	if len(spec.AllowedGrantTypes) > 0 {
		client.AllowedGrantTypes = slices.Clone(spec.AllowedGrantTypes)
	}
	client.ID = spec.ID
	if spec.RandomID != "" {
		client.RandomID = spec.RandomID
	}
	if spec.Secret != "" {
		client.Secret = spec.Secret
	}
	if spec.Public {
		if spec.Secret != "" {
			return nil, newError(ErrInvalidRequest, "public clients cannot have a secret")
		}
		client.Secret = ""
	}

	if err := s.validateClient(client); err != nil {
		return nil, err
	}
	if err := client.Validate(); err != nil {
		return nil, newError(ErrInvalidRequest, "%s", err.Error())
	}

	if err := s.clientStore.CreateClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	s.Logger.Info("Registered new client",
		"client_id", client.PublicID(),
		"client_name", client.Name,
		"grant_types", client.AllowedGrantTypes,
		"public", client.IsPublic())
	s.Auditor.LogClientEvent(security.EventClientCreated, client.PublicID())
	if m := s.metrics(); m != nil {
		m.RecordClientOperation(ctx, "create")
	}

	return client, nil
}

// validateClient checks the administrator-supplied fields of a client.
func (s *Server) validateClient(client *storage.Client) error {
	for _, uri := range client.RedirectURIs {
		if err := validateRedirectURIForRegistration(uri); err != nil {
			return newError(ErrInvalidRequest, "%s", err.Error())
		}
	}
	if err := s.validateGrantTypes(client.AllowedGrantTypes); err != nil {
		return newError(ErrInvalidRequest, "%s", err.Error())
	}
	if len(s.Config.SupportedScopes) > 0 {
		for _, scope := range client.Scopes {
			if !slices.Contains(s.Config.SupportedScopes, scope) {
				return newError(ErrInvalidScope, "scope %q is not supported", scope)
			}
		}
	}
	return nil
}

// GetClient returns the client addressed by publicID. Malformed and
// unknown ids are both reported as ErrInvalidClient.
func (s *Server) GetClient(ctx context.Context, publicID string) (*storage.Client, error) {
	client, err := s.clientStore.FindByPublicID(ctx, publicID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) || errors.Is(err, storage.ErrInvalidPublicIDFormat) {
			return nil, wrapError(ErrInvalidClient, err, "unknown client")
		}
		return nil, internalError(err, "client lookup failed")
	}
	return client, nil
}

// AuthenticateClient looks up a client and checks its secret.
// clientIP is only used for auditing and may be empty.
func (s *Server) AuthenticateClient(ctx context.Context, publicID, secret, clientIP string) (*storage.Client, error) {
	client, err := s.GetClient(ctx, publicID)
	if err != nil {
		if errors.Is(err, ErrInvalidClient) {
			s.Auditor.LogAuthFailure(publicID, clientIP, "unknown_client")
		}
		return nil, err
	}

	if !client.CheckSecret(secret) {
		s.Logger.Debug("Client authentication failed", "client_id", publicID)
		s.Auditor.LogAuthFailure(publicID, clientIP, "invalid_client_secret")
		return nil, newError(ErrInvalidClient, "client authentication failed")
	}
	return client, nil
}

// UpdateClient stores administrator changes to a client's name, secret,
// redirect URIs, grant types and scopes.
func (s *Server) UpdateClient(ctx context.Context, client *storage.Client) error {
	if client == nil {
		return fmt.Errorf("client cannot be nil")
	}
	if err := s.validateClient(client); err != nil {
		return err
	}
	if err := s.clientStore.UpdateClient(ctx, client); err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}

	s.Auditor.LogClientEvent(security.EventClientUpdated, client.PublicID())
	if m := s.metrics(); m != nil {
		m.RecordClientOperation(ctx, "update")
	}
	return nil
}

// RotateClientSecret replaces a confidential client's secret with a fresh
// one. Tokens already issued stay valid.
func (s *Server) RotateClientSecret(ctx context.Context, publicID string) (*storage.Client, error) {
	client, err := s.GetClient(ctx, publicID)
	if err != nil {
		return nil, err
	}
	if client.IsPublic() {
		return nil, newError(ErrInvalidRequest, "public clients have no secret")
	}

	client.Secret = s.generator.GenerateToken()
	if err := s.clientStore.UpdateClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to rotate client secret: %w", err)
	}

	s.Auditor.LogClientEvent(security.EventClientSecretRotated, client.PublicID())
	if m := s.metrics(); m != nil {
		m.RecordClientOperation(ctx, "rotate_secret")
	}
	return client, nil
}

// DeleteClient removes the client and revokes every token issued to it.
// It returns the number of tokens revoked.
func (s *Server) DeleteClient(ctx context.Context, client *storage.Client) (int, error) {
	if client == nil {
		return 0, fmt.Errorf("client cannot be nil")
	}

	// Stores refuse to issue for a deleted client, so the sweep that follows
	// the delete cannot miss a token issued concurrently.
	if err := s.clientStore.DeleteClient(ctx, client); err != nil {
		return 0, fmt.Errorf("failed to delete client: %w", err)
	}
	revoked, err := s.tokenStore.RevokeAllForClient(ctx, client)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke tokens of deleted client: %w", err)
	}

	s.Logger.Info("Deleted client", "client_id", client.PublicID(), "tokens_revoked", revoked)
	s.Auditor.LogClientEvent(security.EventClientDeleted, client.PublicID())
	if revoked > 0 {
		s.Auditor.LogTokenRevoked(client.PublicID(), "", "client_deleted", revoked)
	}
	if m := s.metrics(); m != nil {
		m.RecordClientOperation(ctx, "delete")
		m.RecordTokenRevocation(ctx, "client_deleted", revoked)
	}
	return revoked, nil
}
