// Package server implements the OAuth2 authorization server core.
//
// A Server ties a storage.ClientStore and a storage.TokenStore together and
// exposes the operations behind the token and authorization endpoints:
//
//   - ProcessGrant runs one GrantHandler per grant type
//     (authorization_code, refresh_token, client_credentials, password).
//   - ValidateAuthorizationRequest and FinalizeAuthorization drive an
//     authorization request from Requested to Finalized, notifying
//     registered AuthorizationObservers before and after the decision.
//   - CreateClient, UpdateClient, DeleteClient and RotateClientSecret
//     manage registered clients; deleting a client revokes its tokens.
//   - RevokeToken, IntrospectToken and RevokeAllForUser serve revocation
//     and introspection.
//
// Protocol failures are returned as *Error values whose Kind is one of the
// Err* sentinels, so callers can use errors.Is.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, store, &server.Config{
//	    Issuer:          "https://auth.example.com",
//	    SupportedScopes: []string{"read", "write"},
//	}, logger)
//	if err != nil {
//	    return err
//	}
//
//	client, err := srv.CreateClient(ctx, server.ClientSpec{
//	    Name:         "My App",
//	    RedirectURIs: []string{"https://app.example.com/callback"},
//	})
package server
