package security

// Event types written by the Auditor.
const (
	// Grant events

	// EventTokenIssued is logged when a grant issues an access token
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is exchanged
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when tokens are revoked explicitly or by cascade
	EventTokenRevoked = "token_revoked"

	// EventGrantFailed is logged when the token endpoint rejects a grant
	EventGrantFailed = "grant_failed"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // event name, not a credential

	// Authorization endpoint events

	// EventAuthorizationApproved is logged when the resource owner approves a request
	EventAuthorizationApproved = "authorization_approved"

	// EventAuthorizationDenied is logged when the resource owner denies a request
	EventAuthorizationDenied = "authorization_denied"

	// EventInvalidRedirect is logged when a request names an unregistered redirect URI
	EventInvalidRedirect = "invalid_redirect"

	// Client lifecycle events

	EventClientCreated       = "client_created"
	EventClientUpdated       = "client_updated"
	EventClientDeleted       = "client_deleted"
	EventClientSecretRotated = "client_secret_rotated" //nolint:gosec // event name, not a credential

	// Security violations

	// EventAuthFailure is logged when client or resource owner authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a caller exceeds the token endpoint rate limit
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventScopeEscalationAttempt is logged when a request asks for scope beyond what the client or grant allows
	EventScopeEscalationAttempt = "scope_escalation_attempt"
)
