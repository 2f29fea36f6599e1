// Package security holds the cross-cutting protections used by the
// authorization server: audit logging of grant and client lifecycle
// events, per-IP rate limiting for the token endpoint, encryption of
// client secrets at rest, client IP resolution behind proxies, request
// correlation ids and response security headers.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier (normally a client IP)
// and bounds its memory with LRU eviction. Idle buckets are dropped by a
// background loop that runs until Stop is called.
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{
//	    RequestsPerSecond: 10,
//	    Burst:             20,
//	}, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    return http.StatusTooManyRequests
//	}
//
// # Secrets at Rest
//
// Encryptor seals client secrets with AES-256-GCM before a persistent store
// writes them. The client id is bound as additional data, so a sealed secret
// copied onto another client record fails to open. Values written before
// encryption was enabled carry no prefix and are returned unchanged.
package security
