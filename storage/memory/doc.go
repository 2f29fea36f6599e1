// Package memory provides an in-memory implementation of storage.ClientStore
// and storage.TokenStore.
//
// A single sync.RWMutex guards all state, so Issue, FindAndRevoke, Revoke and
// the cascade revocations are atomic with respect to each other. Token
// values are indexed directly, with secondary indexes by token family,
// client and user for the cascade operations.
//
// A background loop removes tokens once they are past expiry (plus a clock
// skew grace period) and revoked non-expiring tokens once their retention
// window has passed. Call Stop to end it.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, _ := server.New(store, store, config, logger)
package memory
