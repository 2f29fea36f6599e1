// Package redis provides a Redis-backed implementation of storage.ClientStore
// and storage.TokenStore for multi-instance deployments.
//
// # Key Layout
//
// All keys share a configurable prefix (default "oauth:"):
//
//	{prefix}client:{id}               client JSON, secret sealed when an Encryptor is set
//	{prefix}token:{value}             token JSON, TTL = expiry + clock skew grace
//	{prefix}family:{familyID}         set of token values in one lineage
//	{prefix}client-tokens:{publicID}  set of token values issued to a client
//	{prefix}user-tokens:{userID}      set of token values issued for a user
//
// # Atomicity
//
// Issue claims a token value with SET NX, so two instances can never hand out
// the same value. FindAndRevoke and the cascade revocations run as Lua
// scripts; exactly one concurrent FindAndRevoke observes a live token.
// Revoked tokens without an expiry get a TTL equal to the revoked retention
// window so reuse can still be detected for a while.
//
// The cascade scripts touch token keys that are not declared in KEYS, so the
// store targets standalone or Sentinel deployments rather than Redis Cluster.
//
// Example usage:
//
//	store, err := redis.New(ctx, redis.Config{Address: "localhost:6379"})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
package redis
