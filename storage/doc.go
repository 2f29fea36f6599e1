// Package storage defines the entities and store interfaces of the
// authorization server.
//
// The package provides:
//   - Client: a registered application, addressed by its public id
//     "{id}_{randomId}"
//   - Token: access tokens, refresh tokens and authorization codes, which
//     share one shape and differ by Kind
//   - ClientStore and TokenStore: the persistence contracts
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development, tests and single instances
//   - storage/redis: Redis storage for multi-instance deployments
//   - storage/postgres: PostgreSQL storage
//   - storage/cache: a read-through cache in front of any ClientStore
package storage
