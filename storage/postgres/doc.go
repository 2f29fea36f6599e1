// Package postgres provides a PostgreSQL implementation of
// storage.ClientStore and storage.TokenStore built on pgx.
//
// Issue inserts with ON CONFLICT DO NOTHING on the token primary key and
// draws a new value when no row was written. FindAndRevoke is a single
// conditional UPDATE ... RETURNING, so only one concurrent caller can flip
// revoked_at from NULL.
//
// Expired rows are not removed by the database; run RunCleanup (or call
// DeleteExpired from an external scheduler) to purge them.
//
// Example usage:
//
//	store, err := postgres.New(ctx, postgres.Config{DSN: dsn})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	if err := store.Migrate(ctx); err != nil {
//	    return err
//	}
package postgres
