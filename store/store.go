package store

import (
	"context"

	"github.com/xraph/dagrun/dag"
	"github.com/xraph/dagrun/recovery"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// (memory, sqlite, postgres, bun, redis, mongo) implements all of them.
type Store interface {
	dag.Store
	recovery.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
