// Package store defines the aggregate persistence interface.
//
// Each subsystem (dag, recovery) defines its own store interface. The
// composite [Store] composes them both. A single backend need only
// implement Store to satisfy every subsystem's persistence contract.
//
// The composite interface:
//
//	type Store interface {
//	    dag.Store
//	    recovery.Store
//
//	    Migrate(ctx context.Context) error
//	    Ping(ctx context.Context) error
//	    Close() error
//	}
//
// # Available Backends
//
//   - store/memory — in-memory store for development and testing
//   - store/sqlite — SQLite backend (modernc.org/sqlite, no cgo)
//   - store/postgres — PostgreSQL backend using pgx (raw SQL)
//   - store/bun — PostgreSQL backend using Bun
//   - store/redis — Redis backend
//   - store/mongo — MongoDB backend
//
// # Usage
//
//	import "github.com/xraph/dagrun/store/sqlite"
//
//	s, err := sqlite.New(ctx, "dagrun.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
// # Migrations
//
// Call Migrate once at startup to create or update the schema:
//
//	if err := s.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package store
