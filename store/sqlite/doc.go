// Package sqlite provides a SQLite implementation of store.Store.
//
// It uses the pure-Go modernc.org/sqlite driver, so binaries build
// without cgo. Runs are persisted as JSON documents alongside extracted
// columns for indexed filtering; recovery artifacts use dedicated
// latest and history tables.
//
//	s, err := sqlite.New(ctx, "dagrun.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	if err := s.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package sqlite
