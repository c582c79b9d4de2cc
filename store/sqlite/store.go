package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // register the pure-Go sqlite driver

	"github.com/xraph/dagrun/dag"
	"github.com/xraph/dagrun/recovery"
)

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ dag.Store      = (*Store)(nil)
	_ recovery.Store = (*Store)(nil)
)

// Store is a SQLite implementation of store.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// external marks a caller-owned db handle that Close must not close.
	external bool
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New opens (or creates) the database at path. Use ":memory:" for an
// ephemeral database.
func New(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dagrun/sqlite: open %q: %w", path, err)
	}
	// The modernc driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("dagrun/sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("dagrun/sqlite: enable WAL: %w", err)
	}

	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewWithDB wraps an existing database handle. The caller owns the
// *sql.DB lifecycle; Close becomes a no-op.
func NewWithDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	s.external = true
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates or updates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("dagrun/sqlite: migration failed: %w", err)
		}
	}
	s.logger.Debug("sqlite schema up to date")
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database unless the handle was supplied externally.
func (s *Store) Close() error {
	if s.external {
		return nil
	}
	return s.db.Close()
}
