package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/xraph/dagrun/dag"
	"github.com/xraph/dagrun/recovery"
)

// Collection name constants.
const (
	colRuns              = "dagrun_runs"
	colCheckpoints       = "dagrun_checkpoints"
	colCheckpointHistory = "dagrun_checkpoint_history"
	colRecords           = "dagrun_records"
	colEscalations       = "dagrun_escalations"
)

// We can't import store here (import cycle), so we verify each subsystem
// interface separately.
var (
	_ dag.Store      = (*Store)(nil)
	_ recovery.Store = (*Store)(nil)
)

// Store is a MongoDB implementation of store.Store. The caller owns the
// *mongo.Database lifecycle; Store never closes it.
type Store struct {
	db     *mongod.Database
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a new MongoDB store. The caller owns the db lifecycle -- the
// Store will not close it on Close().
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *mongo.Database for advanced usage.
func (s *Store) DB() *mongod.Database {
	return s.db
}

// Migrate creates indexes for all dagrun collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}

		_, err := s.db.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("dagrun/mongo: migrate %s indexes: %w", col, err)
		}
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, readpref.Primary())
}

// Close is a no-op because the caller owns the *mongo.Database lifecycle.
func (s *Store) Close() error {
	return nil
}

// ── helpers ──────────────────────────────────────────────────────

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isDuplicateKey checks if a MongoDB error is a duplicate key violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "E11000")
}

// migrationIndexes returns the index definitions for all dagrun collections.
func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colRuns: {
			// List index: created_at desc with _id tiebreak.
			{Keys: bson.D{
				{Key: "created_at", Value: -1},
				{Key: "_id", Value: -1},
			}},
			// Filter indexes.
			{Keys: bson.D{{Key: "dag_id", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
		colCheckpoints: {
			// One latest checkpoint per task.
			{
				Keys:    bson.D{{Key: "task_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "timestamp", Value: 1}}},
		},
		colCheckpointHistory: {
			// History replay index: task + K-sortable checkpoint ID.
			{Keys: bson.D{
				{Key: "task_id", Value: 1},
				{Key: "_id", Value: 1},
			}},
			{Keys: bson.D{{Key: "timestamp", Value: 1}}},
		},
		colRecords: {
			{Keys: bson.D{
				{Key: "task_id", Value: 1},
				{Key: "timestamp", Value: 1},
			}},
		},
		colEscalations: {
			{Keys: bson.D{{Key: "timestamp", Value: 1}}},
		},
	}
}
