package recovery

import (
	"context"
	"time"
)

// RecordOpts filters recovery record queries.
type RecordOpts struct {
	// TaskID filters by task. Empty means all tasks.
	TaskID string
	// Since excludes records older than the given time. Zero means all.
	Since time.Time
}

// Store defines the persistence contract for recovery artifacts: one
// "latest checkpoint" per task, an append-only checkpoint history, a
// recovery-record audit stream, and escalation records.
//
// A malformed persisted checkpoint is treated as "no checkpoint" by
// implementations; checkpoint corruption is never fatal.
type Store interface {
	// SaveCheckpoint overwrites the task's latest checkpoint and
	// appends to its history.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

	// LatestCheckpoint returns the task's latest checkpoint, or nil
	// when none exists.
	LatestCheckpoint(ctx context.Context, taskID string) (*Checkpoint, error)

	// CheckpointHistory returns the task's full checkpoint history in
	// write order.
	CheckpointHistory(ctx context.Context, taskID string) ([]*Checkpoint, error)

	// AppendRecord appends a recovery audit record.
	AppendRecord(ctx context.Context, rec *Record) error

	// ListRecords returns recovery records matching the given options,
	// oldest first.
	ListRecords(ctx context.Context, opts RecordOpts) ([]*Record, error)

	// SaveEscalation persists an escalation record for manual follow-up.
	SaveEscalation(ctx context.Context, esc *Escalation) error

	// PurgeCheckpoints removes checkpoints and history entries older
	// than the cutoff, optionally limited to one task. Returns the
	// number of artifacts removed.
	PurgeCheckpoints(ctx context.Context, taskID string, cutoff time.Time) (int64, error)
}
