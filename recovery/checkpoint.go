package recovery

import (
	"time"

	"github.com/xraph/dagrun/id"
)

// CheckpointState represents the lifecycle state captured by a checkpoint.
type CheckpointState string

const (
	CheckpointPending    CheckpointState = "pending"
	CheckpointRunning    CheckpointState = "running"
	CheckpointCompleted  CheckpointState = "completed"
	CheckpointFailed     CheckpointState = "failed"
	CheckpointRetrying   CheckpointState = "retrying"
	CheckpointRolledBack CheckpointState = "rolled_back"
	CheckpointSkipped    CheckpointState = "skipped"
)

// checkpointStates is the closed set of valid checkpoint states.
var checkpointStates = map[CheckpointState]struct{}{
	CheckpointPending:    {},
	CheckpointRunning:    {},
	CheckpointCompleted:  {},
	CheckpointFailed:     {},
	CheckpointRetrying:   {},
	CheckpointRolledBack: {},
	CheckpointSkipped:    {},
}

// Valid reports whether s is a member of the closed state enumeration.
func (s CheckpointState) Valid() bool {
	_, ok := checkpointStates[s]
	return ok
}

// Checkpoint is a durable snapshot of a recovery-wrapped operation's
// state at a point in time. Every write overwrites the task's "latest"
// record and appends to an append-only history; lookups return only
// the latest.
type Checkpoint struct {
	ID        id.CheckpointID `json:"checkpoint_id"`
	TaskID    string          `json:"task_id"`
	State     CheckpointState `json:"state"`
	Data      any             `json:"data,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewCheckpoint creates a checkpoint stamped now (UTC).
func NewCheckpoint(taskID string, state CheckpointState, data any) *Checkpoint {
	return &Checkpoint{
		ID:        id.NewCheckpointID(),
		TaskID:    taskID,
		State:     state,
		Data:      data,
		Metadata:  make(map[string]any),
		Timestamp: time.Now().UTC(),
	}
}

// Record is one audit entry describing a recovery attempt.
type Record struct {
	ID           id.RecordID `json:"record_id"`
	TaskID       string      `json:"task_id"`
	Timestamp    time.Time   `json:"timestamp"`
	ErrorKind    Kind        `json:"error_type"`
	ErrorMessage string      `json:"error_message"`
	Strategy     Strategy    `json:"strategy"`
	Success      bool        `json:"success"`
	Attempt      int         `json:"attempt"`
	Trace        string      `json:"trace,omitempty"`
}

// Escalation is a persisted request for manual follow-up on a task
// whose error resolved to StrategyEscalate.
type Escalation struct {
	TaskID       string    `json:"task_id"`
	Timestamp    time.Time `json:"timestamp"`
	ErrorMessage string    `json:"error_message"`
	Trace        string    `json:"trace,omitempty"`
}
