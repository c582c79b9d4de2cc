package dag

import (
	"context"

	"github.com/xraph/dagrun/id"
)

// ListOpts controls filtering and pagination for run list queries.
type ListOpts struct {
	// DAGID filters by workflow template identifier. Empty means all.
	DAGID string
	// Status filters by run status. Empty means all statuses.
	Status RunStatus
	// Limit is the maximum number of runs to return. Zero means no limit.
	Limit int
	// Offset is the number of runs to skip.
	Offset int
}

// Stats summarizes the run history held by a store.
type Stats struct {
	TotalRuns   int64               `json:"total_runs"`
	ByStatus    map[RunStatus]int64 `json:"by_status"`
	SuccessRate float64             `json:"success_rate"`
}

// Store defines the persistence contract for DAG runs. Implementations
// must provide read-after-write consistency for a given run ID and safe
// concurrent create/update/list from independently executing runs.
// Store faults propagate immediately; they are never retried internally.
type Store interface {
	// CreateRun persists a new run. Fails with dagrun.ErrDuplicateRun
	// if the run ID already exists.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID. Fails with dagrun.ErrRunNotFound
	// if absent.
	GetRun(ctx context.Context, runID id.RunID) (*Run, error)

	// UpdateRun overwrites a previously created run. Fails with
	// dagrun.ErrRunNotFound if the run was never created.
	UpdateRun(ctx context.Context, run *Run) error

	// DeleteRun removes a run by ID. Returns false if the run does
	// not exist.
	DeleteRun(ctx context.Context, runID id.RunID) (bool, error)

	// ListRuns returns runs matching the given options, most recent
	// first.
	ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error)

	// ActiveRuns returns runs whose status is non-terminal
	// (created, running, retry), most recent first.
	ActiveRuns(ctx context.Context) ([]*Run, error)

	// Stats aggregates run counts by status and the overall success
	// rate as a percentage.
	Stats(ctx context.Context) (*Stats, error)
}
