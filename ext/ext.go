package ext

import (
	"context"
	"time"

	"github.com/xraph/dagrun/dag"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Run lifecycle hooks
// ──────────────────────────────────────────────────

// RunStarted is called when a run begins executing.
type RunStarted interface {
	OnRunStarted(ctx context.Context, run *dag.Run) error
}

// RunCompleted is called after a run reaches a terminal status.
// Inspect run.Status to distinguish success from failure.
type RunCompleted interface {
	OnRunCompleted(ctx context.Context, run *dag.Run, elapsed time.Duration) error
}

// ──────────────────────────────────────────────────
// Step lifecycle hooks
// ──────────────────────────────────────────────────

// StepStarted is called when a step attempt begins.
type StepStarted interface {
	OnStepStarted(ctx context.Context, run *dag.Run, step *dag.Step) error
}

// StepCompleted is called after a step finishes successfully.
type StepCompleted interface {
	OnStepCompleted(ctx context.Context, run *dag.Run, step *dag.Step, elapsed time.Duration) error
}

// StepFailed is called each time a step attempt fails, including
// attempts that will be retried.
type StepFailed interface {
	OnStepFailed(ctx context.Context, run *dag.Run, step *dag.Step, err error) error
}

// StepSkipped is called when a step is skipped without executing,
// either because a source failed or a critical step aborted the run.
type StepSkipped interface {
	OnStepSkipped(ctx context.Context, run *dag.Run, step *dag.Step, reason string) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
