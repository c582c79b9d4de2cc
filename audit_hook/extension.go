package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/dagrun/dag"
	"github.com/xraph/dagrun/ext"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*Extension)(nil)
	_ ext.RunStarted    = (*Extension)(nil)
	_ ext.RunCompleted  = (*Extension)(nil)
	_ ext.StepStarted   = (*Extension)(nil)
	_ ext.StepCompleted = (*Extension)(nil)
	_ ext.StepFailed    = (*Extension)(nil)
	_ ext.StepSkipped   = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// It is defined locally so the audit_hook package does not depend on any
// particular audit system — callers inject the concrete backend at
// wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges dagrun lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Run lifecycle hooks ─────────────────────────────

// OnRunStarted implements ext.RunStarted.
func (e *Extension) OnRunStarted(ctx context.Context, run *dag.Run) error {
	return e.record(ctx, ActionRunStarted, SeverityInfo, OutcomeSuccess,
		ResourceRun, run.ID.String(), CategoryRun, nil,
		"dag_id", run.DAGID,
	)
}

// OnRunCompleted implements ext.RunCompleted. A run that ends in any
// terminal status other than success is recorded as run.failed with
// critical severity.
func (e *Extension) OnRunCompleted(ctx context.Context, run *dag.Run, elapsed time.Duration) error {
	if run.Status != dag.RunSuccess {
		return e.record(ctx, ActionRunFailed, SeverityCritical, OutcomeFailure,
			ResourceRun, run.ID.String(), CategoryRun, nil,
			"dag_id", run.DAGID,
			"status", string(run.Status),
			"elapsed_ms", elapsed.Milliseconds(),
		)
	}
	return e.record(ctx, ActionRunCompleted, SeverityInfo, OutcomeSuccess,
		ResourceRun, run.ID.String(), CategoryRun, nil,
		"dag_id", run.DAGID,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepStarted implements ext.StepStarted.
func (e *Extension) OnStepStarted(ctx context.Context, run *dag.Run, step *dag.Step) error {
	return e.record(ctx, ActionStepStarted, SeverityInfo, OutcomeSuccess,
		ResourceStep, step.StepID, CategoryStep, nil,
		"dag_id", run.DAGID,
		"run_id", run.ID.String(),
		"retry_count", step.RetryCount,
	)
}

// OnStepCompleted implements ext.StepCompleted.
func (e *Extension) OnStepCompleted(ctx context.Context, run *dag.Run, step *dag.Step, elapsed time.Duration) error {
	return e.record(ctx, ActionStepCompleted, SeverityInfo, OutcomeSuccess,
		ResourceStep, step.StepID, CategoryStep, nil,
		"dag_id", run.DAGID,
		"run_id", run.ID.String(),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnStepFailed implements ext.StepFailed. Attempts with retry budget
// remaining are recorded as warnings; the final failure is critical.
func (e *Extension) OnStepFailed(ctx context.Context, run *dag.Run, step *dag.Step, stepErr error) error {
	severity := SeverityWarning
	if step.RetryCount >= step.MaxRetries {
		severity = SeverityCritical
	}
	return e.record(ctx, ActionStepFailed, severity, OutcomeFailure,
		ResourceStep, step.StepID, CategoryStep, stepErr,
		"dag_id", run.DAGID,
		"run_id", run.ID.String(),
		"retry_count", step.RetryCount,
		"max_retries", step.MaxRetries,
	)
}

// OnStepSkipped implements ext.StepSkipped.
func (e *Extension) OnStepSkipped(ctx context.Context, run *dag.Run, step *dag.Step, reason string) error {
	return e.record(ctx, ActionStepSkipped, SeverityWarning, OutcomeFailure,
		ResourceStep, step.StepID, CategoryStep, nil,
		"dag_id", run.DAGID,
		"run_id", run.ID.String(),
		"skip_reason", reason,
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
