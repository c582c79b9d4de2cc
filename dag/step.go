package dag

import (
	"fmt"
	"time"

	"github.com/xraph/dagrun"
)

// StepStatus represents the lifecycle state of a step within a run.
type StepStatus string

const (
	// StepPending means the step has not started yet.
	StepPending StepStatus = "pending"
	// StepRunning means the step is currently executing.
	StepRunning StepStatus = "running"
	// StepSuccess means the step finished successfully.
	StepSuccess StepStatus = "success"
	// StepFailed means the step failed; it may still re-enter running
	// through Retry while attempts remain.
	StepFailed StepStatus = "failed"
	// StepRetry means the step failed and is scheduled for another attempt.
	StepRetry StepStatus = "retry"
	// StepSkipped means the step was not executed because a dependency
	// failed or a critical step halted the run.
	StepSkipped StepStatus = "skipped"
	// StepCancelled means the run was cancelled before the step finished.
	StepCancelled StepStatus = "cancelled"
)

// stepStatuses is the closed set of valid step statuses.
var stepStatuses = map[StepStatus]struct{}{
	StepPending:   {},
	StepRunning:   {},
	StepSuccess:   {},
	StepFailed:    {},
	StepRetry:     {},
	StepSkipped:   {},
	StepCancelled: {},
}

// Valid reports whether s is a member of the closed status enumeration.
func (s StepStatus) Valid() bool {
	_, ok := stepStatuses[s]
	return ok
}

// Terminal reports whether s is terminal for the run: a terminal step is
// never driven again by the runner. Failed counts as terminal here; only
// an explicit Retry call re-opens a failed step.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSuccess, StepFailed, StepSkipped, StepCancelled:
		return true
	default:
		return false
	}
}

// DefaultMaxRetries is the retry budget applied when none is configured.
const DefaultMaxRetries = 3

// MetaSkipReason is the metadata key under which Skip records its reason.
const MetaSkipReason = "skip_reason"

// Step is one unit of work within a run. It is owned exclusively by its
// parent Run and advanced by the runner through the state machine:
// pending → running → {success, failed}; failed → retry → running while
// attempts remain; any non-terminal step may be skipped or cancelled.
type Step struct {
	StepID          string         `json:"step_id"`
	Status          StepStatus     `json:"status"`
	StartedAt       *time.Time     `json:"start_time,omitempty"`
	EndedAt         *time.Time     `json:"end_time,omitempty"`
	RetryCount      int            `json:"retry_count"`
	MaxRetries      int            `json:"max_retries"`
	Error           string         `json:"error,omitempty"`
	Result          any            `json:"result,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
}

// NewStep creates a pending step. A non-positive maxRetries selects
// DefaultMaxRetries.
func NewStep(stepID string, maxRetries int) *Step {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Step{
		StepID:     stepID,
		Status:     StepPending,
		MaxRetries: maxRetries,
		Metadata:   make(map[string]any),
	}
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	cp := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	if s.DurationSeconds != nil {
		d := *s.DurationSeconds
		cp.DurationSeconds = &d
	}
	if s.Metadata != nil {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Start transitions the step to running and stamps the start time.
// Valid from pending and retry (the next attempt after a retry).
func (s *Step) Start() error {
	if s.Status != StepPending && s.Status != StepRetry {
		return fmt.Errorf("step %q: start from %q: %w", s.StepID, s.Status, dagrun.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	s.Status = StepRunning
	s.StartedAt = &now
	return nil
}

// Complete transitions the step to success, recording the result and
// the derived duration.
func (s *Step) Complete(result any) error {
	if s.Status != StepRunning {
		return fmt.Errorf("step %q: complete from %q: %w", s.StepID, s.Status, dagrun.ErrInvalidTransition)
	}
	s.Status = StepSuccess
	s.Result = result
	s.finish()
	return nil
}

// Fail transitions the step to failed, recording the error.
func (s *Step) Fail(err error) error {
	if s.Status != StepRunning && s.Status != StepRetry {
		return fmt.Errorf("step %q: fail from %q: %w", s.StepID, s.Status, dagrun.ErrInvalidTransition)
	}
	s.Status = StepFailed
	if err != nil {
		s.Error = err.Error()
	}
	s.finish()
	return nil
}

// Retry schedules another attempt if the retry budget allows. It
// increments RetryCount and clears the recorded error. Once the budget
// is exhausted it returns false and leaves the step untouched, so
// repeated calls are idempotent. A step never returns to pending.
func (s *Step) Retry() bool {
	if s.Status != StepRunning && s.Status != StepFailed {
		return false
	}
	if s.RetryCount >= s.MaxRetries {
		return false
	}
	s.Status = StepRetry
	s.RetryCount++
	s.Error = ""
	return true
}

// Skip marks a non-terminal step as skipped, recording the reason in
// its metadata.
func (s *Step) Skip(reason string) error {
	if s.Status.Terminal() {
		return fmt.Errorf("step %q: skip from %q: %w", s.StepID, s.Status, dagrun.ErrInvalidTransition)
	}
	s.Status = StepSkipped
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	s.Metadata[MetaSkipReason] = reason
	s.finish()
	return nil
}

// Cancel marks a non-terminal step as cancelled.
func (s *Step) Cancel() error {
	if s.Status.Terminal() {
		return fmt.Errorf("step %q: cancel from %q: %w", s.StepID, s.Status, dagrun.ErrInvalidTransition)
	}
	s.Status = StepCancelled
	s.finish()
	return nil
}

// finish stamps the end time and derives the duration.
func (s *Step) finish() {
	now := time.Now().UTC()
	s.EndedAt = &now
	if s.StartedAt != nil {
		d := now.Sub(*s.StartedAt).Seconds()
		s.DurationSeconds = &d
	}
}

// Duration returns the elapsed time between start and end, or zero if
// the step has not finished.
func (s *Step) Duration() time.Duration {
	if s.StartedAt == nil || s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(*s.StartedAt)
}

// Validate checks the step record against the closed enumeration and
// its structural invariants. Stores call this at every write boundary.
func (s *Step) Validate() error {
	if s.StepID == "" {
		return fmt.Errorf("dag: step has empty step_id")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("dag: step %q has invalid status %q", s.StepID, s.Status)
	}
	if s.RetryCount < 0 {
		return fmt.Errorf("dag: step %q has negative retry_count %d", s.StepID, s.RetryCount)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("dag: step %q has negative max_retries %d", s.StepID, s.MaxRetries)
	}
	if s.RetryCount > s.MaxRetries {
		return fmt.Errorf("dag: step %q retry_count %d exceeds max_retries %d", s.StepID, s.RetryCount, s.MaxRetries)
	}
	return nil
}
