package dag

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/dagrun"
	"github.com/xraph/dagrun/id"
)

// RunStatus represents the lifecycle state of a DAG run.
type RunStatus string

const (
	// RunCreated means the run exists but execution has not started.
	RunCreated RunStatus = "created"
	// RunRunning means the runner is driving the run's steps.
	RunRunning RunStatus = "running"
	// RunSuccess means every step finished successfully.
	RunSuccess RunStatus = "success"
	// RunFailed means no step succeeded and at least one failed.
	RunFailed RunStatus = "failed"
	// RunRetry means the run is between retry attempts.
	RunRetry RunStatus = "retry"
	// RunCancelled means the run was cancelled before completion.
	RunCancelled RunStatus = "cancelled"
	// RunPartialSuccess means some steps succeeded while others failed
	// or were skipped.
	RunPartialSuccess RunStatus = "partial_success"
)

// runStatuses is the closed set of valid run statuses.
var runStatuses = map[RunStatus]struct{}{
	RunCreated:        {},
	RunRunning:        {},
	RunSuccess:        {},
	RunFailed:         {},
	RunRetry:          {},
	RunCancelled:      {},
	RunPartialSuccess: {},
}

// Valid reports whether s is a member of the closed status enumeration.
func (s RunStatus) Valid() bool {
	_, ok := runStatuses[s]
	return ok
}

// Terminal reports whether the run has reached a final status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunCancelled, RunPartialSuccess:
		return true
	default:
		return false
	}
}

// Active reports whether the run still has work pending.
// Active is the complement of Terminal over the closed enumeration.
func (s RunStatus) Active() bool {
	switch s {
	case RunCreated, RunRunning, RunRetry:
		return true
	default:
		return false
	}
}

// ──────────────────────────────────────────────────
// StepMap — insertion-ordered step collection
// ──────────────────────────────────────────────────

// StepMap maps step IDs to steps while preserving registration order.
// It serializes as a JSON object whose keys appear in insertion order
// and deserializes preserving the order found in the document.
type StepMap struct {
	steps []*Step
	index map[string]int
}

// Add appends a step. Step IDs must be unique within the map.
func (m *StepMap) Add(s *Step) error {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if _, exists := m.index[s.StepID]; exists {
		return fmt.Errorf("step %q: %w", s.StepID, dagrun.ErrDuplicateStep)
	}
	m.index[s.StepID] = len(m.steps)
	m.steps = append(m.steps, s)
	return nil
}

// Get returns the step with the given ID.
func (m *StepMap) Get(stepID string) (*Step, bool) {
	i, ok := m.index[stepID]
	if !ok {
		return nil, false
	}
	return m.steps[i], true
}

// All returns the steps in insertion order. The returned slice is a
// copy; the steps themselves are shared.
func (m *StepMap) All() []*Step {
	out := make([]*Step, len(m.steps))
	copy(out, m.steps)
	return out
}

// Len returns the number of steps.
func (m *StepMap) Len() int { return len(m.steps) }

// Clone returns a deep copy of the map and its steps.
func (m *StepMap) Clone() StepMap {
	var cp StepMap
	for _, s := range m.steps {
		cp.Add(s.Clone()) //nolint:errcheck // source map already enforces unique IDs
	}
	return cp
}

// MarshalJSON writes the steps as a JSON object in insertion order.
func (m StepMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, s := range m.steps {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(s.StepID)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object of steps, preserving document order.
func (m *StepMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("dag: steps: expected JSON object, got %v", tok)
	}

	m.steps = nil
	m.index = make(map[string]int)

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("dag: steps: expected string key, got %v", keyTok)
		}

		var s Step
		if err := dec.Decode(&s); err != nil {
			return fmt.Errorf("dag: steps: decode step %q: %w", key, err)
		}
		if s.StepID == "" {
			s.StepID = key
		}
		if err := m.Add(&s); err != nil {
			return err
		}
	}

	// Consume the closing brace.
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// ──────────────────────────────────────────────────
// Run
// ──────────────────────────────────────────────────

// Run is one execution instance of a DAG. Many runs share a DAGID; the
// run ID is globally unique. The run's terminal status is always a pure
// function of its steps' terminal statuses, computed by Complete.
type Run struct {
	dagrun.Entity

	ID              id.RunID       `json:"run_id"`
	DAGID           string         `json:"dag_id"`
	Status          RunStatus      `json:"status"`
	Steps           StepMap        `json:"steps"`
	StartedAt       *time.Time     `json:"start_time,omitempty"`
	EndedAt         *time.Time     `json:"end_time,omitempty"`
	Error           string         `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty"`
}

// runAlias avoids MarshalJSON recursion.
type runAlias Run

// runJSON is the persisted record shape: the Run plus the derived
// total_retries field.
type runJSON struct {
	runAlias
	TotalRetries int `json:"total_retries"`
}

// MarshalJSON includes the derived total_retries field in the record.
func (r Run) MarshalJSON() ([]byte, error) {
	return json.Marshal(runJSON{runAlias: runAlias(r), TotalRetries: r.TotalRetries()})
}

// UnmarshalJSON accepts the persisted record shape. The total_retries
// field is discarded; it is always recomputed from the steps.
func (r *Run) UnmarshalJSON(data []byte) error {
	var aux runJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Run(aux.runAlias)
	return nil
}

// NewRun creates a run in the created state with a fresh run ID.
func NewRun(dagID string) *Run {
	return &Run{
		Entity:   dagrun.NewEntity(),
		ID:       id.NewRunID(),
		DAGID:    dagID,
		Status:   RunCreated,
		Metadata: make(map[string]any),
	}
}

// Clone returns a deep copy of the run, its steps included.
func (r *Run) Clone() *Run {
	cp := *r
	cp.Steps = r.Steps.Clone()
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	if r.DurationSeconds != nil {
		d := *r.DurationSeconds
		cp.DurationSeconds = &d
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// AddStep registers a step on the run. Steps may only be added before
// the run starts.
func (r *Run) AddStep(s *Step) error {
	if r.Status != RunCreated {
		return fmt.Errorf("run %s: add step in status %q: %w", r.ID, r.Status, dagrun.ErrInvalidTransition)
	}
	return r.Steps.Add(s)
}

// Step returns the step with the given ID.
func (r *Run) Step(stepID string) (*Step, bool) {
	return r.Steps.Get(stepID)
}

// Start transitions the run to running and stamps the start time.
// Calling Start on an already-running run is a no-op.
func (r *Run) Start() error {
	if r.Status == RunRunning {
		return nil
	}
	if r.Status != RunCreated && r.Status != RunRetry {
		return fmt.Errorf("run %s: start from %q: %w", r.ID, r.Status, dagrun.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	r.Status = RunRunning
	r.StartedAt = &now
	return nil
}

// Complete derives the run's final status from its steps' terminal
// statuses and stamps the end time. All steps success ⇒ success with no
// error. At least one success alongside failed, skipped, or cancelled
// steps ⇒ partial_success with a joined failure summary. No successes
// at all ⇒ failed. A cancelled run keeps its status; only the end time
// and duration are stamped.
func (r *Run) Complete() {
	r.stampEnd()

	if r.Status == RunCancelled {
		return
	}

	var success, failed, skipped int
	var failures []string
	for _, s := range r.Steps.All() {
		switch s.Status {
		case StepSuccess:
			success++
		case StepFailed:
			failed++
			if s.Error != "" {
				failures = append(failures, fmt.Sprintf("%s: %s", s.StepID, s.Error))
			} else {
				failures = append(failures, s.StepID)
			}
		case StepSkipped:
			skipped++
			failures = append(failures, fmt.Sprintf("%s: skipped", s.StepID))
		case StepCancelled:
			failures = append(failures, fmt.Sprintf("%s: cancelled", s.StepID))
		}
	}

	switch {
	case success == r.Steps.Len():
		r.Status = RunSuccess
		r.Error = ""
	case success > 0:
		r.Status = RunPartialSuccess
		r.Error = strings.Join(failures, "; ")
	default:
		r.Status = RunFailed
		r.Error = strings.Join(failures, "; ")
		if r.Error == "" {
			r.Error = "no steps succeeded"
		}
	}
}

// Cancel sets the run to cancelled and cascades to every step that has
// not already reached a terminal status. Terminal steps are untouched.
func (r *Run) Cancel() {
	r.Status = RunCancelled
	for _, s := range r.Steps.All() {
		if !s.Status.Terminal() {
			_ = s.Cancel() // non-terminal by check above
		}
	}
	r.stampEnd()
}

// stampEnd records the end time and derived duration.
func (r *Run) stampEnd() {
	now := time.Now().UTC()
	r.EndedAt = &now
	if r.StartedAt != nil {
		d := now.Sub(*r.StartedAt).Seconds()
		r.DurationSeconds = &d
	}
}

// TotalRetries returns the sum of all step retry counts.
func (r *Run) TotalRetries() int {
	total := 0
	for _, s := range r.Steps.All() {
		total += s.RetryCount
	}
	return total
}

// Summary aggregates per-step outcomes for reporting.
type Summary struct {
	TotalSteps     int     `json:"total_steps"`
	CompletedSteps int     `json:"completed_steps"`
	FailedSteps    int     `json:"failed_steps"`
	SkippedSteps   int     `json:"skipped_steps"`
	SuccessRate    float64 `json:"success_rate"`
}

// Summary returns execution counts and the success rate as a percentage.
// A run with zero steps reports a zero success rate.
func (r *Run) Summary() Summary {
	sum := Summary{TotalSteps: r.Steps.Len()}
	for _, s := range r.Steps.All() {
		switch s.Status {
		case StepSuccess:
			sum.CompletedSteps++
		case StepFailed:
			sum.FailedSteps++
		case StepSkipped:
			sum.SkippedSteps++
		}
	}
	if sum.TotalSteps > 0 {
		sum.SuccessRate = float64(sum.CompletedSteps) / float64(sum.TotalSteps) * 100
	}
	return sum
}

// Validate checks the run record against the closed enumerations and
// structural invariants. Stores call this at every write boundary.
func (r *Run) Validate() error {
	if r.ID.IsNil() {
		return fmt.Errorf("dag: run has nil run_id")
	}
	if r.DAGID == "" {
		return fmt.Errorf("dag: run %s has empty dag_id", r.ID)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("dag: run %s has invalid status %q", r.ID, r.Status)
	}
	for _, s := range r.Steps.All() {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("dag: run %s: %w", r.ID, err)
		}
	}
	return nil
}
