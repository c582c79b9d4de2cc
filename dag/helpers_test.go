package dag_test

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/dagrun/dag"
	"github.com/xraph/dagrun/store/memory"
)

// testLogger returns a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRun builds a created run with pending steps.
func newTestRun(t *testing.T, dagID string, stepIDs ...string) *dag.Run {
	t.Helper()
	r := dag.NewRun(dagID)
	for _, stepID := range stepIDs {
		if err := r.AddStep(dag.NewStep(stepID, 0)); err != nil {
			t.Fatalf("AddStep(%q): %v", stepID, err)
		}
	}
	return r
}

// newTestRunner wires a run to a fresh memory store.
func newTestRunner(t *testing.T, run *dag.Run, opts ...dag.RunnerOption) (*dag.Runner, *memory.Store) {
	t.Helper()
	s := memory.New()
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	opts = append([]dag.RunnerOption{dag.WithLogger(testLogger())}, opts...)
	return dag.NewRunner(run, s, opts...), s
}

// succeed returns an executor that records its invocation and returns
// the given result.
func succeed(calls *atomic.Int32, result any) dag.Executor {
	return dag.ExecutorFunc(func(_ context.Context) (any, error) {
		calls.Add(1)
		return result, nil
	})
}

// fail returns an executor that always returns err.
func fail(calls *atomic.Int32, err error) dag.Executor {
	return dag.ExecutorFunc(func(_ context.Context) (any, error) {
		calls.Add(1)
		return nil, err
	})
}

// trackingEmitter records step lifecycle events for test assertions.
type trackingEmitter struct {
	dag.NopEmitter
	stepStartedCount   atomic.Int32
	stepCompletedCount atomic.Int32
	stepFailedCount    atomic.Int32
	stepSkippedCount   atomic.Int32
	runCompletedCount  atomic.Int32
}

func (e *trackingEmitter) EmitStepStarted(_ context.Context, _ *dag.Run, _ *dag.Step) {
	e.stepStartedCount.Add(1)
}

func (e *trackingEmitter) EmitStepCompleted(_ context.Context, _ *dag.Run, _ *dag.Step, _ time.Duration) {
	e.stepCompletedCount.Add(1)
}

func (e *trackingEmitter) EmitStepFailed(_ context.Context, _ *dag.Run, _ *dag.Step, _ error) {
	e.stepFailedCount.Add(1)
}

func (e *trackingEmitter) EmitStepSkipped(_ context.Context, _ *dag.Run, _ *dag.Step, _ string) {
	e.stepSkippedCount.Add(1)
}

func (e *trackingEmitter) EmitRunCompleted(_ context.Context, _ *dag.Run, _ time.Duration) {
	e.runCompletedCount.Add(1)
}
