package dag_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/dagrun"
	"github.com/xraph/dagrun/dag"
	"github.com/xraph/dagrun/store/memory"
)

func TestRunner_HappyPath(t *testing.T) {
	t.Parallel()

	run := newTestRun(t, "etl-daily", "extract", "transform", "load")
	emitter := &trackingEmitter{}
	runner, store := newTestRunner(t, run, dag.WithEmitter(emitter))

	var calls atomic.Int32
	for _, stepID := range []string{"extract", "transform", "load"} {
		if err := runner.RegisterStep(stepID, succeed(&calls, "ok")); err != nil {
			t.Fatalf("RegisterStep(%q): %v", stepID, err)
		}
	}

	got, err := runner.Execute(context.Background(), []string{"extract", "transform", "load"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != dag.RunSuccess {
		t.Errorf("status = %q, want success", got.Status)
	}
	if calls.Load() != 3 {
		t.Errorf("executor calls = %d, want 3", calls.Load())
	}
	if emitter.stepCompletedCount.Load() != 3 {
		t.Errorf("step completed events = %d, want 3", emitter.stepCompletedCount.Load())
	}
	if emitter.runCompletedCount.Load() != 1 {
		t.Errorf("run completed events = %d, want 1", emitter.runCompletedCount.Load())
	}

	// Final state must be persisted.
	persisted, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if persisted.Status != dag.RunSuccess {
		t.Errorf("persisted status = %q, want success", persisted.Status)
	}
}

func TestRunner_RetryThenSucceed(t *testing.T) {
	t.Parallel()

	run := newTestRun(t, "etl-daily", "flaky")
	runner, _ := newTestRunner(t, run)

	var calls atomic.Int32
	exec := dag.ExecutorFunc(func(_ context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	if err := runner.RegisterStep("flaky", exec,
		dag.WithMaxRetries(3),
		dag.WithRetryDelay(time.Millisecond),
	); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}

	got, err := runner.Execute(context.Background(), []string{"flaky"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != dag.RunSuccess {
		t.Errorf("status = %q, want success", got.Status)
	}
	step, _ := got.Step("flaky")
	if step.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", step.RetryCount)
	}
	if step.Error != "" {
		t.Errorf("step Error = %q, want cleared after recovery", step.Error)
	}
	if got.TotalRetries() != 2 {
		t.Errorf("TotalRetries = %d, want 2", got.TotalRetries())
	}
}

func TestRunner_CriticalFailureSkipsRemaining(t *testing.T) {
	t.Parallel()

	run := newTestRun(t, "etl-daily", "s1", "s2", "s3")
	emitter := &trackingEmitter{}
	runner, _ := newTestRunner(t, run, dag.WithEmitter(emitter))

	var s1Calls, s2Calls, s3Calls atomic.Int32
	if err := runner.RegisterStep("s1", fail(&s1Calls, errors.New("boom")),
		dag.WithMaxRetries(1),
		dag.WithRetryDelay(time.Millisecond),
	); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}
	if err := runner.RegisterStep("s2", succeed(&s2Calls, nil)); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}
	if err := runner.RegisterStep("s3", succeed(&s3Calls, nil)); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}

	got, err := runner.Execute(context.Background(), []string{"s1", "s2", "s3"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != dag.RunFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	// Initial attempt plus one retry.
	if s1Calls.Load() != 2 {
		t.Errorf("s1 calls = %d, want 2", s1Calls.Load())
	}
	if s2Calls.Load() != 0 || s3Calls.Load() != 0 {
		t.Errorf("downstream executors invoked after critical failure: s2=%d s3=%d",
			s2Calls.Load(), s3Calls.Load())
	}
	for _, stepID := range []string{"s2", "s3"} {
		step, _ := got.Step(stepID)
		if step.Status != dag.StepSkipped {
			t.Errorf("step %q status = %q, want skipped", stepID, step.Status)
		}
	}
	if emitter.stepSkippedCount.Load() != 2 {
		t.Errorf("step skipped events = %d, want 2", emitter.stepSkippedCount.Load())
	}
}

func TestRunner_NonCriticalFailureContinues(t *testing.T) {
	t.Parallel()

	run := newTestRun(t, "etl-daily", "optional", "main")
	runner, _ := newTestRunner(t, run)

	var optCalls, mainCalls atomic.Int32
	if err := runner.RegisterStep("optional", fail(&optCalls, errors.New("boom")),
		dag.WithMaxRetries(0),
		dag.WithCritical(false),
	); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}
	if err := runner.RegisterStep("main", succeed(&mainCalls, "ok")); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}

	got, err := runner.Execute(context.Background(), []string{"optional", "main"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != dag.RunPartialSuccess {
		t.Errorf("status = %q, want partial_success", got.Status)
	}
	if mainCalls.Load() != 1 {
		t.Errorf("main calls = %d, want 1", mainCalls.Load())
	}
}

func TestRunner_SourceValidationSkips(t *testing.T) {
	t.Parallel()

	run := newTestRun(t, "etl-daily", "up", "down")
	runner, _ := newTestRunner(t, run)

	var upCalls, downCalls atomic.Int32
	if err := runner.RegisterStep("up", fail(&upCalls, errors.New("boom")),
		dag.WithMaxRetries(0),
		dag.WithCritical(false),
	); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}
	if err := runner.RegisterStep("down", succeed(&downCalls, nil),
		dag.WithSources("up"),
	); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}

	got, err := runner.Execute(context.Background(), []string{"up", "down"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if downCalls.Load() != 0 {
		t.Errorf("downstream executor invoked despite failed source")
	}
	step, _ := got.Step("down")
	if step.Status != dag.StepSkipped {
		t.Errorf("down status = %q, want skipped", step.Status)
	}
	if got.Status != dag.RunFailed {
		t.Errorf("status = %q, want failed (no step succeeded)", got.Status)
	}
}

func TestRunner_UnboundStepFails(t *testing.T) {
	t.Parallel()

	run := newTestRun(t, "etl-daily", "ghost", "after")
	runner, _ := newTestRunner(t, run)

	var afterCalls atomic.Int32
	if err := runner.RegisterStep("after", succeed(&afterCalls, nil)); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}

	got, err := runner.Execute(context.Background(), []string{"ghost", "after"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	step, _ := got.Step("ghost")
	if step.Status != dag.StepFailed {
		t.Errorf("ghost status = %q, want failed", step.Status)
	}
	if afterCalls.Load() != 0 {
		t.Error("steps after an unbound step still executed")
	}
}

func TestRunner_RegisterUnknownStep(t *testing.T) {
	t.Parallel()

	run := newTestRun(t, "etl-daily", "extract")
	runner, _ := newTestRunner(t, run)

	var calls atomic.Int32
	err := runner.RegisterStep("ghost", succeed(&calls, nil))
	if !errors.Is(err, dagrun.ErrStepNotFound) {
		t.Fatalf("error = %v, want ErrStepNotFound", err)
	}
}

func TestRunner_ContextCancellation(t *testing.T) {
	t.Parallel()

	run := newTestRun(t, "etl-daily", "first", "second")
	runner, _ := newTestRunner(t, run)

	ctx, cancel := context.WithCancel(context.Background())
	var firstCalls, secondCalls atomic.Int32
	if err := runner.RegisterStep("first", dag.ExecutorFunc(func(_ context.Context) (any, error) {
		firstCalls.Add(1)
		cancel() // cancel mid-run; observed before the next step starts
		return "ok", nil
	})); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}
	if err := runner.RegisterStep("second", succeed(&secondCalls, nil)); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}

	got, err := runner.Execute(ctx, []string{"first", "second"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != dag.RunCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
	if secondCalls.Load() != 0 {
		t.Error("second step executed after cancellation")
	}
	first, _ := got.Step("first")
	if first.Status != dag.StepSuccess {
		t.Errorf("first status = %q, want success (finished before cancellation)", first.Status)
	}
}

func TestRunner_ConcurrentExecuteRejected(t *testing.T) {
	t.Parallel()

	run := newTestRun(t, "etl-daily", "slow")
	runner, _ := newTestRunner(t, run)

	started := make(chan struct{})
	release := make(chan struct{})
	if err := runner.RegisterStep("slow", dag.ExecutorFunc(func(_ context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = runner.Execute(context.Background(), []string{"slow"})
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first Execute never started the step")
	}

	_, err := runner.Execute(context.Background(), []string{"slow"})
	if !errors.Is(err, dagrun.ErrRunInFlight) {
		t.Errorf("second Execute error = %v, want ErrRunInFlight", err)
	}

	close(release)
	wg.Wait()
}

func TestRunner_ResumeSkipsTerminalSteps(t *testing.T) {
	t.Parallel()

	run := newTestRun(t, "etl-daily", "done", "todo")
	if err := run.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done, _ := run.Step("done")
	_ = done.Start()
	_ = done.Complete("cached")

	runner, _ := newTestRunner(t, run)
	var doneCalls, todoCalls atomic.Int32
	if err := runner.RegisterStep("done", succeed(&doneCalls, nil)); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}
	if err := runner.RegisterStep("todo", succeed(&todoCalls, nil)); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}

	got, err := runner.Execute(context.Background(), []string{"done", "todo"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if doneCalls.Load() != 0 {
		t.Error("already-terminal step re-executed on resume")
	}
	if todoCalls.Load() != 1 {
		t.Errorf("todo calls = %d, want 1", todoCalls.Load())
	}
	if got.Status != dag.RunSuccess {
		t.Errorf("status = %q, want success", got.Status)
	}
}

func TestRunner_ResumesInterruptedStep(t *testing.T) {
	t.Parallel()

	// A crash leaves the persisted run with one finished step and one
	// stuck in running. Resuming must treat the stuck attempt as lost
	// and retry it within budget.
	run := newTestRun(t, "etl-daily", "loaded", "stuck")
	if err := run.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	loaded, _ := run.Step("loaded")
	_ = loaded.Start()
	_ = loaded.Complete("cached")
	stuck, _ := run.Step("stuck")
	_ = stuck.Start()

	runner, store := newTestRunner(t, run)
	var loadedCalls, stuckCalls atomic.Int32
	if err := runner.RegisterStep("loaded", succeed(&loadedCalls, nil)); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}
	if err := runner.RegisterStep("stuck", succeed(&stuckCalls, "done"),
		dag.WithMaxRetries(1), dag.WithRetryDelay(time.Millisecond)); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}

	got, err := runner.Execute(context.Background(), []string{"loaded", "stuck"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != dag.RunSuccess {
		t.Errorf("status = %q, want success", got.Status)
	}
	if loadedCalls.Load() != 0 {
		t.Error("finished step re-executed on resume")
	}
	if stuckCalls.Load() != 1 {
		t.Errorf("stuck calls = %d, want 1", stuckCalls.Load())
	}
	if stuck.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1 (lost attempt counted)", stuck.RetryCount)
	}

	stored, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != dag.RunSuccess {
		t.Errorf("stored status = %q, want success", stored.Status)
	}
}

func TestRunner_InterruptedStepBudgetExhausted(t *testing.T) {
	t.Parallel()

	run := newTestRun(t, "etl-daily", "stuck", "after")
	if err := run.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stuck, _ := run.Step("stuck")
	_ = stuck.Start()

	runner, _ := newTestRunner(t, run)
	var stuckCalls, afterCalls atomic.Int32
	if err := runner.RegisterStep("stuck", succeed(&stuckCalls, nil)); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}
	if err := runner.RegisterStep("after", succeed(&afterCalls, nil)); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}

	got, err := runner.Execute(context.Background(), []string{"stuck", "after"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if stuckCalls.Load() != 0 {
		t.Error("exhausted step re-executed")
	}
	if stuck.Status != dag.StepFailed {
		t.Errorf("stuck status = %q, want failed", stuck.Status)
	}
	if stuck.Error == "" {
		t.Error("stuck step has no recorded error")
	}
	if afterCalls.Load() != 0 {
		t.Error("step after critical failure executed")
	}
	if got.Status != dag.RunFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

// failingOnDeadCtxStore refuses writes once the context is cancelled,
// the way database-backed stores do.
type failingOnDeadCtxStore struct {
	*memory.Store
}

func (s *failingOnDeadCtxStore) UpdateRun(ctx context.Context, run *dag.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.UpdateRun(ctx, run)
}

func TestRunner_CancellationPersistedThroughDeadContext(t *testing.T) {
	t.Parallel()

	run := newTestRun(t, "etl-daily", "first", "second")
	s := &failingOnDeadCtxStore{Store: memory.New()}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	runner := dag.NewRunner(run, s, dag.WithLogger(testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	var firstCalls, secondCalls atomic.Int32
	if err := runner.RegisterStep("first", dag.ExecutorFunc(func(_ context.Context) (any, error) {
		firstCalls.Add(1)
		cancel()
		return "ok", nil
	})); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}
	if err := runner.RegisterStep("second", succeed(&secondCalls, nil)); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}

	got, err := runner.Execute(ctx, []string{"first", "second"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != dag.RunCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}

	stored, err := s.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != dag.RunCancelled {
		t.Errorf("stored status = %q, want cancelled (cancellation lost)", stored.Status)
	}
}

func TestRunner_CancelDuringRetryPersisted(t *testing.T) {
	t.Parallel()

	run := newTestRun(t, "etl-daily", "flaky")
	s := &failingOnDeadCtxStore{Store: memory.New()}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	runner := dag.NewRunner(run, s, dag.WithLogger(testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	if err := runner.RegisterStep("flaky", dag.ExecutorFunc(func(ctx context.Context) (any, error) {
		calls.Add(1)
		cancel()
		return nil, ctx.Err()
	}), dag.WithMaxRetries(2), dag.WithRetryDelay(time.Millisecond)); err != nil {
		t.Fatalf("RegisterStep: %v", err)
	}

	got, err := runner.Execute(ctx, []string{"flaky"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.Status != dag.RunCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry after cancellation)", calls.Load())
	}

	stored, err := s.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.Status != dag.RunCancelled {
		t.Errorf("stored status = %q, want cancelled (cancellation lost)", stored.Status)
	}
}
