package dag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xraph/dagrun"
)

// Executor is a bound unit of work for one step. Implementations are
// supplied by external bridges (agent adapters, test stubs); the runner
// has no knowledge of what an executor actually does.
type Executor interface {
	Execute(ctx context.Context) (any, error)
}

// ExecutorFunc adapts an ordinary function to the Executor interface.
type ExecutorFunc func(ctx context.Context) (any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context) (any, error) { return f(ctx) }

// Emitter receives run and step lifecycle events from the runner.
type Emitter interface {
	EmitRunStarted(ctx context.Context, run *Run)
	EmitRunCompleted(ctx context.Context, run *Run, elapsed time.Duration)
	EmitStepStarted(ctx context.Context, run *Run, step *Step)
	EmitStepCompleted(ctx context.Context, run *Run, step *Step, elapsed time.Duration)
	EmitStepFailed(ctx context.Context, run *Run, step *Step, err error)
	EmitStepSkipped(ctx context.Context, run *Run, step *Step, reason string)
}

// NopEmitter is an Emitter that discards all events.
type NopEmitter struct{}

func (NopEmitter) EmitRunStarted(context.Context, *Run)                          {}
func (NopEmitter) EmitRunCompleted(context.Context, *Run, time.Duration)         {}
func (NopEmitter) EmitStepStarted(context.Context, *Run, *Step)                  {}
func (NopEmitter) EmitStepCompleted(context.Context, *Run, *Step, time.Duration) {}
func (NopEmitter) EmitStepFailed(context.Context, *Run, *Step, error)            {}
func (NopEmitter) EmitStepSkipped(context.Context, *Run, *Step, string)          {}

// DefaultRetryDelay is the fixed delay between step retry attempts when
// none is configured. The runner deliberately uses a fixed delay rather
// than the recovery manager's exponential backoff: step retries are
// short-lived and ordering-sensitive.
const DefaultRetryDelay = 1 * time.Second

// binding holds the executor and policy registered for one step.
type binding struct {
	executor   Executor
	maxRetries int
	retryDelay time.Duration
	critical   bool
	sources    []string
}

// StepOption configures a step registration.
type StepOption func(*binding)

// WithMaxRetries sets the step's retry budget.
func WithMaxRetries(n int) StepOption {
	return func(b *binding) { b.maxRetries = n }
}

// WithRetryDelay sets the fixed delay between retry attempts.
func WithRetryDelay(d time.Duration) StepOption {
	return func(b *binding) { b.retryDelay = d }
}

// WithCritical marks whether an exhausted failure of this step halts
// the remainder of the run. Steps are critical by default.
func WithCritical(critical bool) StepOption {
	return func(b *binding) { b.critical = critical }
}

// WithSources declares the upstream steps whose output this step
// consumes. The runner validates that every source succeeded before
// executing the step; otherwise the step is skipped.
func WithSources(stepIDs ...string) StepOption {
	return func(b *binding) { b.sources = stepIDs }
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithEmitter sets the lifecycle event emitter.
func WithEmitter(e Emitter) RunnerOption {
	return func(r *Runner) { r.emitter = e }
}

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// Runner drives one run's steps in resolved order, applying retry and
// criticality policy and persisting every state transition.
//
// Exactly one Execute call is supported per Runner; concurrent calls on
// the same run fail with dagrun.ErrRunInFlight. Callers execute
// distinct runs with distinct Runners.
type Runner struct {
	run      *Run
	store    Store
	emitter  Emitter
	logger   *slog.Logger
	bindings map[string]*binding
	inFlight atomic.Bool
}

// NewRunner creates a runner for the given run.
func NewRunner(run *Run, store Store, opts ...RunnerOption) *Runner {
	r := &Runner{
		run:      run,
		store:    store,
		emitter:  NopEmitter{},
		logger:   slog.Default(),
		bindings: make(map[string]*binding),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run returns the run this runner drives.
func (r *Runner) Run() *Run { return r.run }

// RegisterStep binds an executor to a step that already exists on the
// run. Re-registration overwrites the prior binding.
func (r *Runner) RegisterStep(stepID string, executor Executor, opts ...StepOption) error {
	step, ok := r.run.Step(stepID)
	if !ok {
		return fmt.Errorf("register %q: %w", stepID, dagrun.ErrStepNotFound)
	}

	b := &binding{
		executor:   executor,
		maxRetries: step.MaxRetries,
		retryDelay: DefaultRetryDelay,
		critical:   true,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxRetries >= 0 {
		step.MaxRetries = b.maxRetries
	}

	r.bindings[stepID] = b
	return nil
}

// Execute drives the run's steps sequentially in the given order.
//
// Cancellation is cooperative: an externally cancelled run (or context)
// is observed before each step starts, never mid-step. A critical
// step's exhausted failure skips every remaining step and halts the
// loop; a non-critical failure is recorded and execution continues.
// Step errors never escape the loop; they are captured on the step.
// The run is persisted after every state transition; store faults
// propagate immediately.
//
// On a resumed run, steps already terminal are left untouched, and a
// step found still running from a previous process is counted as one
// failed attempt and re-admitted through its retry budget.
func (r *Runner) Execute(ctx context.Context, order []string) (*Run, error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return r.run, fmt.Errorf("run %s: %w", r.run.ID, dagrun.ErrRunInFlight)
	}
	defer r.inFlight.Store(false)

	start := time.Now()

	if r.run.Status != RunRunning {
		if err := r.run.Start(); err != nil {
			return r.run, err
		}
		if err := r.persist(ctx); err != nil {
			return r.run, err
		}
		r.emitter.EmitRunStarted(ctx, r.run)
	}

	for i, stepID := range order {
		if r.cancelled(ctx) {
			r.run.Cancel()
			if err := r.persist(ctx); err != nil {
				return r.run, err
			}
			break
		}

		step, ok := r.run.Step(stepID)
		if !ok {
			return r.run, fmt.Errorf("execute %q: %w", stepID, dagrun.ErrStepNotFound)
		}
		if step.Status.Terminal() {
			// Already finished (resumed run); nothing to drive.
			continue
		}

		halt, err := r.executeStep(ctx, step, order[i+1:])
		if err != nil {
			return r.run, err
		}
		if halt {
			break
		}
	}

	r.run.Complete()
	if err := r.persist(ctx); err != nil {
		return r.run, err
	}
	r.emitter.EmitRunCompleted(ctx, r.run, time.Since(start))

	r.logger.Info("run finished",
		slog.String("run_id", r.run.ID.String()),
		slog.String("dag_id", r.run.DAGID),
		slog.String("status", string(r.run.Status)),
		slog.Int("total_retries", r.run.TotalRetries()),
	)
	return r.run, nil
}

// executeStep drives one step through its retry loop. It returns
// halt=true when a critical failure stops the run.
func (r *Runner) executeStep(ctx context.Context, step *Step, remaining []string) (bool, error) {
	b, bound := r.bindings[step.StepID]
	if !bound {
		// An unbound step cannot run; fail it and halt (unbound steps
		// default to critical).
		_ = step.Start()
		_ = step.Fail(fmt.Errorf("step %q: %w", step.StepID, dagrun.ErrExecutorNotBound))
		if err := r.persist(ctx); err != nil {
			return true, err
		}
		r.emitter.EmitStepFailed(ctx, r.run, step, dagrun.ErrExecutorNotBound)
		return true, r.skipRemaining(ctx, remaining, fmt.Sprintf("critical step %q failed", step.StepID))
	}

	// Validate declared sources: a step whose upstream did not succeed
	// is skipped rather than handed stale or missing output.
	for _, src := range b.sources {
		upstream, ok := r.run.Step(src)
		if !ok || upstream.Status != StepSuccess {
			reason := fmt.Sprintf("source step %q did not succeed", src)
			if err := step.Skip(reason); err != nil {
				return false, err
			}
			if err := r.persist(ctx); err != nil {
				return false, err
			}
			r.emitter.EmitStepSkipped(ctx, r.run, step, reason)
			return false, nil
		}
	}

	// A step found running was interrupted mid-attempt by a crash of a
	// previous process. The attempt's outcome is unknown, so it counts
	// as a failure; the retry budget decides whether it runs again.
	if step.Status == StepRunning {
		if err := step.Fail(errors.New("attempt interrupted before completion")); err != nil {
			return false, err
		}
		if !step.Retry() {
			if err := r.persist(ctx); err != nil {
				return false, err
			}
			if b.critical {
				return true, r.skipRemaining(ctx, remaining, fmt.Sprintf("critical step %q failed", step.StepID))
			}
			return false, nil
		}
		if err := r.persist(ctx); err != nil {
			return false, err
		}
	}

	for {
		if err := step.Start(); err != nil {
			return false, err
		}
		if err := r.persist(ctx); err != nil {
			return false, err
		}
		r.emitter.EmitStepStarted(ctx, r.run, step)

		attemptStart := time.Now()
		result, execErr := b.executor.Execute(ctx)
		if execErr == nil {
			if err := step.Complete(result); err != nil {
				return false, err
			}
			if err := r.persist(ctx); err != nil {
				return false, err
			}
			r.emitter.EmitStepCompleted(ctx, r.run, step, time.Since(attemptStart))
			return false, nil
		}

		step.Error = execErr.Error()
		r.emitter.EmitStepFailed(ctx, r.run, step, execErr)
		r.logger.Warn("step attempt failed",
			slog.String("run_id", r.run.ID.String()),
			slog.String("step_id", step.StepID),
			slog.Int("retry_count", step.RetryCount),
			slog.String("error", execErr.Error()),
		)

		if step.Retry() {
			if ctx.Err() != nil {
				// Cancelled during the attempt; do not wait out the
				// retry delay.
				r.run.Cancel()
				return true, r.persist(ctx)
			}
			if err := r.persist(ctx); err != nil {
				return false, err
			}
			select {
			case <-time.After(b.retryDelay):
			case <-ctx.Done():
				r.run.Cancel()
				return true, r.persist(ctx)
			}
			continue
		}

		// Retry budget exhausted.
		if err := step.Fail(execErr); err != nil {
			return false, err
		}
		if err := r.persist(ctx); err != nil {
			return false, err
		}

		if b.critical {
			return true, r.skipRemaining(ctx, remaining, fmt.Sprintf("critical step %q failed", step.StepID))
		}
		return false, nil
	}
}

// skipRemaining marks every not-yet-started step in the remaining order
// as skipped.
func (r *Runner) skipRemaining(ctx context.Context, remaining []string, reason string) error {
	for _, stepID := range remaining {
		step, ok := r.run.Step(stepID)
		if !ok || step.Status.Terminal() || step.Status == StepRunning {
			continue
		}
		if err := step.Skip(reason); err != nil {
			return err
		}
		r.emitter.EmitStepSkipped(ctx, r.run, step, reason)
	}
	return r.persist(ctx)
}

// cancelled reports whether the run was externally cancelled or the
// context expired.
func (r *Runner) cancelled(ctx context.Context) bool {
	return r.run.Status == RunCancelled || ctx.Err() != nil
}

// persist writes the current run state through the store. The write is
// detached from ctx's cancellation: the transition already happened in
// memory, and losing it to the same cancellation that ended the run
// would leave the durable record stuck in running.
func (r *Runner) persist(ctx context.Context) error {
	if err := r.store.UpdateRun(context.WithoutCancel(ctx), r.run); err != nil {
		return fmt.Errorf("persist run %s: %w", r.run.ID, err)
	}
	return nil
}
