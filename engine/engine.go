package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xraph/dagrun"
	"github.com/xraph/dagrun/dag"
	"github.com/xraph/dagrun/ext"
	mw "github.com/xraph/dagrun/middleware"
)

// fanoutEmitter forwards each lifecycle event to every wrapped emitter.
// The engine uses it to notify a WithEmitter value and the extension
// registry from a single runner hook.
type fanoutEmitter []dag.Emitter

func (f fanoutEmitter) EmitRunStarted(ctx context.Context, run *dag.Run) {
	for _, e := range f {
		e.EmitRunStarted(ctx, run)
	}
}

func (f fanoutEmitter) EmitRunCompleted(ctx context.Context, run *dag.Run, elapsed time.Duration) {
	for _, e := range f {
		e.EmitRunCompleted(ctx, run, elapsed)
	}
}

func (f fanoutEmitter) EmitStepStarted(ctx context.Context, run *dag.Run, step *dag.Step) {
	for _, e := range f {
		e.EmitStepStarted(ctx, run, step)
	}
}

func (f fanoutEmitter) EmitStepCompleted(ctx context.Context, run *dag.Run, step *dag.Step, elapsed time.Duration) {
	for _, e := range f {
		e.EmitStepCompleted(ctx, run, step, elapsed)
	}
}

func (f fanoutEmitter) EmitStepFailed(ctx context.Context, run *dag.Run, step *dag.Step, err error) {
	for _, e := range f {
		e.EmitStepFailed(ctx, run, step, err)
	}
}

func (f fanoutEmitter) EmitStepSkipped(ctx context.Context, run *dag.Run, step *dag.Step, reason string) {
	for _, e := range f {
		e.EmitStepSkipped(ctx, run, step, reason)
	}
}

// Definition describes a registered workflow: its declared steps and a
// binder that attaches executors to a fresh runner.
type Definition struct {
	// DAGID is the workflow template identifier. Runs created from this
	// definition carry it as their DAGID.
	DAGID string

	// Declarations are the workflow's steps. They are resolved once at
	// registration; a cycle or unknown dependency fails Register.
	Declarations []dag.Declaration

	// Bind attaches an executor to every step of a new run. It is called
	// once per Execute.
	Bind func(ctx context.Context, b *Binder) error
}

// Binder registers executors against one run's steps, applying the
// engine's middleware chain around each executor.
type Binder struct {
	run     *dag.Run
	runner  *dag.Runner
	mws     []mw.Middleware
	delay   time.Duration
	sources map[string][]string
}

// Bind attaches an executor to the named step. Engine middleware wraps
// the executor; the resolver's upstream sources and the engine's retry
// delay are applied first, so explicit step options can override them.
func (b *Binder) Bind(stepID string, exec dag.Executor, opts ...dag.StepOption) error {
	if len(b.mws) > 0 {
		step, ok := b.run.Step(stepID)
		if !ok {
			return fmt.Errorf("bind %q: %w", stepID, dagrun.ErrStepNotFound)
		}
		exec = mw.Wrap(step, exec, b.mws...)
	}

	defaults := []dag.StepOption{dag.WithRetryDelay(b.delay)}
	if sources := b.sources[stepID]; len(sources) > 0 {
		defaults = append(defaults, dag.WithSources(sources...))
	}
	return b.runner.RegisterStep(stepID, exec, append(defaults, opts...)...)
}

// Run returns the run being bound, for executors that need its metadata.
func (b *Binder) Run() *dag.Run { return b.run }

// definition pairs a Definition with its resolved plan.
type definition struct {
	def  Definition
	plan *dag.Plan
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration. Defaults to
// dagrun.DefaultConfig().
func WithConfig(cfg dagrun.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMiddleware adds middleware to the engine's execution chain. The
// chain wraps every bound executor, outermost first.
func WithMiddleware(mws ...mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, mws...) }
}

// WithEmitter sets the lifecycle event emitter passed to every runner.
// Registered extensions receive events regardless; the emitter is
// notified alongside them.
func WithEmitter(emitter dag.Emitter) Option {
	return func(e *Engine) { e.emitter = emitter }
}

// WithExtension registers a lifecycle extension. Extensions receive run
// and step events from every runner plus a shutdown notification.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) { e.pending = append(e.pending, x) }
}

// Engine drives runs for registered workflow definitions. Runs execute
// concurrently up to Config.Concurrency; the steps of any single run
// remain strictly sequential.
type Engine struct {
	store   dag.Store
	cfg     dagrun.Config
	logger  *slog.Logger
	emitter dag.Emitter
	mws     []mw.Middleware

	// pending collects WithExtension values until New builds the
	// registry with the final logger.
	pending    []ext.Extension
	extensions *ext.Registry

	mu   sync.RWMutex
	defs map[string]*definition

	group   *errgroup.Group
	limiter *rate.Limiter
}

// New creates an engine backed by the given store.
func New(store dag.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		cfg:     dagrun.DefaultConfig(),
		logger:  slog.Default(),
		emitter: dag.NopEmitter{},
		defs:    make(map[string]*definition),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.extensions = ext.NewRegistry(e.logger)
	for _, x := range e.pending {
		e.extensions.Register(x)
	}
	e.pending = nil

	e.group = new(errgroup.Group)
	if e.cfg.Concurrency > 0 {
		e.group.SetLimit(e.cfg.Concurrency)
	}
	if e.cfg.StartRate > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(e.cfg.StartRate), 1)
	}
	return e
}

// Register adds a workflow definition. Declarations are resolved
// immediately; a cycle, duplicate ID, or unknown dependency fails here
// rather than at run time.
func (e *Engine) Register(def Definition) error {
	if def.DAGID == "" {
		return fmt.Errorf("engine: definition has empty dag id")
	}
	if def.Bind == nil {
		return fmt.Errorf("engine: definition %q has no bind function", def.DAGID)
	}

	plan, err := dag.Resolve(def.Declarations)
	if err != nil {
		return fmt.Errorf("engine: resolve %q: %w", def.DAGID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.defs[def.DAGID]; exists {
		return fmt.Errorf("engine: %q: %w", def.DAGID, dagrun.ErrDuplicateDAG)
	}
	e.defs[def.DAGID] = &definition{def: def, plan: plan}

	e.logger.Info("workflow registered",
		slog.String("dag_id", def.DAGID),
		slog.Int("steps", len(def.Declarations)),
	)
	return nil
}

// Definition returns the registered definition for the given DAG ID.
func (e *Engine) Definition(dagID string) (Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.defs[dagID]
	if !ok {
		return Definition{}, false
	}
	return d.def, true
}

// NewRun creates and persists a run for the registered workflow. Steps
// are added in resolved execution order with the engine's default retry
// budget; the declarations are embedded in the run metadata.
func (e *Engine) NewRun(ctx context.Context, dagID string) (*dag.Run, error) {
	d, err := e.lookup(dagID)
	if err != nil {
		return nil, err
	}

	run := dag.NewRun(dagID)
	run.Metadata["declarations"] = d.def.Declarations
	for _, stepID := range d.plan.Order {
		if err := run.AddStep(dag.NewStep(stepID, e.cfg.MaxRetries)); err != nil {
			return nil, err
		}
	}

	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// Execute drives the run synchronously and returns its final state.
func (e *Engine) Execute(ctx context.Context, run *dag.Run) (*dag.Run, error) {
	d, err := e.lookup(run.DAGID)
	if err != nil {
		return run, err
	}

	runner := dag.NewRunner(run, e.store,
		dag.WithLogger(e.logger),
		dag.WithEmitter(fanoutEmitter{e.emitter, e.extensions}),
	)
	binder := &Binder{
		run:     run,
		runner:  runner,
		mws:     e.mws,
		delay:   e.cfg.RetryDelay,
		sources: d.plan.Sources,
	}
	if err := d.def.Bind(ctx, binder); err != nil {
		return run, fmt.Errorf("engine: bind %q: %w", run.DAGID, err)
	}

	return runner.Execute(ctx, d.plan.Order)
}

// Submit schedules the run for asynchronous execution, bounded by
// Config.Concurrency and throttled by Config.StartRate. Errors surface
// from Wait.
func (e *Engine) Submit(ctx context.Context, run *dag.Run) {
	e.group.Go(func() error {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("engine: run %s start gate: %w", run.ID, err)
			}
		}
		_, err := e.Execute(ctx, run)
		return err
	})
}

// Wait blocks until every submitted run has finished and returns the
// first error encountered.
func (e *Engine) Wait() error {
	return e.group.Wait()
}

// Shutdown waits for in-flight runs up to Config.ShutdownTimeout (or
// the context deadline, whichever is sooner).
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- e.group.Wait() }()

	select {
	case err := <-done:
		e.extensions.EmitShutdown(ctx)
		return err
	case <-ctx.Done():
		e.extensions.EmitShutdown(ctx)
		return fmt.Errorf("engine: shutdown: %w", ctx.Err())
	}
}

// Extensions returns the engine's extension registry. Extensions may be
// registered on it directly before runs are submitted.
func (e *Engine) Extensions() *ext.Registry { return e.extensions }

// ResumeAll re-submits every run the store reports as active. Steps
// already in a terminal state are skipped by the runner, so a resumed
// run picks up where it stopped. Runs whose workflow is not registered
// are left untouched and logged. It returns the number of runs
// resumed.
func (e *Engine) ResumeAll(ctx context.Context) (int, error) {
	runs, err := e.store.ActiveRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: resume: %w", err)
	}

	resumed := 0
	for _, run := range runs {
		if _, err := e.lookup(run.DAGID); err != nil {
			e.logger.Warn("skipping resume for unregistered workflow",
				slog.String("run_id", run.ID.String()),
				slog.String("dag_id", run.DAGID),
			)
			continue
		}
		e.Submit(ctx, run)
		resumed++
	}

	if resumed > 0 {
		e.logger.Info("resumed active runs", slog.Int("count", resumed))
	}
	return resumed, nil
}

func (e *Engine) lookup(dagID string) (*definition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.defs[dagID]
	if !ok {
		return nil, fmt.Errorf("engine: %q: %w", dagID, dagrun.ErrDAGNotFound)
	}
	return d, nil
}
