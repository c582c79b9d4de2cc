// Package dagrun provides a stateful DAG execution engine for Go.
// It executes multi-step workflows as directed graphs of steps, tracks
// per-step and per-run state, retries failures, and persists run history.
//
// dagrun is designed as a library, not a service. Import it, configure a
// store, declare steps, and bind executors as ordinary Go functions.
//
// # Quick Start
//
//	s := memory.New()
//	eng := engine.New(s, engine.WithLogger(logger))
//	eng.Register(engine.Definition{
//	    DAGID:        "report-pipeline",
//	    Declarations: decls,
//	    Bind:         bindSteps,
//	})
//	run, err := eng.NewRun(ctx, "report-pipeline")
//	run, err = eng.Execute(ctx, run)
//
// # Architecture
//
// dagrun follows a composable store pattern: the dag and recovery
// subsystems each define their own store interface and a single backend
// (memory, sqlite, postgres, bun, redis, mongo) implements both.
//
// Step execution order is computed once by the resolver (Kahn's
// algorithm over explicit and implicit dependencies) and handed to a
// per-run Runner that drives steps sequentially under a retry and
// criticality policy. The recovery package is independent of the DAG
// model and wraps any fallible operation with checkpointed
// retry/rollback/skip/escalate handling.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package dagrun
