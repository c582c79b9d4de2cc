// Package engine wires the dagrun subsystems together and provides the
// primary application-level API for registering workflows and driving
// runs.
//
// The engine package exists to break a fundamental import cycle: the root
// dagrun package defines Entity and Config (imported by dag, recovery,
// the store backends) and therefore cannot import those packages back.
// Engine sits above all subsystem packages and below the application
// layer.
//
// # Building an Engine
//
//	eng := engine.New(store,
//	    engine.WithConfig(dagrun.DefaultConfig()),
//	    engine.WithMiddleware(middleware.Logging(logger), middleware.Recover(logger)),
//	)
//
// # Registering Workflows
//
//	err := eng.Register(engine.Definition{
//	    DAGID: "etl-daily",
//	    Declarations: []dag.Declaration{
//	        {ID: "extract", Output: "raw"},
//	        {ID: "transform", Input: "{{raw}}", Output: "tidy"},
//	        {ID: "load", Input: "{{tidy}}"},
//	    },
//	    Bind: func(ctx context.Context, b *engine.Binder) error {
//	        if err := b.Bind("extract", extractExec); err != nil {
//	            return err
//	        }
//	        // ...
//	        return nil
//	    },
//	})
//
// # Driving Runs
//
//	run, _ := eng.NewRun(ctx, "etl-daily")
//	run, err := eng.Execute(ctx, run) // synchronous
//
//	eng.Submit(ctx, run) // asynchronous, bounded by Config.Concurrency
//	_ = eng.Wait()
//
// After a crash, [Engine.ResumeAll] re-submits every run the store still
// reports as active; already-finished steps are not re-executed.
//
// # Extensions
//
// Lifecycle extensions from the ext package observe every run driven by
// the engine:
//
//	eng := engine.New(store,
//	    engine.WithExtension(observability.NewMetricsExtension()),
//	)
package engine
