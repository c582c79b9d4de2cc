// Package ext defines the extension system for dagrun.
//
// Extensions are notified of lifecycle events and can react to them —
// recording metrics, emitting webhooks, writing audit logs, etc.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnStepCompleted(ctx context.Context, run *dag.Run, step *dag.Step, elapsed time.Duration) error {
//	    log.Printf("step %s of run %s completed in %s", step.StepID, run.ID, elapsed)
//	    return nil
//	}
//
// # Run Lifecycle Hooks
//
//   - [RunStarted] — a run began executing
//   - [RunCompleted] — a run reached a terminal status
//
// # Step Lifecycle Hooks
//
//   - [StepStarted] — a step attempt began
//   - [StepCompleted] — a step finished successfully
//   - [StepFailed] — a step attempt failed (including attempts that will retry)
//   - [StepSkipped] — a step was skipped without executing
//
// # Other Hooks
//
//   - [Shutdown] — the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface. Registry itself satisfies
// dag.Emitter, so it plugs directly into a dag.Runner or engine.Engine.
package ext
