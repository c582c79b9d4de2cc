// Package audithook is a dagrun extension that bridges lifecycle events
// to an immutable audit trail backend.
//
// Every run and step lifecycle hook emits a structured audit event
// through the [Recorder] interface. The extension assigns appropriate
// severity levels (info for normal operations, warning for retries and
// skips, critical for terminal failures) and rich metadata (DAG ID, run
// ID, elapsed time, errors).
//
// # Usage
//
//	audithook.New(audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
//	    return auditBackend.Write(ctx, evt.Action, evt.Resource, evt.ResourceID, evt.Metadata)
//	}))
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionRunFailed,
//	        audithook.ActionStepFailed,
//	    ),
//	)
package audithook
