package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event. Run completion splits
// into two actions depending on the run's terminal status.
const (
	ActionRunStarted    = "run.started"
	ActionRunCompleted  = "run.completed"
	ActionRunFailed     = "run.failed"
	ActionStepStarted   = "step.started"
	ActionStepCompleted = "step.completed"
	ActionStepFailed    = "step.failed"
	ActionStepSkipped   = "step.skipped"
)

// Audit event categories group related actions.
const (
	CategoryRun  = "dagrun.run"
	CategoryStep = "dagrun.step"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceRun  = "dag_run"
	ResourceStep = "dag_step"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionRunStarted,
		ActionRunCompleted,
		ActionRunFailed,
		ActionStepStarted,
		ActionStepCompleted,
		ActionStepFailed,
		ActionStepSkipped,
	}
}
