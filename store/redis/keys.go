package redis

// Redis key naming conventions for dagrun data.
// All keys are prefixed with "dagrun:" to avoid collisions.

const keyPrefix = "dagrun:"

// ── Run keys ──

// runKey returns the key for a run document: dagrun:run:{id}
func runKey(id string) string { return keyPrefix + "run:" + id }

// runIDsKey is the Sorted Set tracking run IDs scored by creation time,
// for most-recent-first enumeration.
const runIDsKey = keyPrefix + "run_ids"

// ── Recovery keys ──

// checkpointKey returns the key for the latest checkpoint of a task:
// dagrun:checkpoint:{taskID}
func checkpointKey(taskID string) string { return keyPrefix + "checkpoint:" + taskID }

// checkpointHistoryKey returns the List key holding a task's
// append-only checkpoint history: dagrun:checkpoint_history:{taskID}
func checkpointHistoryKey(taskID string) string {
	return keyPrefix + "checkpoint_history:" + taskID
}

// checkpointTasksKey is the Set tracking task IDs with checkpoints,
// for retention sweeps.
const checkpointTasksKey = keyPrefix + "checkpoint_tasks"

// recordsKey is the List holding the recovery audit stream in append order.
const recordsKey = keyPrefix + "records"

// escalationsKey is the List holding escalation records in append order.
const escalationsKey = keyPrefix + "escalations"
