package sqlite

// migrations holds the schema statements executed by Migrate, in order.
// Every statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS dagrun_runs (
		id          TEXT PRIMARY KEY,
		dag_id      TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'created',
		document    TEXT NOT NULL,
		created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
		updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	)`,

	`CREATE INDEX IF NOT EXISTS idx_dagrun_runs_dag
		ON dagrun_runs (dag_id, created_at DESC)`,

	`CREATE INDEX IF NOT EXISTS idx_dagrun_runs_status
		ON dagrun_runs (status)`,

	`CREATE TABLE IF NOT EXISTS dagrun_checkpoints (
		task_id    TEXT PRIMARY KEY,
		document   TEXT NOT NULL,
		timestamp  TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS dagrun_checkpoint_history (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id    TEXT NOT NULL,
		document   TEXT NOT NULL,
		timestamp  TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_dagrun_checkpoint_history_task
		ON dagrun_checkpoint_history (task_id, seq)`,

	`CREATE TABLE IF NOT EXISTS dagrun_records (
		id             TEXT PRIMARY KEY,
		task_id        TEXT NOT NULL,
		timestamp      TEXT NOT NULL,
		error_type     TEXT NOT NULL,
		error_message  TEXT,
		strategy       TEXT NOT NULL,
		success        INTEGER NOT NULL DEFAULT 0,
		attempt        INTEGER NOT NULL DEFAULT 0,
		trace          TEXT
	)`,

	`CREATE INDEX IF NOT EXISTS idx_dagrun_records_task
		ON dagrun_records (task_id, timestamp)`,

	`CREATE TABLE IF NOT EXISTS dagrun_escalations (
		seq            INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id        TEXT NOT NULL,
		timestamp      TEXT NOT NULL,
		error_message  TEXT,
		trace          TEXT
	)`,
}
