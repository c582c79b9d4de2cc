package recovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/xraph/dagrun/backoff"
	"github.com/xraph/dagrun/id"
)

// Operation is an arbitrary fallible unit of work wrapped by the manager.
type Operation func(ctx context.Context) (any, error)

// ExhaustedError reports that every recovery attempt failed.
type ExhaustedError struct {
	TaskID   string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("recovery: task %q failed after %d attempts: %v", e.TaskID, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// BackupSuffix is the sibling-file suffix used for rollback artifacts.
const BackupSuffix = ".bak"

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMaxRetries sets the retry budget applied under StrategyRetry.
func WithMaxRetries(n int) Option {
	return func(m *Manager) { m.maxRetries = n }
}

// WithBackoff sets the delay strategy between retry attempts.
func WithBackoff(s backoff.Strategy) Option {
	return func(m *Manager) { m.backoff = s }
}

// WithClassifier sets the error classifier.
func WithClassifier(c Classifier) Option {
	return func(m *Manager) { m.classify = c }
}

// WithStrategy overrides the strategy for one error kind.
func WithStrategy(kind Kind, strategy Strategy) Option {
	return func(m *Manager) { m.table[kind] = strategy }
}

// execConfig holds per-call Execute options.
type execConfig struct {
	strategy   Strategy
	checkpoint bool
	data       any
}

// ExecOption configures a single Execute call.
type ExecOption func(*execConfig)

// WithForcedStrategy overrides the strategy table for this call.
func WithForcedStrategy(s Strategy) ExecOption {
	return func(c *execConfig) { c.strategy = s }
}

// WithoutCheckpoint disables checkpoint writes for this call.
func WithoutCheckpoint() ExecOption {
	return func(c *execConfig) { c.checkpoint = false }
}

// WithCheckpointData attaches the operation's arguments (or any caller
// payload) to the initial running checkpoint.
func WithCheckpointData(data any) ExecOption {
	return func(c *execConfig) { c.data = data }
}

// Manager executes arbitrary fallible operations under a configurable
// retry/rollback/skip/escalate policy, independent of the DAG model.
// It is safe for concurrent use from independently executing tasks.
type Manager struct {
	store      Store
	logger     *slog.Logger
	maxRetries int
	backoff    backoff.Strategy
	classify   Classifier
	table      map[Kind]Strategy

	mu      sync.Mutex
	backups map[string][]string // taskID → backed-up paths
}

// New creates a recovery manager backed by the given store.
func New(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		logger:     slog.Default(),
		maxRetries: 3,
		backoff:    backoff.DefaultStrategy(),
		classify:   DefaultClassifier,
		table:      DefaultTable(),
		backups:    make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Execute invokes op under the manager's recovery policy. The strategy
// is resolved per failure from the error's kind (an explicit
// WithForcedStrategy overrides the table; unseen kinds default to
// retry). Every failed attempt is recorded; checkpoints track the
// operation through running/retrying/completed/failed/rolled_back/
// skipped states. StrategySkip returns (nil, nil); rollback, escalate,
// manual and exhausted retries return the error.
func (m *Manager) Execute(ctx context.Context, taskID string, op Operation, opts ...ExecOption) (any, error) {
	cfg := execConfig{checkpoint: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.checkpoint {
		if err := m.checkpoint(ctx, taskID, CheckpointRunning, cfg.data, 0); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		result, opErr := op(ctx)
		if opErr == nil {
			if cfg.checkpoint {
				if err := m.checkpoint(ctx, taskID, CheckpointCompleted, result, attempt); err != nil {
					return nil, err
				}
			}
			if attempt > 0 {
				m.record(ctx, taskID, KindUnknown, "", StrategyRetry, true, attempt)
				m.logger.Info("operation recovered",
					slog.String("task_id", taskID),
					slog.Int("attempt", attempt),
				)
			}
			return result, nil
		}

		lastErr = opErr
		kind := m.classify(opErr)
		strategy := m.resolve(kind, cfg.strategy)
		m.record(ctx, taskID, kind, opErr.Error(), strategy, false, attempt)

		m.logger.Warn("operation failed",
			slog.String("task_id", taskID),
			slog.String("kind", string(kind)),
			slog.String("strategy", string(strategy)),
			slog.Int("attempt", attempt),
			slog.String("error", opErr.Error()),
		)

		switch strategy {
		case StrategyRetry:
			if attempt >= m.maxRetries {
				break // exhausted; fall through to the failed checkpoint
			}
			delay := m.backoff.Delay(attempt + 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if cfg.checkpoint {
				if err := m.checkpoint(ctx, taskID, CheckpointRetrying, nil, attempt+1); err != nil {
					return nil, err
				}
			}
			continue

		case StrategyRollback:
			if rbErr := m.rollback(taskID); rbErr != nil {
				m.logger.Error("rollback failed",
					slog.String("task_id", taskID),
					slog.String("error", rbErr.Error()),
				)
			}
			if cfg.checkpoint {
				if err := m.checkpoint(ctx, taskID, CheckpointRolledBack, nil, attempt); err != nil {
					return nil, err
				}
			}
			return nil, opErr

		case StrategySkip:
			if cfg.checkpoint {
				if err := m.checkpoint(ctx, taskID, CheckpointSkipped, nil, attempt); err != nil {
					return nil, err
				}
			}
			return nil, nil

		case StrategyEscalate:
			esc := &Escalation{
				TaskID:       taskID,
				Timestamp:    time.Now().UTC(),
				ErrorMessage: opErr.Error(),
				Trace:        string(debug.Stack()),
			}
			if escErr := m.store.SaveEscalation(ctx, esc); escErr != nil {
				return nil, fmt.Errorf("recovery: save escalation for %q: %w", taskID, escErr)
			}
			return nil, opErr

		default: // StrategyManual or unrecognized
			return nil, opErr
		}
	}

	if cfg.checkpoint {
		if err := m.checkpoint(ctx, taskID, CheckpointFailed, nil, m.maxRetries); err != nil {
			return nil, err
		}
	}
	return nil, &ExhaustedError{TaskID: taskID, Attempts: m.maxRetries + 1, Err: lastErr}
}

// resolve picks the strategy for a failure: explicit override, then the
// table, then the retry default.
func (m *Manager) resolve(kind Kind, forced Strategy) Strategy {
	if forced != "" {
		return forced
	}
	if s, ok := m.table[kind]; ok {
		return s
	}
	return StrategyRetry
}

// checkpoint writes a checkpoint through the store.
func (m *Manager) checkpoint(ctx context.Context, taskID string, state CheckpointState, data any, attempt int) error {
	cp := NewCheckpoint(taskID, state, data)
	cp.Metadata["attempt"] = attempt
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("recovery: save %s checkpoint for %q: %w", state, taskID, err)
	}
	return nil
}

// record appends an audit record. Record failures are logged, never
// surfaced: losing an audit row must not change the operation outcome.
func (m *Manager) record(ctx context.Context, taskID string, kind Kind, msg string, strategy Strategy, success bool, attempt int) {
	rec := &Record{
		ID:           id.NewRecordID(),
		TaskID:       taskID,
		Timestamp:    time.Now().UTC(),
		ErrorKind:    kind,
		ErrorMessage: msg,
		Strategy:     strategy,
		Success:      success,
		Attempt:      attempt,
	}
	if !success {
		rec.Trace = string(debug.Stack())
	}
	if err := m.store.AppendRecord(ctx, rec); err != nil {
		m.logger.Error("append recovery record failed",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
}

// ──────────────────────────────────────────────────
// Rollback artifacts
// ──────────────────────────────────────────────────

// Backup copies path to its sibling backup file and registers it for
// rollback under the given task.
func (m *Manager) Backup(taskID, path string) error {
	if err := copyFile(path, path+BackupSuffix); err != nil {
		return fmt.Errorf("recovery: backup %q: %w", path, err)
	}
	m.RegisterBackup(taskID, path)
	return nil
}

// RegisterBackup associates an already-backed-up path with a task so a
// later rollback restores it.
func (m *Manager) RegisterBackup(taskID, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backups[taskID] = append(m.backups[taskID], path)
}

// rollback restores every registered backup for the task. Paths whose
// backup file is missing are skipped.
func (m *Manager) rollback(taskID string) error {
	m.mu.Lock()
	paths := m.backups[taskID]
	m.mu.Unlock()

	var firstErr error
	for _, path := range paths {
		bak := path + BackupSuffix
		if _, err := os.Stat(bak); err != nil {
			continue
		}
		if err := copyFile(bak, path); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("recovery: restore %q: %w", path, err)
		}
	}
	return firstErr
}

// copyFile copies src to dst, truncating dst if it exists.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// ──────────────────────────────────────────────────
// Stats & cleanup
// ──────────────────────────────────────────────────

// StatsOpts filters recovery statistics.
type StatsOpts struct {
	// TaskID limits stats to one task. Empty means all tasks.
	TaskID string
	// Since excludes records older than the given time. Zero means all.
	Since time.Time
}

// RecoveryStats aggregates recorded recovery attempts.
type RecoveryStats struct {
	TotalAttempts int64              `json:"total_attempts"`
	Successes     int64              `json:"successes"`
	Failures      int64              `json:"failures"`
	ByStrategy    map[Strategy]int64 `json:"by_strategy"`
	ByKind        map[Kind]int64     `json:"by_error_type"`
	TasksAffected int64              `json:"tasks_affected"`
}

// Stats aggregates recovery records into attempt totals, per-strategy
// and per-kind breakdowns, and the count of distinct tasks affected.
func (m *Manager) Stats(ctx context.Context, opts StatsOpts) (*RecoveryStats, error) {
	records, err := m.store.ListRecords(ctx, RecordOpts{TaskID: opts.TaskID, Since: opts.Since})
	if err != nil {
		return nil, fmt.Errorf("recovery: list records: %w", err)
	}

	stats := &RecoveryStats{
		ByStrategy: make(map[Strategy]int64),
		ByKind:     make(map[Kind]int64),
	}
	tasks := make(map[string]struct{})
	for _, rec := range records {
		stats.TotalAttempts++
		if rec.Success {
			stats.Successes++
		} else {
			stats.Failures++
		}
		stats.ByStrategy[rec.Strategy]++
		stats.ByKind[rec.ErrorKind]++
		tasks[rec.TaskID] = struct{}{}
	}
	stats.TasksAffected = int64(len(tasks))
	return stats, nil
}

// DefaultRetention is the checkpoint retention applied when CleanupOpts
// does not specify one.
const DefaultRetention = 7 * 24 * time.Hour

// CleanupOpts controls the retention sweep.
type CleanupOpts struct {
	// TaskID limits the sweep to one task. Empty means all tasks.
	TaskID string
	// OlderThan is the retention window. Zero means DefaultRetention.
	OlderThan time.Duration
}

// Cleanup purges checkpoint and history artifacts older than the
// retention cutoff and returns the number removed. Artifacts are never
// pruned implicitly; this sweep is the only removal path.
func (m *Manager) Cleanup(ctx context.Context, opts CleanupOpts) (int64, error) {
	retention := opts.OlderThan
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := time.Now().UTC().Add(-retention)

	removed, err := m.store.PurgeCheckpoints(ctx, opts.TaskID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recovery: purge checkpoints: %w", err)
	}

	m.logger.Info("recovery cleanup complete",
		slog.String("task_id", opts.TaskID),
		slog.Int64("removed", removed),
	)
	return removed, nil
}

// Checkpoint returns the latest checkpoint for a task, or nil when no
// checkpoint exists.
func (m *Manager) Checkpoint(ctx context.Context, taskID string) (*Checkpoint, error) {
	return m.store.LatestCheckpoint(ctx, taskID)
}
