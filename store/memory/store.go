// Package memory provides a fully in-memory store.Store implementation.
// Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/dagrun"
	"github.com/xraph/dagrun/dag"
	"github.com/xraph/dagrun/id"
	"github.com/xraph/dagrun/recovery"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ dag.Store      = (*Store)(nil)
	_ recovery.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	runs        map[string]*dag.Run
	checkpoints map[string]*recovery.Checkpoint   // key: taskID, latest only
	history     map[string][]*recovery.Checkpoint // key: taskID, append-only
	records     []*recovery.Record
	escalations []*recovery.Escalation
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		runs:        make(map[string]*dag.Run),
		checkpoints: make(map[string]*recovery.Checkpoint),
		history:     make(map[string][]*recovery.Checkpoint),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// DAG Store
// ──────────────────────────────────────────────────

// CreateRun persists a new run.
func (m *Store) CreateRun(_ context.Context, run *dag.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.ID.String()
	if _, exists := m.runs[key]; exists {
		return dagrun.ErrDuplicateRun
	}
	m.runs[key] = run.Clone()
	return nil
}

// GetRun retrieves a run by ID.
func (m *Store) GetRun(_ context.Context, runID id.RunID) (*dag.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[runID.String()]
	if !ok {
		return nil, dagrun.ErrRunNotFound
	}
	// Return a copy so callers can mutate without racing with the store.
	return r.Clone(), nil
}

// UpdateRun persists changes to an existing run.
func (m *Store) UpdateRun(_ context.Context, run *dag.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.ID.String()
	if _, ok := m.runs[key]; !ok {
		return dagrun.ErrRunNotFound
	}
	cp := run.Clone()
	cp.UpdatedAt = time.Now().UTC()
	m.runs[key] = cp
	return nil
}

// DeleteRun removes a run by ID. Returns false if the run does not exist.
func (m *Store) DeleteRun(_ context.Context, runID id.RunID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := runID.String()
	if _, ok := m.runs[key]; !ok {
		return false, nil
	}
	delete(m.runs, key)
	return true, nil
}

// ListRuns returns runs matching the given options, most recent first.
func (m *Store) ListRuns(_ context.Context, opts dag.ListOpts) ([]*dag.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dag.Run, 0, len(m.runs))
	for _, r := range m.runs {
		if opts.DAGID != "" && r.DAGID != opts.DAGID {
			continue
		}
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		result = append(result, r.Clone())
	}

	sortRunsDesc(result)

	// Apply offset / limit.
	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// ActiveRuns returns runs in a non-terminal status, most recent first.
func (m *Store) ActiveRuns(_ context.Context) ([]*dag.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*dag.Run
	for _, r := range m.runs {
		if !r.Status.Active() {
			continue
		}
		result = append(result, r.Clone())
	}
	sortRunsDesc(result)
	return result, nil
}

// Stats aggregates run counts by status and the overall success rate.
func (m *Store) Stats(_ context.Context) (*dag.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &dag.Stats{ByStatus: make(map[dag.RunStatus]int64)}
	for _, r := range m.runs {
		stats.TotalRuns++
		stats.ByStatus[r.Status]++
	}
	if stats.TotalRuns > 0 {
		stats.SuccessRate = float64(stats.ByStatus[dag.RunSuccess]) / float64(stats.TotalRuns) * 100
	}
	return stats, nil
}

// sortRunsDesc orders runs by creation time, newest first. Run IDs are
// K-sortable, so they break ties deterministically.
func sortRunsDesc(runs []*dag.Run) {
	sort.Slice(runs, func(i, k int) bool {
		if !runs[i].CreatedAt.Equal(runs[k].CreatedAt) {
			return runs[i].CreatedAt.After(runs[k].CreatedAt)
		}
		return runs[i].ID.String() > runs[k].ID.String()
	})
}

// ──────────────────────────────────────────────────
// Recovery Store
// ──────────────────────────────────────────────────

// SaveCheckpoint overwrites the task's latest checkpoint and appends to
// its history.
func (m *Store) SaveCheckpoint(_ context.Context, cp *recovery.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *cp
	m.checkpoints[cp.TaskID] = &c
	h := c
	m.history[cp.TaskID] = append(m.history[cp.TaskID], &h)
	return nil
}

// LatestCheckpoint returns the task's latest checkpoint, or nil when
// none exists.
func (m *Store) LatestCheckpoint(_ context.Context, taskID string) (*recovery.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[taskID]
	if !ok {
		return nil, nil
	}
	c := *cp
	return &c, nil
}

// CheckpointHistory returns the task's checkpoint history in write order.
func (m *Store) CheckpointHistory(_ context.Context, taskID string) ([]*recovery.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hist := m.history[taskID]
	out := make([]*recovery.Checkpoint, len(hist))
	for i, cp := range hist {
		c := *cp
		out[i] = &c
	}
	return out, nil
}

// AppendRecord appends a recovery audit record.
func (m *Store) AppendRecord(_ context.Context, rec *recovery.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := *rec
	m.records = append(m.records, &r)
	return nil
}

// ListRecords returns recovery records matching the given options,
// oldest first.
func (m *Store) ListRecords(_ context.Context, opts recovery.RecordOpts) ([]*recovery.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*recovery.Record
	for _, rec := range m.records {
		if opts.TaskID != "" && rec.TaskID != opts.TaskID {
			continue
		}
		if !opts.Since.IsZero() && rec.Timestamp.Before(opts.Since) {
			continue
		}
		r := *rec
		out = append(out, &r)
	}
	return out, nil
}

// SaveEscalation persists an escalation record.
func (m *Store) SaveEscalation(_ context.Context, esc *recovery.Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := *esc
	m.escalations = append(m.escalations, &e)
	return nil
}

// Escalations returns all persisted escalations in write order.
func (m *Store) Escalations(_ context.Context) ([]*recovery.Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*recovery.Escalation, len(m.escalations))
	for i, esc := range m.escalations {
		e := *esc
		out[i] = &e
	}
	return out, nil
}

// PurgeCheckpoints removes checkpoints older than the cutoff.
func (m *Store) PurgeCheckpoints(_ context.Context, taskID string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for task, cp := range m.checkpoints {
		if taskID != "" && task != taskID {
			continue
		}
		if cp.Timestamp.Before(cutoff) {
			delete(m.checkpoints, task)
			removed++
		}
	}
	for task, hist := range m.history {
		if taskID != "" && task != taskID {
			continue
		}
		kept := hist[:0]
		for _, cp := range hist {
			if cp.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, cp)
		}
		if len(kept) == 0 {
			delete(m.history, task)
		} else {
			m.history[task] = kept
		}
	}
	return removed, nil
}
