package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/dagrun"
	"github.com/xraph/dagrun/dag"
	"github.com/xraph/dagrun/id"
)

// timeFormat is the canonical timestamp encoding for sqlite columns.
const timeFormat = time.RFC3339Nano

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, run *dag.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}

	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("dagrun/sqlite: marshal run %s: %w", run.ID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dagrun_runs (id, dag_id, status, document, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		run.ID.String(), run.DAGID, string(run.Status), string(doc),
		run.CreatedAt.UTC().Format(timeFormat), run.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("dagrun/sqlite: create run %s: %w", run.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dagrun/sqlite: create run %s: %w", run.ID, err)
	}
	if n == 0 {
		return dagrun.ErrDuplicateRun
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*dag.Run, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM dagrun_runs WHERE id = ?`, runID.String(),
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dagrun.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dagrun/sqlite: get run %s: %w", runID, err)
	}

	var run dag.Run
	if err := json.Unmarshal([]byte(doc), &run); err != nil {
		return nil, fmt.Errorf("dagrun/sqlite: decode run %s: %w", runID, err)
	}
	return &run, nil
}

// UpdateRun persists changes to an existing run.
func (s *Store) UpdateRun(ctx context.Context, run *dag.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}

	run.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("dagrun/sqlite: marshal run %s: %w", run.ID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE dagrun_runs
		SET dag_id = ?, status = ?, document = ?, updated_at = ?
		WHERE id = ?`,
		run.DAGID, string(run.Status), string(doc),
		run.UpdatedAt.Format(timeFormat), run.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("dagrun/sqlite: update run %s: %w", run.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dagrun/sqlite: update run %s: %w", run.ID, err)
	}
	if n == 0 {
		return dagrun.ErrRunNotFound
	}
	return nil
}

// DeleteRun removes a run by ID. Returns false if the run does not exist.
func (s *Store) DeleteRun(ctx context.Context, runID id.RunID) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dagrun_runs WHERE id = ?`, runID.String(),
	)
	if err != nil {
		return false, fmt.Errorf("dagrun/sqlite: delete run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dagrun/sqlite: delete run %s: %w", runID, err)
	}
	return n > 0, nil
}

// ListRuns returns runs matching the given options, most recent first.
func (s *Store) ListRuns(ctx context.Context, opts dag.ListOpts) ([]*dag.Run, error) {
	query := `SELECT document FROM dagrun_runs`
	var conds []string
	var args []any

	if opts.DAGID != "" {
		conds = append(conds, `dag_id = ?`)
		args = append(args, opts.DAGID)
	}
	if opts.Status != "" {
		conds = append(conds, `status = ?`)
		args = append(args, string(opts.Status))
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		// SQLite requires LIMIT before OFFSET.
		query += ` LIMIT -1`
	}
	if opts.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	return s.queryRuns(ctx, query, args...)
}

// ActiveRuns returns runs in a non-terminal status, most recent first.
func (s *Store) ActiveRuns(ctx context.Context) ([]*dag.Run, error) {
	return s.queryRuns(ctx, `
		SELECT document FROM dagrun_runs
		WHERE status IN ('created', 'running', 'retry')
		ORDER BY created_at DESC, id DESC`)
}

// Stats aggregates run counts by status and the overall success rate.
func (s *Store) Stats(ctx context.Context) (*dag.Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM dagrun_runs GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("dagrun/sqlite: stats: %w", err)
	}
	defer rows.Close()

	stats := &dag.Stats{ByStatus: make(map[dag.RunStatus]int64)}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("dagrun/sqlite: stats: %w", err)
		}
		stats.ByStatus[dag.RunStatus(status)] = count
		stats.TotalRuns += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dagrun/sqlite: stats: %w", err)
	}
	if stats.TotalRuns > 0 {
		stats.SuccessRate = float64(stats.ByStatus[dag.RunSuccess]) / float64(stats.TotalRuns) * 100
	}
	return stats, nil
}

// queryRuns runs a document query and decodes each row.
func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]*dag.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dagrun/sqlite: query runs: %w", err)
	}
	defer rows.Close()

	var runs []*dag.Run
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("dagrun/sqlite: scan run: %w", err)
		}
		var run dag.Run
		if err := json.Unmarshal([]byte(doc), &run); err != nil {
			return nil, fmt.Errorf("dagrun/sqlite: decode run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
