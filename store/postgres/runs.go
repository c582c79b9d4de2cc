package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/dagrun"
	"github.com/xraph/dagrun/dag"
	"github.com/xraph/dagrun/id"
)

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, run *dag.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}

	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("dagrun/postgres: marshal run %s: %w", run.ID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO dagrun_runs (id, dag_id, status, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID.String(), run.DAGID, string(run.Status), doc, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return dagrun.ErrDuplicateRun
		}
		return fmt.Errorf("dagrun/postgres: create run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*dag.Run, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM dagrun_runs WHERE id = $1`,
		runID.String(),
	).Scan(&doc)
	if err != nil {
		if isNoRows(err) {
			return nil, dagrun.ErrRunNotFound
		}
		return nil, fmt.Errorf("dagrun/postgres: get run %s: %w", runID, err)
	}

	var run dag.Run
	if err := json.Unmarshal(doc, &run); err != nil {
		return nil, fmt.Errorf("dagrun/postgres: decode run %s: %w", runID, err)
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
		return fmt.Errorf("dagrun/postgres: marshal run %s: %w", run.ID, err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE dagrun_runs
		SET dag_id = $2, status = $3, document = $4, updated_at = $5
		WHERE id = $1`,
		run.ID.String(), run.DAGID, string(run.Status), doc, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("dagrun/postgres: update run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return dagrun.ErrRunNotFound
	}
	return nil
}

// DeleteRun removes a run. It reports whether a run was deleted.
func (s *Store) DeleteRun(ctx context.Context, runID id.RunID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM dagrun_runs WHERE id = $1`,
		runID.String(),
	)
	if err != nil {
		return false, fmt.Errorf("dagrun/postgres: delete run %s: %w", runID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListRuns returns runs matching the given options, most recent first.
func (s *Store) ListRuns(ctx context.Context, opts dag.ListOpts) ([]*dag.Run, error) {
	query := `SELECT document FROM dagrun_runs`
	var (
		conds []string
		args  []any
	)
	if opts.DAGID != "" {
		args = append(args, opts.DAGID)
		conds = append(conds, "dag_id = $"+strconv.Itoa(len(args)))
	}
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		conds = append(conds, "status = $"+strconv.Itoa(len(args)))
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}

	query += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}

	return s.queryRuns(ctx, query, args...)
}

// ActiveRuns returns all runs in a non-terminal status.
func (s *Store) ActiveRuns(ctx context.Context) ([]*dag.Run, error) {
	return s.queryRuns(ctx, `
		SELECT document FROM dagrun_runs
		WHERE status IN ('created', 'running', 'retry')
		ORDER BY created_at DESC, id DESC`)
}

// Stats returns aggregate counts across all stored runs.
func (s *Store) Stats(ctx context.Context) (*dag.Stats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM dagrun_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("dagrun/postgres: stats: %w", err)
	}
	defer rows.Close()

	stats := &dag.Stats{ByStatus: make(map[dag.RunStatus]int64)}
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("dagrun/postgres: stats scan: %w", err)
		}
		stats.ByStatus[dag.RunStatus(status)] = count
		stats.TotalRuns += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dagrun/postgres: stats rows: %w", err)
	}
	if stats.TotalRuns > 0 {
		stats.SuccessRate = float64(stats.ByStatus[dag.RunSuccess]) / float64(stats.TotalRuns) * 100
	}
	return stats, nil
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]*dag.Run, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dagrun/postgres: list runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

func collectRuns(rows pgx.Rows) ([]*dag.Run, error) {
	var runs []*dag.Run
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("dagrun/postgres: scan run: %w", err)
		}
		var run dag.Run
		if err := json.Unmarshal(doc, &run); err != nil {
			return nil, fmt.Errorf("dagrun/postgres: decode run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
