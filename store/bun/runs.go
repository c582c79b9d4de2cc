package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/dagrun"
	"github.com/xraph/dagrun/dag"
	"github.com/xraph/dagrun/id"
)

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, run *dag.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}

	m, err := toRunModel(run)
	if err != nil {
		return err
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		if isDuplicateKey(err) {
			return dagrun.ErrDuplicateRun
		}
		return fmt.Errorf("dagrun/bun: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*dag.Run, error) {
	m := new(runModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", runID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, dagrun.ErrRunNotFound
		}
		return nil, fmt.Errorf("dagrun/bun: get run: %w", err)
	}
	return fromRunModel(m)
}

// UpdateRun persists changes to an existing run.
func (s *Store) UpdateRun(ctx context.Context, run *dag.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}

	run.UpdatedAt = time.Now().UTC()
	m, err := toRunModel(run)
	if err != nil {
		return err
	}
	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return fmt.Errorf("dagrun/bun: update run: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return dagrun.ErrRunNotFound
	}
	return nil
}

// DeleteRun removes a run by ID. Returns false if the run does not exist.
func (s *Store) DeleteRun(ctx context.Context, runID id.RunID) (bool, error) {
	res, err := s.db.NewDelete().Model((*runModel)(nil)).
		Where("id = ?", runID.String()).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("dagrun/bun: delete run: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return rows > 0, nil
}

// ListRuns returns runs matching the given options, most recent first.
func (s *Store) ListRuns(ctx context.Context, opts dag.ListOpts) ([]*dag.Run, error) {
	var models []runModel
	q := s.db.NewSelect().Model(&models).
		Order("created_at DESC", "id DESC")

	if opts.DAGID != "" {
		q = q.Where("dag_id = ?", opts.DAGID)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("dagrun/bun: list runs: %w", err)
	}
	return fromRunModels(models)
}

// ActiveRuns returns runs in a non-terminal status, most recent first.
func (s *Store) ActiveRuns(ctx context.Context) ([]*dag.Run, error) {
	var models []runModel
	err := s.db.NewSelect().Model(&models).
		Where("status IN (?)", bun.In([]string{"created", "running", "retry"})).
		Order("created_at DESC", "id DESC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("dagrun/bun: active runs: %w", err)
	}
	return fromRunModels(models)
}

// Stats aggregates run counts by status and the overall success rate.
func (s *Store) Stats(ctx context.Context) (*dag.Stats, error) {
	var rows []struct {
		Status string `bun:"status"`
		Count  int64  `bun:"count"`
	}
	err := s.db.NewSelect().Model((*runModel)(nil)).
		ColumnExpr("status").
		ColumnExpr("COUNT(*) AS count").
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("dagrun/bun: stats: %w", err)
	}

	stats := &dag.Stats{ByStatus: make(map[dag.RunStatus]int64)}
	for _, row := range rows {
		stats.ByStatus[dag.RunStatus(row.Status)] = row.Count
		stats.TotalRuns += row.Count
	}
	if stats.TotalRuns > 0 {
		stats.SuccessRate = float64(stats.ByStatus[dag.RunSuccess]) / float64(stats.TotalRuns) * 100
	}
	return stats, nil
}

func fromRunModels(models []runModel) ([]*dag.Run, error) {
	runs := make([]*dag.Run, 0, len(models))
	for i := range models {
		run, err := fromRunModel(&models[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}
