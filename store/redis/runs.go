package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

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
		return fmt.Errorf("dagrun/redis: marshal run %s: %w", run.ID, err)
	}

	rID := run.ID.String()
	ok, err := s.client.SetNX(ctx, runKey(rID), doc, 0).Result()
	if err != nil {
		return fmt.Errorf("dagrun/redis: create run: %w", err)
	}
	if !ok {
		return dagrun.ErrDuplicateRun
	}

	err = s.client.ZAdd(ctx, runIDsKey, goredis.Z{
		Score:  float64(run.CreatedAt.UTC().UnixNano()),
		Member: rID,
	}).Err()
	if err != nil {
		return fmt.Errorf("dagrun/redis: index run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*dag.Run, error) {
	doc, err := s.client.Get(ctx, runKey(runID.String())).Result()
	if err == goredis.Nil {
		return nil, dagrun.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dagrun/redis: get run: %w", err)
	}

	var run dag.Run
	if err := json.Unmarshal([]byte(doc), &run); err != nil {
		return nil, fmt.Errorf("dagrun/redis: decode run %s: %w", runID, err)
	}
	return &run, nil
}

// UpdateRun persists changes to an existing run.
func (s *Store) UpdateRun(ctx context.Context, run *dag.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}

	key := runKey(run.ID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("dagrun/redis: update run exists: %w", err)
	}
	if exists == 0 {
		return dagrun.ErrRunNotFound
	}

	run.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("dagrun/redis: marshal run %s: %w", run.ID, err)
	}
	if err := s.client.Set(ctx, key, doc, 0).Err(); err != nil {
		return fmt.Errorf("dagrun/redis: update run: %w", err)
	}
	return nil
}

// DeleteRun removes a run by ID. Returns false if the run does not exist.
func (s *Store) DeleteRun(ctx context.Context, runID id.RunID) (bool, error) {
	rID := runID.String()
	n, err := s.client.Del(ctx, runKey(rID)).Result()
	if err != nil {
		return false, fmt.Errorf("dagrun/redis: delete run: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if err := s.client.ZRem(ctx, runIDsKey, rID).Err(); err != nil {
		return true, fmt.Errorf("dagrun/redis: deindex run: %w", err)
	}
	return true, nil
}

// ListRuns returns runs matching the given options, most recent first.
func (s *Store) ListRuns(ctx context.Context, opts dag.ListOpts) ([]*dag.Run, error) {
	runs, err := s.allRunsDesc(ctx)
	if err != nil {
		return nil, err
	}

	filtered := runs[:0]
	for _, run := range runs {
		if opts.DAGID != "" && run.DAGID != opts.DAGID {
			continue
		}
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		filtered = append(filtered, run)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(filtered) {
			return nil, nil
		}
		filtered = filtered[opts.Offset:]
	}
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}
	return filtered, nil
}

// ActiveRuns returns runs in a non-terminal status, most recent first.
func (s *Store) ActiveRuns(ctx context.Context) ([]*dag.Run, error) {
	runs, err := s.allRunsDesc(ctx)
	if err != nil {
		return nil, err
	}

	active := runs[:0]
	for _, run := range runs {
		if run.Status.Active() {
			active = append(active, run)
		}
	}
	return active, nil
}

// Stats aggregates run counts by status and the overall success rate.
func (s *Store) Stats(ctx context.Context) (*dag.Stats, error) {
	runs, err := s.allRunsDesc(ctx)
	if err != nil {
		return nil, err
	}

	stats := &dag.Stats{ByStatus: make(map[dag.RunStatus]int64)}
	for _, run := range runs {
		stats.TotalRuns++
		stats.ByStatus[run.Status]++
	}
	if stats.TotalRuns > 0 {
		stats.SuccessRate = float64(stats.ByStatus[dag.RunSuccess]) / float64(stats.TotalRuns) * 100
	}
	return stats, nil
}

// allRunsDesc loads every run document, most recent first. Index
// entries whose document has expired are skipped.
func (s *Store) allRunsDesc(ctx context.Context) ([]*dag.Run, error) {
	ids, err := s.client.ZRevRange(ctx, runIDsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("dagrun/redis: list run ids: %w", err)
	}

	runs := make([]*dag.Run, 0, len(ids))
	for _, rID := range ids {
		doc, getErr := s.client.Get(ctx, runKey(rID)).Result()
		if getErr == goredis.Nil {
			continue
		}
		if getErr != nil {
			return nil, fmt.Errorf("dagrun/redis: get run %s: %w", rID, getErr)
		}
		var run dag.Run
		if err := json.Unmarshal([]byte(doc), &run); err != nil {
			return nil, fmt.Errorf("dagrun/redis: decode run %s: %w", rID, err)
		}
		runs = append(runs, &run)
	}
	return runs, nil
}
