package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

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

	if _, err := s.db.Collection(colRuns).InsertOne(ctx, m); err != nil {
		if isDuplicateKey(err) {
			return dagrun.ErrDuplicateRun
		}
		return fmt.Errorf("dagrun/mongo: create run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*dag.Run, error) {
	var m runModel
	err := s.db.Collection(colRuns).FindOne(ctx, bson.M{"_id": runID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, dagrun.ErrRunNotFound
		}
		return nil, fmt.Errorf("dagrun/mongo: get run %s: %w", runID, err)
	}
	return fromRunModel(&m)
}

// UpdateRun persists changes to an existing run.
func (s *Store) UpdateRun(ctx context.Context, run *dag.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}

	run.UpdatedAt = now()
	m, err := toRunModel(run)
	if err != nil {
		return err
	}

	res, err := s.db.Collection(colRuns).ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		return fmt.Errorf("dagrun/mongo: update run %s: %w", run.ID, err)
	}
	if res.MatchedCount == 0 {
		return dagrun.ErrRunNotFound
	}
	return nil
}

// DeleteRun removes a run. It reports whether a run was deleted.
func (s *Store) DeleteRun(ctx context.Context, runID id.RunID) (bool, error) {
	res, err := s.db.Collection(colRuns).DeleteOne(ctx, bson.M{"_id": runID.String()})
	if err != nil {
		return false, fmt.Errorf("dagrun/mongo: delete run %s: %w", runID, err)
	}
	return res.DeletedCount > 0, nil
}

// ListRuns returns runs matching the given options, most recent first.
func (s *Store) ListRuns(ctx context.Context, opts dag.ListOpts) ([]*dag.Run, error) {
	filter := bson.M{}
	if opts.DAGID != "" {
		filter["dag_id"] = opts.DAGID
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	findOpts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: -1},
		{Key: "_id", Value: -1},
	})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	return s.findRuns(ctx, filter, findOpts)
}

// ActiveRuns returns all runs in a non-terminal status.
func (s *Store) ActiveRuns(ctx context.Context) ([]*dag.Run, error) {
	filter := bson.M{"status": bson.M{"$in": []string{"created", "running", "retry"}}}
	findOpts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: -1},
		{Key: "_id", Value: -1},
	})
	return s.findRuns(ctx, filter, findOpts)
}

// Stats returns aggregate counts across all stored runs.
func (s *Store) Stats(ctx context.Context) (*dag.Stats, error) {
	pipeline := []bson.M{
		{"$group": bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}},
	}

	cursor, err := s.db.Collection(colRuns).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("dagrun/mongo: stats: %w", err)
	}
	defer cursor.Close(ctx)

	var groups []struct {
		Status string `bson:"_id"`
		Count  int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &groups); err != nil {
		return nil, fmt.Errorf("dagrun/mongo: stats decode: %w", err)
	}

	stats := &dag.Stats{ByStatus: make(map[dag.RunStatus]int64)}
	for _, g := range groups {
		stats.ByStatus[dag.RunStatus(g.Status)] = g.Count
		stats.TotalRuns += g.Count
	}
	if stats.TotalRuns > 0 {
		stats.SuccessRate = float64(stats.ByStatus[dag.RunSuccess]) / float64(stats.TotalRuns) * 100
	}
	return stats, nil
}

func (s *Store) findRuns(ctx context.Context, filter bson.M, findOpts *options.FindOptionsBuilder) ([]*dag.Run, error) {
	cursor, err := s.db.Collection(colRuns).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("dagrun/mongo: list runs: %w", err)
	}
	defer cursor.Close(ctx)

	var models []runModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("dagrun/mongo: list runs decode: %w", err)
	}

	runs := make([]*dag.Run, 0, len(models))
	for i := range models {
		r, convErr := fromRunModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		runs = append(runs, r)
	}
	return runs, nil
}
