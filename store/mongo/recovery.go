package mongo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/dagrun/recovery"
)

// SaveCheckpoint replaces the latest checkpoint for the task and appends
// to its history.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *recovery.Checkpoint) error {
	doc, err := checkpointDocument(cp)
	if err != nil {
		return err
	}

	latest := &checkpointModel{
		TaskID:    cp.TaskID,
		Document:  doc,
		Timestamp: cp.Timestamp,
	}
	replaceOpts := options.Replace().SetUpsert(true)
	if _, err := s.db.Collection(colCheckpoints).
		ReplaceOne(ctx, bson.M{"task_id": cp.TaskID}, latest, replaceOpts); err != nil {
		return fmt.Errorf("dagrun/mongo: save checkpoint for %q: %w", cp.TaskID, err)
	}

	hist := &checkpointHistoryModel{
		ID:        cp.ID.String(),
		TaskID:    cp.TaskID,
		Document:  doc,
		Timestamp: cp.Timestamp,
	}
	if _, err := s.db.Collection(colCheckpointHistory).InsertOne(ctx, hist); err != nil {
		return fmt.Errorf("dagrun/mongo: append checkpoint history for %q: %w", cp.TaskID, err)
	}
	return nil
}

// LatestCheckpoint returns the most recent checkpoint for the task, or
// nil when none exists. An undecodable document is treated as absent so
// a corrupted checkpoint never blocks recovery.
func (s *Store) LatestCheckpoint(ctx context.Context, taskID string) (*recovery.Checkpoint, error) {
	var m checkpointModel
	err := s.db.Collection(colCheckpoints).FindOne(ctx, bson.M{"task_id": taskID}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("dagrun/mongo: latest checkpoint for %q: %w", taskID, err)
	}

	var cp recovery.Checkpoint
	if err := json.Unmarshal(m.Document, &cp); err != nil {
		s.logger.Warn("discarding corrupt checkpoint",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()))
		return nil, nil
	}
	return &cp, nil
}

// CheckpointHistory returns all checkpoints recorded for the task in
// append order. Undecodable entries are dropped.
func (s *Store) CheckpointHistory(ctx context.Context, taskID string) ([]*recovery.Checkpoint, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.db.Collection(colCheckpointHistory).Find(ctx, bson.M{"task_id": taskID}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("dagrun/mongo: checkpoint history for %q: %w", taskID, err)
	}
	defer cursor.Close(ctx)

	var models []checkpointHistoryModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("dagrun/mongo: checkpoint history decode: %w", err)
	}

	out := make([]*recovery.Checkpoint, 0, len(models))
	for i := range models {
		var cp recovery.Checkpoint
		if err := json.Unmarshal(models[i].Document, &cp); err != nil {
			s.logger.Warn("discarding corrupt checkpoint",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, &cp)
	}
	return out, nil
}

// AppendRecord appends a recovery audit record.
func (s *Store) AppendRecord(ctx context.Context, rec *recovery.Record) error {
	if _, err := s.db.Collection(colRecords).InsertOne(ctx, toRecordModel(rec)); err != nil {
		return fmt.Errorf("dagrun/mongo: append record for %q: %w", rec.TaskID, err)
	}
	return nil
}

// ListRecords returns recovery records matching the given options in
// append order.
func (s *Store) ListRecords(ctx context.Context, opts recovery.RecordOpts) ([]*recovery.Record, error) {
	filter := bson.M{}
	if opts.TaskID != "" {
		filter["task_id"] = opts.TaskID
	}
	if !opts.Since.IsZero() {
		filter["timestamp"] = bson.M{"$gte": opts.Since}
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.db.Collection(colRecords).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("dagrun/mongo: list records: %w", err)
	}
	defer cursor.Close(ctx)

	var models []recordModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("dagrun/mongo: list records decode: %w", err)
	}

	out := make([]*recovery.Record, 0, len(models))
	for i := range models {
		rec, convErr := fromRecordModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		out = append(out, rec)
	}
	return out, nil
}

// SaveEscalation persists a request for manual follow-up.
func (s *Store) SaveEscalation(ctx context.Context, esc *recovery.Escalation) error {
	m := &escalationModel{
		TaskID:       esc.TaskID,
		Timestamp:    esc.Timestamp,
		ErrorMessage: esc.ErrorMessage,
		Trace:        esc.Trace,
	}
	if _, err := s.db.Collection(colEscalations).InsertOne(ctx, m); err != nil {
		return fmt.Errorf("dagrun/mongo: save escalation for %q: %w", esc.TaskID, err)
	}
	return nil
}

// PurgeCheckpoints removes checkpoints older than the cutoff, including
// history entries. An empty taskID purges across all tasks. It returns
// the number of entries removed.
func (s *Store) PurgeCheckpoints(ctx context.Context, taskID string, cutoff time.Time) (int64, error) {
	filter := bson.M{"timestamp": bson.M{"$lt": cutoff}}
	if taskID != "" {
		filter["task_id"] = taskID
	}

	var removed int64
	for _, col := range []string{colCheckpoints, colCheckpointHistory} {
		res, err := s.db.Collection(col).DeleteMany(ctx, filter)
		if err != nil {
			return removed, fmt.Errorf("dagrun/mongo: purge %s: %w", col, err)
		}
		removed += res.DeletedCount
	}
	return removed, nil
}
