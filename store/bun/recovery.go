package bunstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/dagrun/recovery"
)

// SaveCheckpoint overwrites the task's latest checkpoint and appends to
// its history.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *recovery.Checkpoint) error {
	doc, err := checkpointDocument(cp)
	if err != nil {
		return err
	}

	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		latest := &checkpointModel{
			TaskID:    cp.TaskID,
			Document:  doc,
			Timestamp: cp.Timestamp,
		}
		if _, err := tx.NewInsert().Model(latest).
			On("CONFLICT (task_id) DO UPDATE").
			Set("document = EXCLUDED.document").
			Set("timestamp = EXCLUDED.timestamp").
			Exec(ctx); err != nil {
			return err
		}

		hist := &checkpointHistoryModel{
			TaskID:    cp.TaskID,
			Document:  doc,
			Timestamp: cp.Timestamp,
		}
		_, err := tx.NewInsert().Model(hist).Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("dagrun/bun: save checkpoint for %q: %w", cp.TaskID, err)
	}
	return nil
}

// LatestCheckpoint returns the task's latest checkpoint, or nil when
// none exists. A row that no longer decodes is treated as absent.
func (s *Store) LatestCheckpoint(ctx context.Context, taskID string) (*recovery.Checkpoint, error) {
	m := new(checkpointModel)
	err := s.db.NewSelect().Model(m).
		Where("task_id = ?", taskID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("dagrun/bun: latest checkpoint for %q: %w", taskID, err)
	}

	var cp recovery.Checkpoint
	if err := json.Unmarshal(m.Document, &cp); err != nil {
		s.logger.Warn("discarding corrupt checkpoint",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	return &cp, nil
}

// CheckpointHistory returns the task's checkpoint history in write
// order. Corrupt entries are dropped.
func (s *Store) CheckpointHistory(ctx context.Context, taskID string) ([]*recovery.Checkpoint, error) {
	var models []checkpointHistoryModel
	err := s.db.NewSelect().Model(&models).
		Where("task_id = ?", taskID).
		Order("seq").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("dagrun/bun: checkpoint history for %q: %w", taskID, err)
	}

	out := make([]*recovery.Checkpoint, 0, len(models))
	for i := range models {
		var cp recovery.Checkpoint
		if err := json.Unmarshal(models[i].Document, &cp); err != nil {
			s.logger.Warn("discarding corrupt checkpoint",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, &cp)
	}
	return out, nil
}

// AppendRecord appends a recovery audit record.
func (s *Store) AppendRecord(ctx context.Context, rec *recovery.Record) error {
	m := toRecordModel(rec)
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return fmt.Errorf("dagrun/bun: append record for %q: %w", rec.TaskID, err)
	}
	return nil
}

// ListRecords returns recovery records matching the given options,
// oldest first.
func (s *Store) ListRecords(ctx context.Context, opts recovery.RecordOpts) ([]*recovery.Record, error) {
	var models []recordModel
	q := s.db.NewSelect().Model(&models).
		Order("timestamp", "id")

	if opts.TaskID != "" {
		q = q.Where("task_id = ?", opts.TaskID)
	}
	if !opts.Since.IsZero() {
		q = q.Where("timestamp >= ?", opts.Since)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("dagrun/bun: list records: %w", err)
	}

	out := make([]*recovery.Record, 0, len(models))
	for i := range models {
		rec, err := fromRecordModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// SaveEscalation persists an escalation record.
func (s *Store) SaveEscalation(ctx context.Context, esc *recovery.Escalation) error {
	m := &escalationModel{
		TaskID:       esc.TaskID,
		Timestamp:    esc.Timestamp,
		ErrorMessage: esc.ErrorMessage,
		Trace:        esc.Trace,
	}
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return fmt.Errorf("dagrun/bun: save escalation for %q: %w", esc.TaskID, err)
	}
	return nil
}

// PurgeCheckpoints removes checkpoints older than the cutoff.
func (s *Store) PurgeCheckpoints(ctx context.Context, taskID string, cutoff time.Time) (int64, error) {
	var removed int64

	q := s.db.NewDelete().Model((*checkpointModel)(nil)).
		Where("timestamp < ?", cutoff)
	if taskID != "" {
		q = q.Where("task_id = ?", taskID)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return removed, fmt.Errorf("dagrun/bun: purge checkpoints: %w", err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	removed += n

	hq := s.db.NewDelete().Model((*checkpointHistoryModel)(nil)).
		Where("timestamp < ?", cutoff)
	if taskID != "" {
		hq = hq.Where("task_id = ?", taskID)
	}
	res, err = hq.Exec(ctx)
	if err != nil {
		return removed, fmt.Errorf("dagrun/bun: purge checkpoint history: %w", err)
	}
	n, _ = res.RowsAffected() //nolint:errcheck // driver always returns nil
	removed += n

	return removed, nil
}
