package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/xraph/dagrun/id"
	"github.com/xraph/dagrun/recovery"
)

// SaveCheckpoint replaces the latest checkpoint for the task and appends
// to its history. Both writes happen in one transaction.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *recovery.Checkpoint) error {
	doc, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("dagrun/postgres: marshal checkpoint for %q: %w", cp.TaskID, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dagrun/postgres: begin checkpoint tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	_, err = tx.Exec(ctx, `
		INSERT INTO dagrun_checkpoints (task_id, document, timestamp)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_id) DO UPDATE
		SET document = EXCLUDED.document, timestamp = EXCLUDED.timestamp`,
		cp.TaskID, doc, cp.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("dagrun/postgres: save checkpoint for %q: %w", cp.TaskID, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO dagrun_checkpoint_history (task_id, document, timestamp)
		VALUES ($1, $2, $3)`,
		cp.TaskID, doc, cp.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("dagrun/postgres: append checkpoint history for %q: %w", cp.TaskID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dagrun/postgres: commit checkpoint for %q: %w", cp.TaskID, err)
	}
	return nil
}

// LatestCheckpoint returns the most recent checkpoint for the task, or
// nil when none exists. An undecodable document is treated as absent so
// a corrupted checkpoint never blocks recovery.
func (s *Store) LatestCheckpoint(ctx context.Context, taskID string) (*recovery.Checkpoint, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM dagrun_checkpoints WHERE task_id = $1`,
		taskID,
	).Scan(&doc)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("dagrun/postgres: latest checkpoint for %q: %w", taskID, err)
	}

	var cp recovery.Checkpoint
	if err := json.Unmarshal(doc, &cp); err != nil {
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
	rows, err := s.pool.Query(ctx, `
		SELECT document FROM dagrun_checkpoint_history
		WHERE task_id = $1
		ORDER BY seq ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("dagrun/postgres: checkpoint history for %q: %w", taskID, err)
	}
	defer rows.Close()

	var out []*recovery.Checkpoint
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("dagrun/postgres: scan checkpoint: %w", err)
		}
		var cp recovery.Checkpoint
		if err := json.Unmarshal(doc, &cp); err != nil {
			s.logger.Warn("discarding corrupt checkpoint",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}

// AppendRecord appends a recovery audit record.
func (s *Store) AppendRecord(ctx context.Context, rec *recovery.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dagrun_records (id, task_id, timestamp, error_type, error_message, strategy, success, attempt, trace)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID.String(), rec.TaskID, rec.Timestamp,
		string(rec.ErrorKind), rec.ErrorMessage, string(rec.Strategy),
		rec.Success, rec.Attempt, rec.Trace,
	)
	if err != nil {
		return fmt.Errorf("dagrun/postgres: append record for %q: %w", rec.TaskID, err)
	}
	return nil
}

// ListRecords returns recovery records matching the given options in
// append order.
func (s *Store) ListRecords(ctx context.Context, opts recovery.RecordOpts) ([]*recovery.Record, error) {
	query := `
		SELECT id, task_id, timestamp, error_type, error_message, strategy, success, attempt, trace
		FROM dagrun_records`
	var (
		conds []string
		args  []any
	)
	if opts.TaskID != "" {
		args = append(args, opts.TaskID)
		conds = append(conds, "task_id = $"+strconv.Itoa(len(args)))
	}
	if !opts.Since.IsZero() {
		args = append(args, opts.Since)
		conds = append(conds, "timestamp >= $"+strconv.Itoa(len(args)))
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY id ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dagrun/postgres: list records: %w", err)
	}
	defer rows.Close()

	var out []*recovery.Record
	for rows.Next() {
		var (
			rec   recovery.Record
			rawID string
			kind  string
			strat string
		)
		if err := rows.Scan(&rawID, &rec.TaskID, &rec.Timestamp, &kind,
			&rec.ErrorMessage, &strat, &rec.Success, &rec.Attempt, &rec.Trace); err != nil {
			return nil, fmt.Errorf("dagrun/postgres: scan record: %w", err)
		}
		parsedID, err := id.ParseRecordID(rawID)
		if err != nil {
			return nil, fmt.Errorf("dagrun/postgres: parse record id %q: %w", rawID, err)
		}
		rec.ID = parsedID
		rec.ErrorKind = recovery.Kind(kind)
		rec.Strategy = recovery.Strategy(strat)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// SaveEscalation persists a request for manual follow-up.
func (s *Store) SaveEscalation(ctx context.Context, esc *recovery.Escalation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dagrun_escalations (task_id, timestamp, error_message, trace)
		VALUES ($1, $2, $3, $4)`,
		esc.TaskID, esc.Timestamp, esc.ErrorMessage, esc.Trace,
	)
	if err != nil {
		return fmt.Errorf("dagrun/postgres: save escalation for %q: %w", esc.TaskID, err)
	}
	return nil
}

// PurgeCheckpoints removes checkpoints older than the cutoff, including
// history entries. An empty taskID purges across all tasks. It returns
// the number of entries removed.
func (s *Store) PurgeCheckpoints(ctx context.Context, taskID string, cutoff time.Time) (int64, error) {
	var removed int64
	for _, table := range []string{"dagrun_checkpoints", "dagrun_checkpoint_history"} {
		query := `DELETE FROM ` + table + ` WHERE timestamp < $1`
		args := []any{cutoff}
		if taskID != "" {
			query += ` AND task_id = $2`
			args = append(args, taskID)
		}
		tag, err := s.pool.Exec(ctx, query, args...)
		if err != nil {
			return removed, fmt.Errorf("dagrun/postgres: purge %s: %w", table, err)
		}
		removed += tag.RowsAffected()
	}
	return removed, nil
}
