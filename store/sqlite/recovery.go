package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/dagrun/recovery"
)

// SaveCheckpoint overwrites the task's latest checkpoint and appends to
// its history.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *recovery.Checkpoint) error {
	doc, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("dagrun/sqlite: marshal checkpoint for %q: %w", cp.TaskID, err)
	}
	ts := cp.Timestamp.UTC().Format(timeFormat)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dagrun/sqlite: save checkpoint for %q: %w", cp.TaskID, err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dagrun_checkpoints (task_id, document, timestamp)
		VALUES (?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET document = excluded.document, timestamp = excluded.timestamp`,
		cp.TaskID, string(doc), ts,
	); err != nil {
		return fmt.Errorf("dagrun/sqlite: save checkpoint for %q: %w", cp.TaskID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dagrun_checkpoint_history (task_id, document, timestamp)
		VALUES (?, ?, ?)`,
		cp.TaskID, string(doc), ts,
	); err != nil {
		return fmt.Errorf("dagrun/sqlite: append checkpoint history for %q: %w", cp.TaskID, err)
	}

	return tx.Commit()
}

// LatestCheckpoint returns the task's latest checkpoint, or nil when
// none exists. A row that no longer decodes is treated as absent.
func (s *Store) LatestCheckpoint(ctx context.Context, taskID string) (*recovery.Checkpoint, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM dagrun_checkpoints WHERE task_id = ?`, taskID,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dagrun/sqlite: latest checkpoint for %q: %w", taskID, err)
	}

	var cp recovery.Checkpoint
	if err := json.Unmarshal([]byte(doc), &cp); err != nil {
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
	rows, err := s.db.QueryContext(ctx, `
		SELECT document FROM dagrun_checkpoint_history
		WHERE task_id = ? ORDER BY seq`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("dagrun/sqlite: checkpoint history for %q: %w", taskID, err)
	}
	defer rows.Close()

	var out []*recovery.Checkpoint
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("dagrun/sqlite: scan checkpoint: %w", err)
		}
		var cp recovery.Checkpoint
		if err := json.Unmarshal([]byte(doc), &cp); err != nil {
			s.logger.Warn("discarding corrupt checkpoint",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}

// AppendRecord appends a recovery audit record.
func (s *Store) AppendRecord(ctx context.Context, rec *recovery.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dagrun_records (id, task_id, timestamp, error_type, error_message, strategy, success, attempt, trace)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.TaskID, rec.Timestamp.UTC().Format(timeFormat),
		string(rec.ErrorKind), rec.ErrorMessage, string(rec.Strategy),
		rec.Success, rec.Attempt, rec.Trace,
	)
	if err != nil {
		return fmt.Errorf("dagrun/sqlite: append record for %q: %w", rec.TaskID, err)
	}
	return nil
}

// ListRecords returns recovery records matching the given options,
// oldest first.
func (s *Store) ListRecords(ctx context.Context, opts recovery.RecordOpts) ([]*recovery.Record, error) {
	query := `SELECT id, task_id, timestamp, error_type, error_message, strategy, success, attempt, trace
		FROM dagrun_records`
	var conds []string
	var args []any
	if opts.TaskID != "" {
		conds = append(conds, `task_id = ?`)
		args = append(args, opts.TaskID)
	}
	if !opts.Since.IsZero() {
		conds = append(conds, `timestamp >= ?`)
		args = append(args, opts.Since.UTC().Format(timeFormat))
	}
	for i, cond := range conds {
		if i == 0 {
			query += ` WHERE ` + cond
		} else {
			query += ` AND ` + cond
		}
	}
	query += ` ORDER BY timestamp, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dagrun/sqlite: list records: %w", err)
	}
	defer rows.Close()

	var out []*recovery.Record
	for rows.Next() {
		var rec recovery.Record
		var recID, ts string
		if err := rows.Scan(&recID, &rec.TaskID, &ts, &rec.ErrorKind, &rec.ErrorMessage,
			&rec.Strategy, &rec.Success, &rec.Attempt, &rec.Trace); err != nil {
			return nil, fmt.Errorf("dagrun/sqlite: scan record: %w", err)
		}
		if err := rec.ID.UnmarshalText([]byte(recID)); err != nil {
			return nil, fmt.Errorf("dagrun/sqlite: decode record id %q: %w", recID, err)
		}
		rec.Timestamp, err = time.Parse(timeFormat, ts)
		if err != nil {
			return nil, fmt.Errorf("dagrun/sqlite: decode record timestamp %q: %w", ts, err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// SaveEscalation persists an escalation record.
func (s *Store) SaveEscalation(ctx context.Context, esc *recovery.Escalation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dagrun_escalations (task_id, timestamp, error_message, trace)
		VALUES (?, ?, ?, ?)`,
		esc.TaskID, esc.Timestamp.UTC().Format(timeFormat), esc.ErrorMessage, esc.Trace,
	)
	if err != nil {
		return fmt.Errorf("dagrun/sqlite: save escalation for %q: %w", esc.TaskID, err)
	}
	return nil
}

// PurgeCheckpoints removes checkpoints older than the cutoff.
func (s *Store) PurgeCheckpoints(ctx context.Context, taskID string, cutoff time.Time) (int64, error) {
	ts := cutoff.UTC().Format(timeFormat)

	var removed int64
	for _, table := range []string{"dagrun_checkpoints", "dagrun_checkpoint_history"} {
		query := `DELETE FROM ` + table + ` WHERE timestamp < ?`
		args := []any{ts}
		if taskID != "" {
			query += ` AND task_id = ?`
			args = append(args, taskID)
		}
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return removed, fmt.Errorf("dagrun/sqlite: purge %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, fmt.Errorf("dagrun/sqlite: purge %s: %w", table, err)
		}
		removed += n
	}
	return removed, nil
}
