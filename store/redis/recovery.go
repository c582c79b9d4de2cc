package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/dagrun/recovery"
)

// SaveCheckpoint overwrites the task's latest checkpoint and appends to
// its history.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *recovery.Checkpoint) error {
	doc, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("dagrun/redis: marshal checkpoint for %q: %w", cp.TaskID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, checkpointKey(cp.TaskID), doc, 0)
	pipe.RPush(ctx, checkpointHistoryKey(cp.TaskID), doc)
	pipe.SAdd(ctx, checkpointTasksKey, cp.TaskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dagrun/redis: save checkpoint for %q: %w", cp.TaskID, err)
	}
	return nil
}

// LatestCheckpoint returns the task's latest checkpoint, or nil when
// none exists. A value that no longer decodes is treated as absent.
func (s *Store) LatestCheckpoint(ctx context.Context, taskID string) (*recovery.Checkpoint, error) {
	doc, err := s.client.Get(ctx, checkpointKey(taskID)).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dagrun/redis: latest checkpoint for %q: %w", taskID, err)
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
	docs, err := s.client.LRange(ctx, checkpointHistoryKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("dagrun/redis: checkpoint history for %q: %w", taskID, err)
	}

	out := make([]*recovery.Checkpoint, 0, len(docs))
	for _, doc := range docs {
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
	return out, nil
}

// AppendRecord appends a recovery audit record.
func (s *Store) AppendRecord(ctx context.Context, rec *recovery.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("dagrun/redis: marshal record for %q: %w", rec.TaskID, err)
	}
	if err := s.client.RPush(ctx, recordsKey, doc).Err(); err != nil {
		return fmt.Errorf("dagrun/redis: append record for %q: %w", rec.TaskID, err)
	}
	return nil
}

// ListRecords returns recovery records matching the given options,
// oldest first.
func (s *Store) ListRecords(ctx context.Context, opts recovery.RecordOpts) ([]*recovery.Record, error) {
	docs, err := s.client.LRange(ctx, recordsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("dagrun/redis: list records: %w", err)
	}

	var out []*recovery.Record
	for _, doc := range docs {
		var rec recovery.Record
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, fmt.Errorf("dagrun/redis: decode record: %w", err)
		}
		if opts.TaskID != "" && rec.TaskID != opts.TaskID {
			continue
		}
		if !opts.Since.IsZero() && rec.Timestamp.Before(opts.Since) {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

// SaveEscalation persists an escalation record.
func (s *Store) SaveEscalation(ctx context.Context, esc *recovery.Escalation) error {
	doc, err := json.Marshal(esc)
	if err != nil {
		return fmt.Errorf("dagrun/redis: marshal escalation for %q: %w", esc.TaskID, err)
	}
	if err := s.client.RPush(ctx, escalationsKey, doc).Err(); err != nil {
		return fmt.Errorf("dagrun/redis: save escalation for %q: %w", esc.TaskID, err)
	}
	return nil
}

// PurgeCheckpoints removes checkpoints older than the cutoff, including
// stale history entries, and drops the task from the sweep index when
// nothing remains.
func (s *Store) PurgeCheckpoints(ctx context.Context, taskID string, cutoff time.Time) (int64, error) {
	var tasks []string
	if taskID != "" {
		tasks = []string{taskID}
	} else {
		var err error
		tasks, err = s.client.SMembers(ctx, checkpointTasksKey).Result()
		if err != nil {
			return 0, fmt.Errorf("dagrun/redis: list checkpoint tasks: %w", err)
		}
	}

	var removed int64
	for _, task := range tasks {
		n, err := s.purgeTask(ctx, task, cutoff)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

// purgeTask removes one task's stale checkpoint artifacts.
func (s *Store) purgeTask(ctx context.Context, taskID string, cutoff time.Time) (int64, error) {
	var removed int64

	latest, err := s.LatestCheckpoint(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if latest != nil && latest.Timestamp.Before(cutoff) {
		n, delErr := s.client.Del(ctx, checkpointKey(taskID)).Result()
		if delErr != nil {
			return removed, fmt.Errorf("dagrun/redis: purge checkpoint for %q: %w", taskID, delErr)
		}
		removed += n
	}

	history, err := s.CheckpointHistory(ctx, taskID)
	if err != nil {
		return removed, err
	}
	var kept []any
	for _, cp := range history {
		if cp.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		doc, marshalErr := json.Marshal(cp)
		if marshalErr != nil {
			return removed, fmt.Errorf("dagrun/redis: marshal checkpoint for %q: %w", taskID, marshalErr)
		}
		kept = append(kept, doc)
	}

	histKey := checkpointHistoryKey(taskID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, histKey)
	if len(kept) > 0 {
		pipe.RPush(ctx, histKey, kept...)
	} else {
		pipe.SRem(ctx, checkpointTasksKey, taskID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return removed, fmt.Errorf("dagrun/redis: rewrite history for %q: %w", taskID, err)
	}
	return removed, nil
}
