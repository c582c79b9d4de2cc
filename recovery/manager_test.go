package recovery_test

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xraph/dagrun/backoff"
	"github.com/xraph/dagrun/recovery"
	"github.com/xraph/dagrun/store/memory"
)

func newManager(t *testing.T, opts ...recovery.Option) (*recovery.Manager, *memory.Store) {
	t.Helper()
	s := memory.New()
	base := []recovery.Option{
		recovery.WithLogger(discardLogger()),
		recovery.WithBackoff(backoff.NewFixed(time.Millisecond)),
	}
	return recovery.New(s, append(base, opts...)...), s
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	t.Parallel()
	mgr, s := newManager(t)
	ctx := context.Background()

	result, err := mgr.Execute(ctx, "task-ok", func(_ context.Context) (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != 42 {
		t.Errorf("result = %v, want 42", result)
	}

	cp, err := s.LatestCheckpoint(ctx, "task-ok")
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if cp.State != recovery.CheckpointCompleted {
		t.Errorf("checkpoint state = %q, want %q", cp.State, recovery.CheckpointCompleted)
	}

	// A clean first attempt leaves no audit records.
	recs, err := s.ListRecords(ctx, recovery.RecordOpts{TaskID: "task-ok"})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("got %d records, want 0", len(recs))
	}
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	mgr, s := newManager(t)
	ctx := context.Background()

	calls := 0
	result, err := mgr.Execute(ctx, "task-flaky", func(_ context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, context.DeadlineExceeded
		}
		return "done", nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != "done" {
		t.Errorf("result = %v, want %q", result, "done")
	}
	if calls != 3 {
		t.Errorf("op invoked %d times, want 3", calls)
	}

	recs, err := s.ListRecords(ctx, recovery.RecordOpts{TaskID: "task-flaky"})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	var failed, succeeded int
	for _, rec := range recs {
		if rec.Success {
			succeeded++
		} else {
			failed++
		}
	}
	if failed != 2 || succeeded != 1 {
		t.Errorf("records = %d failed, %d success; want 2 failed, 1 success", failed, succeeded)
	}

	cp, err := s.LatestCheckpoint(ctx, "task-flaky")
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if cp.State != recovery.CheckpointCompleted {
		t.Errorf("checkpoint state = %q, want %q", cp.State, recovery.CheckpointCompleted)
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	t.Parallel()
	mgr, s := newManager(t, recovery.WithMaxRetries(2))
	ctx := context.Background()

	boom := errors.New("connect: connection refused")
	calls := 0
	_, err := mgr.Execute(ctx, "task-down", func(_ context.Context) (any, error) {
		calls++
		return nil, boom
	})

	var exhausted *recovery.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want ExhaustedError", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", exhausted.Attempts)
	}
	if !errors.Is(err, boom) {
		t.Errorf("ExhaustedError does not unwrap to the original error")
	}
	if calls != 3 {
		t.Errorf("op invoked %d times, want 3", calls)
	}

	cp, err := s.LatestCheckpoint(ctx, "task-down")
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if cp.State != recovery.CheckpointFailed {
		t.Errorf("checkpoint state = %q, want %q", cp.State, recovery.CheckpointFailed)
	}
}

func TestExecuteSkipSwallowsFailure(t *testing.T) {
	t.Parallel()
	mgr, s := newManager(t)
	ctx := context.Background()

	calls := 0
	result, err := mgr.Execute(ctx, "task-missing", func(_ context.Context) (any, error) {
		calls++
		return nil, fs.ErrNotExist
	})
	if err != nil {
		t.Fatalf("Execute: %v, want nil (skipped)", err)
	}
	if result != nil {
		t.Errorf("result = %v, want nil", result)
	}
	if calls != 1 {
		t.Errorf("op invoked %d times, want 1 (no retries under skip)", calls)
	}

	cp, err := s.LatestCheckpoint(ctx, "task-missing")
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if cp.State != recovery.CheckpointSkipped {
		t.Errorf("checkpoint state = %q, want %q", cp.State, recovery.CheckpointSkipped)
	}
}

func TestExecuteEscalates(t *testing.T) {
	t.Parallel()
	mgr, s := newManager(t)
	ctx := context.Background()

	_, err := mgr.Execute(ctx, "task-denied", func(_ context.Context) (any, error) {
		return nil, fs.ErrPermission
	})
	if !errors.Is(err, fs.ErrPermission) {
		t.Fatalf("error = %v, want the original permission error", err)
	}

	escs, err := s.Escalations(ctx)
	if err != nil {
		t.Fatalf("Escalations: %v", err)
	}
	if len(escs) != 1 || escs[0].TaskID != "task-denied" {
		t.Fatalf("escalations = %v, want one for task-denied", escs)
	}
}

func TestExecuteRollbackRestoresBackups(t *testing.T) {
	t.Parallel()
	mgr, s := newManager(t)
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	if err := os.WriteFile(path, []byte("original"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := mgr.Backup("task-write", path); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	boom := errors.New("halfway failure")
	_, err := mgr.Execute(ctx, "task-write", func(_ context.Context) (any, error) {
		if err := os.WriteFile(path, []byte("corrupted"), 0o644); err != nil {
			return nil, err
		}
		return nil, boom
	}, recovery.WithForcedStrategy(recovery.StrategyRollback))
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want the original error after rollback", err)
	}

	restored, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(restored) != "original" {
		t.Errorf("file contents = %q, want %q", restored, "original")
	}

	cp, err := s.LatestCheckpoint(ctx, "task-write")
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if cp.State != recovery.CheckpointRolledBack {
		t.Errorf("checkpoint state = %q, want %q", cp.State, recovery.CheckpointRolledBack)
	}
}

func TestExecuteManualReturnsImmediately(t *testing.T) {
	t.Parallel()
	mgr, _ := newManager(t)
	ctx := context.Background()

	boom := errors.New("needs a human")
	calls := 0
	_, err := mgr.Execute(ctx, "task-manual", func(_ context.Context) (any, error) {
		calls++
		return nil, boom
	}, recovery.WithForcedStrategy(recovery.StrategyManual))
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want the original error", err)
	}
	if calls != 1 {
		t.Errorf("op invoked %d times, want 1", calls)
	}
}

func TestExecuteWithoutCheckpoint(t *testing.T) {
	t.Parallel()
	mgr, s := newManager(t)
	ctx := context.Background()

	_, err := mgr.Execute(ctx, "task-quiet", func(_ context.Context) (any, error) {
		return nil, nil
	}, recovery.WithoutCheckpoint())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	cp, err := s.LatestCheckpoint(ctx, "task-quiet")
	if err != nil || cp != nil {
		t.Fatalf("LatestCheckpoint = (%v, %v), want (nil, nil)", cp, err)
	}
}

func TestExecuteContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()
	s := memory.New()
	mgr := recovery.New(s,
		recovery.WithLogger(discardLogger()),
		recovery.WithBackoff(backoff.NewFixed(time.Minute)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := mgr.Execute(ctx, "task-slow", func(_ context.Context) (any, error) {
		return nil, context.DeadlineExceeded
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	mgr, _ := newManager(t, recovery.WithMaxRetries(1))
	ctx := context.Background()

	calls := 0
	if _, err := mgr.Execute(ctx, "task-a", func(_ context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, context.DeadlineExceeded
		}
		return nil, nil
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := mgr.Execute(ctx, "task-b", func(_ context.Context) (any, error) {
		return nil, fs.ErrPermission
	}); err == nil {
		t.Fatal("Execute: want escalation error")
	}

	stats, err := mgr.Stats(ctx, recovery.StatsOpts{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalAttempts != 3 {
		t.Errorf("TotalAttempts = %d, want 3", stats.TotalAttempts)
	}
	if stats.Successes != 1 || stats.Failures != 2 {
		t.Errorf("Successes/Failures = %d/%d, want 1/2", stats.Successes, stats.Failures)
	}
	if stats.TasksAffected != 2 {
		t.Errorf("TasksAffected = %d, want 2", stats.TasksAffected)
	}
	if stats.ByKind[recovery.KindPermission] != 1 {
		t.Errorf("ByKind[permission] = %d, want 1", stats.ByKind[recovery.KindPermission])
	}
	if stats.ByStrategy[recovery.StrategyEscalate] != 1 {
		t.Errorf("ByStrategy[escalate] = %d, want 1", stats.ByStrategy[recovery.StrategyEscalate])
	}
}

func TestCleanup(t *testing.T) {
	t.Parallel()
	mgr, s := newManager(t)
	ctx := context.Background()

	stale := recovery.NewCheckpoint("task-old", recovery.CheckpointCompleted, nil)
	stale.Timestamp = time.Now().UTC().Add(-14 * 24 * time.Hour)
	if err := s.SaveCheckpoint(ctx, stale); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := s.SaveCheckpoint(ctx, recovery.NewCheckpoint("task-new", recovery.CheckpointCompleted, nil)); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	// Default retention is seven days.
	removed, err := mgr.Cleanup(ctx, recovery.CleanupOpts{})
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2 (latest plus history entry)", removed)
	}

	kept, err := s.LatestCheckpoint(ctx, "task-new")
	if err != nil || kept == nil {
		t.Fatalf("LatestCheckpoint(task-new) = (%v, %v), want kept", kept, err)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
