package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/dagrun"
	"github.com/xraph/dagrun/dag"
	"github.com/xraph/dagrun/id"
	"github.com/xraph/dagrun/recovery"
	"github.com/xraph/dagrun/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	ctx := context.Background()

	s, err := sqlite.New(ctx, ":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func newRun(t *testing.T, dagID string, stepIDs ...string) *dag.Run {
	t.Helper()
	r := dag.NewRun(dagID)
	for _, stepID := range stepIDs {
		if err := r.AddStep(dag.NewStep(stepID, 0)); err != nil {
			t.Fatalf("AddStep(%q): %v", stepID, err)
		}
	}
	return r
}

func TestRunRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	r := newRun(t, "etl-daily", "extract", "transform", "load")
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.CreateRun(ctx, r); !errors.Is(err, dagrun.ErrDuplicateRun) {
		t.Fatalf("CreateRun(duplicate) error = %v, want ErrDuplicateRun", err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.ID != r.ID || got.DAGID != r.DAGID {
		t.Errorf("round trip mismatch: got %s/%s", got.ID, got.DAGID)
	}

	// Step order must survive the document column.
	want := []string{"extract", "transform", "load"}
	for i, step := range got.Steps.All() {
		if step.StepID != want[i] {
			t.Errorf("step[%d] = %q, want %q", i, step.StepID, want[i])
		}
	}

	if _, err := s.GetRun(ctx, id.NewRunID()); !errors.Is(err, dagrun.ErrRunNotFound) {
		t.Fatalf("GetRun(unknown) error = %v, want ErrRunNotFound", err)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	r := newRun(t, "etl-daily", "extract")
	if err := s.UpdateRun(ctx, r); !errors.Is(err, dagrun.ErrRunNotFound) {
		t.Fatalf("UpdateRun(uncreated) error = %v, want ErrRunNotFound", err)
	}

	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.UpdateRun(ctx, r); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != dag.RunRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}

	deleted, err := s.DeleteRun(ctx, r.ID)
	if err != nil || !deleted {
		t.Fatalf("DeleteRun = (%v, %v), want (true, nil)", deleted, err)
	}
	deleted, err = s.DeleteRun(ctx, r.ID)
	if err != nil || deleted {
		t.Fatalf("DeleteRun(again) = (%v, %v), want (false, nil)", deleted, err)
	}
}

func TestListAndStats(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	r1 := newRun(t, "etl-daily", "a")
	r1.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	r1.Status = dag.RunSuccess
	r2 := newRun(t, "etl-daily", "a")
	r2.CreatedAt = time.Now().UTC().Add(-1 * time.Hour)
	r2.Status = dag.RunFailed
	r3 := newRun(t, "report-weekly", "a")

	for _, r := range []*dag.Run{r1, r2, r3} {
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	all, err := s.ListRuns(ctx, dag.ListOpts{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 3 || all[0].ID != r3.ID || all[2].ID != r1.ID {
		t.Errorf("ListRuns order mismatch: %v", all)
	}

	filtered, err := s.ListRuns(ctx, dag.ListOpts{DAGID: "etl-daily", Status: dag.RunFailed})
	if err != nil {
		t.Fatalf("ListRuns(filtered): %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != r2.ID {
		t.Errorf("filtered runs = %v, want only %s", filtered, r2.ID)
	}

	page, err := s.ListRuns(ctx, dag.ListOpts{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListRuns(page): %v", err)
	}
	if len(page) != 1 || page[0].ID != r2.ID {
		t.Errorf("paged runs = %v, want only %s", page, r2.ID)
	}

	active, err := s.ActiveRuns(ctx)
	if err != nil {
		t.Fatalf("ActiveRuns: %v", err)
	}
	if len(active) != 1 || active[0].ID != r3.ID {
		t.Errorf("ActiveRuns = %v, want only %s", active, r3.ID)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalRuns != 3 || stats.ByStatus[dag.RunSuccess] != 1 {
		t.Errorf("Stats = %+v, want 3 total with 1 success", stats)
	}
}

func TestCheckpoints(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.LatestCheckpoint(ctx, "task-1")
	if err != nil || got != nil {
		t.Fatalf("LatestCheckpoint(none) = (%v, %v), want (nil, nil)", got, err)
	}

	states := []recovery.CheckpointState{
		recovery.CheckpointRunning,
		recovery.CheckpointCompleted,
	}
	for _, state := range states {
		if err := s.SaveCheckpoint(ctx, recovery.NewCheckpoint("task-1", state, map[string]any{"n": 1})); err != nil {
			t.Fatalf("SaveCheckpoint(%s): %v", state, err)
		}
	}

	latest, err := s.LatestCheckpoint(ctx, "task-1")
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if latest.State != recovery.CheckpointCompleted {
		t.Errorf("latest.State = %q, want completed", latest.State)
	}

	hist, err := s.CheckpointHistory(ctx, "task-1")
	if err != nil {
		t.Fatalf("CheckpointHistory: %v", err)
	}
	if len(hist) != 2 || hist[0].State != recovery.CheckpointRunning {
		t.Errorf("history = %v, want running then completed", hist)
	}
}

func TestCorruptCheckpointTreatedAsAbsent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.DB().ExecContext(ctx, `
		INSERT INTO dagrun_checkpoints (task_id, document, timestamp)
		VALUES ('task-bad', 'not json', '2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("seed corrupt row: %v", err)
	}

	got, err := s.LatestCheckpoint(ctx, "task-bad")
	if err != nil {
		t.Fatalf("LatestCheckpoint: %v", err)
	}
	if got != nil {
		t.Errorf("corrupt checkpoint returned as %v, want nil", got)
	}
}

func TestRecordsAndEscalations(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []*recovery.Record{
		{ID: id.NewRecordID(), TaskID: "a", Timestamp: now.Add(-2 * time.Hour), ErrorKind: recovery.KindTimeout, ErrorMessage: "slow", Strategy: recovery.StrategyRetry},
		{ID: id.NewRecordID(), TaskID: "a", Timestamp: now.Add(-1 * time.Hour), ErrorKind: recovery.KindTimeout, Strategy: recovery.StrategyRetry, Success: true, Attempt: 1},
		{ID: id.NewRecordID(), TaskID: "b", Timestamp: now, ErrorKind: recovery.KindPermission, Strategy: recovery.StrategyEscalate},
	}
	for _, rec := range recs {
		if err := s.AppendRecord(ctx, rec); err != nil {
			t.Fatalf("AppendRecord: %v", err)
		}
	}

	got, err := s.ListRecords(ctx, recovery.RecordOpts{TaskID: "a"})
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].ErrorMessage != "slow" || got[1].Attempt != 1 {
		t.Errorf("records out of order or fields lost: %+v", got)
	}

	since, err := s.ListRecords(ctx, recovery.RecordOpts{Since: now.Add(-30 * time.Minute)})
	if err != nil {
		t.Fatalf("ListRecords(since): %v", err)
	}
	if len(since) != 1 || since[0].TaskID != "b" {
		t.Errorf("since filter = %v, want only task b", since)
	}

	esc := &recovery.Escalation{TaskID: "b", Timestamp: now, ErrorMessage: "permission denied"}
	if err := s.SaveEscalation(ctx, esc); err != nil {
		t.Fatalf("SaveEscalation: %v", err)
	}
}

func TestPurgeCheckpoints(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	old := recovery.NewCheckpoint("stale", recovery.CheckpointCompleted, nil)
	old.Timestamp = time.Now().UTC().Add(-48 * time.Hour)
	fresh := recovery.NewCheckpoint("fresh", recovery.CheckpointCompleted, nil)

	for _, cp := range []*recovery.Checkpoint{old, fresh} {
		if err := s.SaveCheckpoint(ctx, cp); err != nil {
			t.Fatalf("SaveCheckpoint: %v", err)
		}
	}

	removed, err := s.PurgeCheckpoints(ctx, "", time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeCheckpoints: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2 (latest plus history entry)", removed)
	}

	got, err := s.LatestCheckpoint(ctx, "stale")
	if err != nil || got != nil {
		t.Fatalf("LatestCheckpoint(stale) = (%v, %v), want (nil, nil)", got, err)
	}
}
