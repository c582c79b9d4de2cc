package dag_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/xraph/dagrun"
	"github.com/xraph/dagrun/dag"
)

func TestRun_AddStepOnlyBeforeStart(t *testing.T) {
	t.Parallel()

	r := newTestRun(t, "etl-daily", "extract")
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.AddStep(dag.NewStep("late", 0)); !errors.Is(err, dagrun.ErrInvalidTransition) {
		t.Fatalf("AddStep after start error = %v, want ErrInvalidTransition", err)
	}
}

func TestRun_DuplicateStep(t *testing.T) {
	t.Parallel()

	r := newTestRun(t, "etl-daily", "extract")
	if err := r.AddStep(dag.NewStep("extract", 0)); !errors.Is(err, dagrun.ErrDuplicateStep) {
		t.Fatalf("AddStep duplicate error = %v, want ErrDuplicateStep", err)
	}
}

func TestRun_StartIdempotentWhileRunning(t *testing.T) {
	t.Parallel()

	r := newTestRun(t, "etl-daily", "extract")
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := r.StartedAt
	if err := r.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if r.StartedAt != first {
		t.Error("second Start restamped StartedAt")
	}
}

func TestRun_Complete(t *testing.T) {
	t.Parallel()

	type stepOutcome struct {
		id string
		do func(*dag.Step)
	}
	succeedStep := func(s *dag.Step) {
		_ = s.Start()
		_ = s.Complete(nil)
	}
	failStep := func(s *dag.Step) {
		_ = s.Start()
		_ = s.Fail(errors.New("boom"))
	}
	skipStep := func(s *dag.Step) {
		_ = s.Skip("upstream failed")
	}
	cancelStep := func(s *dag.Step) {
		_ = s.Cancel()
	}

	tests := []struct {
		name       string
		steps      []stepOutcome
		wantStatus dag.RunStatus
		wantErrSub string
	}{
		{
			name:       "all success",
			steps:      []stepOutcome{{"a", succeedStep}, {"b", succeedStep}},
			wantStatus: dag.RunSuccess,
		},
		{
			name:       "mixed outcomes",
			steps:      []stepOutcome{{"a", succeedStep}, {"b", failStep}, {"c", skipStep}},
			wantStatus: dag.RunPartialSuccess,
			wantErrSub: "b: boom",
		},
		{
			name:       "success with cancelled steps",
			steps:      []stepOutcome{{"a", succeedStep}, {"b", cancelStep}},
			wantStatus: dag.RunPartialSuccess,
			wantErrSub: "b: cancelled",
		},
		{
			name:       "all failed",
			steps:      []stepOutcome{{"a", failStep}, {"b", failStep}},
			wantStatus: dag.RunFailed,
			wantErrSub: "a: boom",
		},
		{
			name:       "no steps succeeded and none failed",
			steps:      nil,
			wantStatus: dag.RunFailed,
			wantErrSub: "no steps succeeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := dag.NewRun("etl-daily")
			for _, so := range tt.steps {
				step := dag.NewStep(so.id, 0)
				if err := r.AddStep(step); err != nil {
					t.Fatalf("AddStep: %v", err)
				}
			}
			if err := r.Start(); err != nil {
				t.Fatalf("Start: %v", err)
			}
			for _, so := range tt.steps {
				step, _ := r.Step(so.id)
				so.do(step)
			}

			r.Complete()

			if r.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", r.Status, tt.wantStatus)
			}
			if tt.wantErrSub == "" && r.Error != "" {
				t.Errorf("Error = %q, want empty", r.Error)
			}
			if tt.wantErrSub != "" && !strings.Contains(r.Error, tt.wantErrSub) {
				t.Errorf("Error = %q, want substring %q", r.Error, tt.wantErrSub)
			}
			if r.EndedAt == nil {
				t.Error("EndedAt not stamped")
			}
		})
	}
}

func TestRun_CompleteKeepsCancelled(t *testing.T) {
	t.Parallel()

	r := newTestRun(t, "etl-daily", "a", "b")
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Cancel()
	r.Complete()

	if r.Status != dag.RunCancelled {
		t.Errorf("status = %q, want cancelled", r.Status)
	}
	for _, s := range r.Steps.All() {
		if s.Status != dag.StepCancelled {
			t.Errorf("step %q status = %q, want cancelled", s.StepID, s.Status)
		}
	}
}

func TestRun_CancelSparesTerminalSteps(t *testing.T) {
	t.Parallel()

	r := newTestRun(t, "etl-daily", "done", "pending")
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done, _ := r.Step("done")
	_ = done.Start()
	_ = done.Complete(nil)

	r.Cancel()

	if done.Status != dag.StepSuccess {
		t.Errorf("terminal step status = %q, want success untouched", done.Status)
	}
	still, _ := r.Step("pending")
	if still.Status != dag.StepCancelled {
		t.Errorf("pending step status = %q, want cancelled", still.Status)
	}
}

func TestRun_Summary(t *testing.T) {
	t.Parallel()

	r := newTestRun(t, "etl-daily", "a", "b", "c", "d")
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	a, _ := r.Step("a")
	_ = a.Start()
	_ = a.Complete(nil)
	b, _ := r.Step("b")
	_ = b.Start()
	_ = b.Complete(nil)
	c, _ := r.Step("c")
	_ = c.Start()
	_ = c.Fail(errors.New("boom"))
	d, _ := r.Step("d")
	_ = d.Skip("upstream failed")

	sum := r.Summary()
	if sum.TotalSteps != 4 || sum.CompletedSteps != 2 || sum.FailedSteps != 1 || sum.SkippedSteps != 1 {
		t.Errorf("Summary = %+v, want 4 total, 2 completed, 1 failed, 1 skipped", sum)
	}
	if sum.SuccessRate != 50 {
		t.Errorf("SuccessRate = %v, want 50", sum.SuccessRate)
	}

	empty := dag.NewRun("empty").Summary()
	if empty.SuccessRate != 0 {
		t.Errorf("empty run SuccessRate = %v, want 0", empty.SuccessRate)
	}
}

func TestRun_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	r := newTestRun(t, "etl-daily", "extract", "transform", "load")
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	step, _ := r.Step("extract")
	_ = step.Start()
	step.RetryCount = 2
	_ = step.Complete("rows=10")

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"total_retries":2`) {
		t.Errorf("serialized run missing derived total_retries: %s", data)
	}

	var back dag.Run
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back.ID != r.ID || back.DAGID != r.DAGID || back.Status != r.Status {
		t.Errorf("round trip mismatch: got %s/%s/%s", back.ID, back.DAGID, back.Status)
	}
	if back.TotalRetries() != 2 {
		t.Errorf("TotalRetries = %d after round trip, want 2", back.TotalRetries())
	}

	// Step order must survive serialization.
	want := []string{"extract", "transform", "load"}
	got := back.Steps.All()
	if len(got) != len(want) {
		t.Fatalf("got %d steps, want %d", len(got), len(want))
	}
	for i, s := range got {
		if s.StepID != want[i] {
			t.Errorf("step[%d] = %q, want %q", i, s.StepID, want[i])
		}
	}
}

func TestRun_Validate(t *testing.T) {
	t.Parallel()

	r := newTestRun(t, "etl-daily", "extract")
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	r.Status = "paused"
	if err := r.Validate(); err == nil {
		t.Error("Validate accepted unknown status")
	}

	r2 := newTestRun(t, "", "extract")
	r2.DAGID = ""
	if err := r2.Validate(); err == nil {
		t.Error("Validate accepted empty dag_id")
	}
}
