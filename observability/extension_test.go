package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/dagrun/dag"
	"github.com/xraph/dagrun/observability"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	metric := findMetric(rm, name)
	if metric == nil {
		t.Fatalf("%s metric not found", name)
	}
	sum, ok := metric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: expected Sum[int64] data type", name)
	}
	if len(sum.DataPoints) == 0 {
		t.Fatalf("%s: no data points recorded", name)
	}
	return sum.DataPoints[0].Value
}

func newTestRun() *dag.Run {
	return dag.NewRun("etl-daily")
}

func TestMetricsExtension_Name(t *testing.T) {
	e := observability.NewMetricsExtension()
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_RunStarted(t *testing.T) {
	reader, mp := setupTestMeter()
	e := observability.NewMetricsExtensionWithMeter(mp.Meter("test"))

	if err := e.OnRunStarted(context.Background(), newTestRun()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rm := collectMetrics(t, reader)
	if got := counterValue(t, rm, "dagrun.runs.started"); got != 1 {
		t.Errorf("dagrun.runs.started: want 1, got %d", got)
	}
}

func TestMetricsExtension_RunCompleted(t *testing.T) {
	reader, mp := setupTestMeter()
	e := observability.NewMetricsExtensionWithMeter(mp.Meter("test"))

	run := newTestRun()
	run.Status = dag.RunSuccess
	if err := e.OnRunCompleted(context.Background(), run, 2*time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rm := collectMetrics(t, reader)
	if got := counterValue(t, rm, "dagrun.runs.completed"); got != 1 {
		t.Errorf("dagrun.runs.completed: want 1, got %d", got)
	}

	metric := findMetric(rm, "dagrun.run.duration")
	if metric == nil {
		t.Fatal("dagrun.run.duration metric not found")
	}
	hist, ok := metric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("expected Histogram[float64] data type")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points recorded for run duration")
	}
	if hist.DataPoints[0].Count != 1 {
		t.Errorf("expected count=1, got %d", hist.DataPoints[0].Count)
	}

	// Terminal status is carried as an attribute.
	found := false
	for _, attr := range hist.DataPoints[0].Attributes.ToSlice() {
		if string(attr.Key) == "status" && attr.Value.AsString() == "success" {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected status=success attribute on run duration histogram")
	}
}

func TestMetricsExtension_StepFailed(t *testing.T) {
	reader, mp := setupTestMeter()
	e := observability.NewMetricsExtensionWithMeter(mp.Meter("test"))

	run := newTestRun()
	step := dag.NewStep("extract", 3)
	if err := e.OnStepFailed(context.Background(), run, step, errors.New("boom")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rm := collectMetrics(t, reader)
	if got := counterValue(t, rm, "dagrun.steps.failed"); got != 1 {
		t.Errorf("dagrun.steps.failed: want 1, got %d", got)
	}
}

func TestMetricsExtension_StepSkipped(t *testing.T) {
	reader, mp := setupTestMeter()
	e := observability.NewMetricsExtensionWithMeter(mp.Meter("test"))

	run := newTestRun()
	step := dag.NewStep("load", 3)
	if err := e.OnStepSkipped(context.Background(), run, step, "source failed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rm := collectMetrics(t, reader)
	if got := counterValue(t, rm, "dagrun.steps.skipped"); got != 1 {
		t.Errorf("dagrun.steps.skipped: want 1, got %d", got)
	}
}

func TestMetricsExtension_Attributes(t *testing.T) {
	reader, mp := setupTestMeter()
	e := observability.NewMetricsExtensionWithMeter(mp.Meter("test"))

	run := newTestRun()
	step := dag.NewStep("extract", 3)
	_ = e.OnStepFailed(context.Background(), run, step, errors.New("boom"))

	rm := collectMetrics(t, reader)
	metric := findMetric(rm, "dagrun.steps.failed")
	if metric == nil {
		t.Fatal("dagrun.steps.failed metric not found")
	}
	sum, ok := metric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("expected Sum[int64] data type")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points recorded")
	}

	attrMap := make(map[string]string)
	for _, a := range sum.DataPoints[0].Attributes.ToSlice() {
		if a.Value.Type() == attribute.STRING {
			attrMap[string(a.Key)] = a.Value.AsString()
		}
	}
	expected := map[string]string{
		"dag_id":  "etl-daily",
		"step_id": "extract",
	}
	for key, want := range expected {
		got, ok := attrMap[key]
		if !ok {
			t.Errorf("missing attribute %q", key)
			continue
		}
		if got != want {
			t.Errorf("attribute %q = %q, want %q", key, got, want)
		}
	}
}

func TestMetricsExtension_DefaultNoopSafe(t *testing.T) {
	// Constructing without a global provider must not panic, and hooks
	// must still succeed.
	e := observability.NewMetricsExtension()

	run := newTestRun()
	if err := e.OnRunStarted(context.Background(), run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.OnRunCompleted(context.Background(), run, time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
