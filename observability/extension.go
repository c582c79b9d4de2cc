package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/dagrun/dag"
	"github.com/xraph/dagrun/ext"
)

// meterName is the instrumentation scope name for dagrun metrics.
const meterName = "github.com/xraph/dagrun"

// Compile-time interface checks.
var (
	_ ext.Extension    = (*MetricsExtension)(nil)
	_ ext.RunStarted   = (*MetricsExtension)(nil)
	_ ext.RunCompleted = (*MetricsExtension)(nil)
	_ ext.StepFailed   = (*MetricsExtension)(nil)
	_ ext.StepSkipped  = (*MetricsExtension)(nil)
)

// MetricsExtension records run-level lifecycle metrics via OpenTelemetry.
// Register it with an ext.Registry to automatically track run starts,
// completions by terminal status, run durations, step failures, and
// step skips.
//
// For per-step-execution duration and tracing, see the middleware
// package: middleware.Metrics() and middleware.Tracing().
type MetricsExtension struct {
	runsStarted  metric.Int64Counter
	runsDone     metric.Int64Counter
	runDuration  metric.Float64Histogram
	stepFailures metric.Int64Counter
	stepSkips    metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider. If no MeterProvider is configured, noop instruments are
// used and the extension records nothing.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. This variant allows injecting a specific MeterProvider
// for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}

	// On error the OTel API returns noop instruments, so the extension
	// degrades gracefully.
	var err error
	m.runsStarted, err = meter.Int64Counter(
		"dagrun.runs.started",
		metric.WithDescription("Total number of runs started"),
		metric.WithUnit("{run}"),
	)
	_ = err
	m.runsDone, err = meter.Int64Counter(
		"dagrun.runs.completed",
		metric.WithDescription("Total number of runs reaching a terminal status"),
		metric.WithUnit("{run}"),
	)
	_ = err
	m.runDuration, err = meter.Float64Histogram(
		"dagrun.run.duration",
		metric.WithDescription("Duration of completed runs in seconds"),
		metric.WithUnit("s"),
	)
	_ = err
	m.stepFailures, err = meter.Int64Counter(
		"dagrun.steps.failed",
		metric.WithDescription("Total number of failed step attempts"),
		metric.WithUnit("{attempt}"),
	)
	_ = err
	m.stepSkips, err = meter.Int64Counter(
		"dagrun.steps.skipped",
		metric.WithDescription("Total number of skipped steps"),
		metric.WithUnit("{step}"),
	)
	_ = err

	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Run lifecycle hooks ─────────────────────────────

// OnRunStarted implements ext.RunStarted.
func (m *MetricsExtension) OnRunStarted(ctx context.Context, run *dag.Run) error {
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dag_id", run.DAGID),
	))
	return nil
}

// OnRunCompleted implements ext.RunCompleted.
func (m *MetricsExtension) OnRunCompleted(ctx context.Context, run *dag.Run, elapsed time.Duration) error {
	attrs := metric.WithAttributes(
		attribute.String("dag_id", run.DAGID),
		attribute.String("status", string(run.Status)),
	)
	m.runsDone.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, elapsed.Seconds(), attrs)
	return nil
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepFailed implements ext.StepFailed.
func (m *MetricsExtension) OnStepFailed(ctx context.Context, run *dag.Run, step *dag.Step, _ error) error {
	m.stepFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dag_id", run.DAGID),
		attribute.String("step_id", step.StepID),
	))
	return nil
}

// OnStepSkipped implements ext.StepSkipped.
func (m *MetricsExtension) OnStepSkipped(ctx context.Context, run *dag.Run, step *dag.Step, _ string) error {
	m.stepSkips.Add(ctx, 1, metric.WithAttributes(
		attribute.String("dag_id", run.DAGID),
		attribute.String("step_id", step.StepID),
	))
	return nil
}
