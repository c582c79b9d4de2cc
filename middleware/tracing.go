package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/dagrun/dag"
)

// tracerName is the instrumentation scope name for dagrun tracing.
const tracerName = "github.com/xraph/dagrun"

// Tracing returns middleware that wraps step execution in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through with zero
// overhead.
//
// Span attributes include: dagrun.step.id, dagrun.retry_count,
// dagrun.max_retries. On error, the span status is set to codes.Error
// with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, step *dag.Step, next Handler) (any, error) {
		ctx, span := tracer.Start(ctx, "dagrun.step.execute",
			trace.WithAttributes(
				attribute.String("dagrun.step.id", step.StepID),
				attribute.Int("dagrun.retry_count", step.RetryCount),
				attribute.Int("dagrun.max_retries", step.MaxRetries),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		result, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return result, err
	}
}
