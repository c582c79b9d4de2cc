package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/dagrun/dag"
)

// Recover returns middleware that recovers from panics in the executor chain.
// Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, step *dag.Step, next Handler) (result any, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("step executor panicked",
					slog.String("step_id", step.StepID),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				result = nil
				retErr = fmt.Errorf("panic in step %s: %v", step.StepID, r)
			}
		}()
		return next(ctx)
	}
}
