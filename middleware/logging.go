package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/dagrun/dag"
)

// Logging returns middleware that logs step start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, step *dag.Step, next Handler) (any, error) {
		logger.Info("step started",
			slog.String("step_id", step.StepID),
			slog.Int("retry_count", step.RetryCount),
		)

		start := time.Now()
		result, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("step failed",
				slog.String("step_id", step.StepID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("step completed",
				slog.String("step_id", step.StepID),
				slog.Duration("elapsed", elapsed),
			)
		}

		return result, err
	}
}
