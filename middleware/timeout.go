package middleware

import (
	"context"
	"time"

	"github.com/xraph/dagrun/dag"
)

// Timeout returns middleware that enforces a per-step execution deadline.
// With a non-zero d, a context.WithTimeout wraps the executor call. When
// the deadline is exceeded the context is cancelled and the executor
// should return context.DeadlineExceeded.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *dag.Step, next Handler) (any, error) {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
