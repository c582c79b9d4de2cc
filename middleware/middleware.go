package middleware

import (
	"context"

	"github.com/xraph/dagrun/dag"
)

// Handler is the terminal function that executes step logic.
type Handler func(ctx context.Context) (any, error)

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the step being executed, and the
// next handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, step *dag.Step, next Handler) (any, error)

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, timeout) executes as:
//
//	logging → recover → timeout → executor
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, step *dag.Step, next Handler) (any, error) {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) (any, error) {
				return mw(ctx, step, prev)
			}
		}
		return h(ctx)
	}
}

// Wrap binds a middleware chain around an executor for the given step,
// producing an executor suitable for dag.Runner registration.
func Wrap(step *dag.Step, exec dag.Executor, mws ...Middleware) dag.Executor {
	chain := Chain(mws...)
	return dag.ExecutorFunc(func(ctx context.Context) (any, error) {
		return chain(ctx, step, exec.Execute)
	})
}
