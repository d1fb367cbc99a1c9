package middleware

import (
	"context"

	"github.com/xraph/bed/task"
)

// Handler is the terminal function that runs the handler for one attempt.
type Handler func(ctx context.Context) error

// Middleware wraps an attempt with cross-cutting logic. It receives the
// task being executed and the next handler in the chain.
type Middleware func(ctx context.Context, t *task.Task, next Handler) error

// Chain composes middleware into one. The first middleware is the
// outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, t, prev)
			}
		}
		return h(ctx)
	}
}

// outcome labels an attempt result for logs and metrics.
func outcome(err error) string {
	if err != nil {
		return "incomplete"
	}
	return "completed"
}
