package middleware

import (
	"context"

	"github.com/xraph/bed"
	"github.com/xraph/bed/task"
)

// Trace returns middleware that puts the task's trace id on the handler
// context, where bed.TraceIDFrom finds it.
func Trace() Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		if t.TraceID != "" {
			ctx = bed.WithTraceID(ctx, t.TraceID)
		}
		return next(ctx)
	}
}
