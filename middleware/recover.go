package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/bed/task"
)

// Recover returns middleware that converts a handler panic into an error,
// so a panicking handler leaves its task incomplete instead of killing the
// worker goroutine.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("handler panicked",
					slog.String("task_id", t.ID),
					slog.String("handler", t.HandlerType),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic: %v", r)
			}
		}()
		return next(ctx)
	}
}
