package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/bed/task"
)

// Timeout returns middleware that bounds an attempt with the deadline
// returned by timeoutOf. A zero duration means no deadline. Handlers are
// expected to return once their context is done; the attempt is then
// incomplete with context.DeadlineExceeded.
func Timeout(logger *slog.Logger, timeoutOf func(t *task.Task) time.Duration) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		if d := timeoutOf(t); d > 0 {
			logger.Debug("attempt timeout set",
				slog.String("task_id", t.ID),
				slog.Duration("timeout", d),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
