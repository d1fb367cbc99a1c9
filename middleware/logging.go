package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/bed/task"
)

// Logging returns middleware that logs every attempt at debug level.
// Retry and give-up decisions are logged by the runner.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, t *task.Task, next Handler) error {
		logger.DebugContext(ctx, "attempt started",
			slog.String("task_id", t.ID),
			slog.String("handler", t.HandlerType),
			slog.String("trace_id", t.TraceID),
			slog.Int("attempt", t.Attempts+1),
		)

		start := time.Now()
		err := next(ctx)

		attrs := []any{
			slog.String("task_id", t.ID),
			slog.String("handler", t.HandlerType),
			slog.String("outcome", outcome(err)),
			slog.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		logger.DebugContext(ctx, "attempt finished", attrs...)

		return err
	}
}
