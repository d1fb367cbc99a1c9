// Package ext defines lifecycle hooks for bed. Extensions are notified
// when tasks are submitted, start, succeed, are scheduled for retry, give
// up or turn out unrecognized, and when the engine shuts down.
//
// Each hook is a separate interface so an extension opts in only to the
// events it cares about. Hook errors are logged and never affect the task.
package ext

import (
	"context"
	"time"

	"github.com/xraph/bed/task"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// TaskSubmitted is called once a submitted task has been persisted.
type TaskSubmitted interface {
	OnTaskSubmitted(ctx context.Context, t *task.Task) error
}

// TaskStarted is called before an attempt runs the handler.
type TaskStarted interface {
	OnTaskStarted(ctx context.Context, t *task.Task) error
}

// TaskSucceeded is called after a completed attempt was persisted.
type TaskSucceeded interface {
	OnTaskSucceeded(ctx context.Context, t *task.Task, elapsed time.Duration) error
}

// TaskRetrying is called after an incomplete attempt was persisted with a
// retry scheduled after delay.
type TaskRetrying interface {
	OnTaskRetrying(ctx context.Context, t *task.Task, attempt int, delay time.Duration) error
}

// TaskFailed is called after the retry policy gave up on a task.
type TaskFailed interface {
	OnTaskFailed(ctx context.Context, t *task.Task, reason string) error
}

// TaskUnrecognized is called when a task's handler or payload could not
// be resolved at dispatch.
type TaskUnrecognized interface {
	OnTaskUnrecognized(ctx context.Context, t *task.Task, err error) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
