package ext

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/bed/task"
)

// entry pairs a hook with the extension name captured at registration.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and dispatches lifecycle events to
// them. Extensions are sorted into per-hook slices at registration so an
// emit only visits extensions implementing that hook. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	extensions []Extension
	logger     *slog.Logger

	submitted    []entry[TaskSubmitted]
	started      []entry[TaskStarted]
	succeeded    []entry[TaskSucceeded]
	retrying     []entry[TaskRetrying]
	failed       []entry[TaskFailed]
	unrecognized []entry[TaskUnrecognized]
	shutdown     []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension. Extensions are notified in registration
// order.
func (r *Registry) Register(e Extension) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(TaskSubmitted); ok {
		r.submitted = append(r.submitted, entry[TaskSubmitted]{name, h})
	}
	if h, ok := e.(TaskStarted); ok {
		r.started = append(r.started, entry[TaskStarted]{name, h})
	}
	if h, ok := e.(TaskSucceeded); ok {
		r.succeeded = append(r.succeeded, entry[TaskSucceeded]{name, h})
	}
	if h, ok := e.(TaskRetrying); ok {
		r.retrying = append(r.retrying, entry[TaskRetrying]{name, h})
	}
	if h, ok := e.(TaskFailed); ok {
		r.failed = append(r.failed, entry[TaskFailed]{name, h})
	}
	if h, ok := e.(TaskUnrecognized); ok {
		r.unrecognized = append(r.unrecognized, entry[TaskUnrecognized]{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, entry[Shutdown]{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Extension(nil), r.extensions...)
}

// EmitTaskSubmitted notifies TaskSubmitted hooks.
func (r *Registry) EmitTaskSubmitted(ctx context.Context, t *task.Task) {
	emit(r, "OnTaskSubmitted", func() []entry[TaskSubmitted] { return r.submitted }, func(h TaskSubmitted) error {
		return h.OnTaskSubmitted(ctx, t)
	})
}

// EmitTaskStarted notifies TaskStarted hooks.
func (r *Registry) EmitTaskStarted(ctx context.Context, t *task.Task) {
	emit(r, "OnTaskStarted", func() []entry[TaskStarted] { return r.started }, func(h TaskStarted) error {
		return h.OnTaskStarted(ctx, t)
	})
}

// EmitTaskSucceeded notifies TaskSucceeded hooks.
func (r *Registry) EmitTaskSucceeded(ctx context.Context, t *task.Task, elapsed time.Duration) {
	emit(r, "OnTaskSucceeded", func() []entry[TaskSucceeded] { return r.succeeded }, func(h TaskSucceeded) error {
		return h.OnTaskSucceeded(ctx, t, elapsed)
	})
}

// EmitTaskRetrying notifies TaskRetrying hooks.
func (r *Registry) EmitTaskRetrying(ctx context.Context, t *task.Task, attempt int, delay time.Duration) {
	emit(r, "OnTaskRetrying", func() []entry[TaskRetrying] { return r.retrying }, func(h TaskRetrying) error {
		return h.OnTaskRetrying(ctx, t, attempt, delay)
	})
}

// EmitTaskFailed notifies TaskFailed hooks.
func (r *Registry) EmitTaskFailed(ctx context.Context, t *task.Task, reason string) {
	emit(r, "OnTaskFailed", func() []entry[TaskFailed] { return r.failed }, func(h TaskFailed) error {
		return h.OnTaskFailed(ctx, t, reason)
	})
}

// EmitTaskUnrecognized notifies TaskUnrecognized hooks.
func (r *Registry) EmitTaskUnrecognized(ctx context.Context, t *task.Task, cause error) {
	emit(r, "OnTaskUnrecognized", func() []entry[TaskUnrecognized] { return r.unrecognized }, func(h TaskUnrecognized) error {
		return h.OnTaskUnrecognized(ctx, t, cause)
	})
}

// EmitShutdown notifies Shutdown hooks.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(r, "OnShutdown", func() []entry[Shutdown] { return r.shutdown }, func(h Shutdown) error {
		return h.OnShutdown(ctx)
	})
}

// emit calls fn for every entry returned by entries. Hook errors are
// logged and dropped.
func emit[H any](r *Registry, hook string, entries func() []entry[H], fn func(H) error) {
	r.mu.RLock()
	list := entries()
	r.mu.RUnlock()

	for _, e := range list {
		if err := fn(e.hook); err != nil {
			r.logger.Warn("extension hook error",
				slog.String("hook", hook),
				slog.String("extension", e.name),
				slog.String("error", err.Error()),
			)
		}
	}
}
