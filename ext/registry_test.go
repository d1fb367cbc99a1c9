package ext_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xraph/bed/ext"
	"github.com/xraph/bed/task"
)

// allHooksExt implements every lifecycle hook.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) OnTaskSubmitted(_ context.Context, _ *task.Task) error {
	e.calls = append(e.calls, "OnTaskSubmitted")
	return nil
}

func (e *allHooksExt) OnTaskStarted(_ context.Context, _ *task.Task) error {
	e.calls = append(e.calls, "OnTaskStarted")
	return nil
}

func (e *allHooksExt) OnTaskSucceeded(_ context.Context, _ *task.Task, _ time.Duration) error {
	e.calls = append(e.calls, "OnTaskSucceeded")
	return nil
}

func (e *allHooksExt) OnTaskRetrying(_ context.Context, _ *task.Task, _ int, _ time.Duration) error {
	e.calls = append(e.calls, "OnTaskRetrying")
	return nil
}

func (e *allHooksExt) OnTaskFailed(_ context.Context, _ *task.Task, _ string) error {
	e.calls = append(e.calls, "OnTaskFailed")
	return nil
}

func (e *allHooksExt) OnTaskUnrecognized(_ context.Context, _ *task.Task, _ error) error {
	e.calls = append(e.calls, "OnTaskUnrecognized")
	return nil
}

func (e *allHooksExt) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "OnShutdown")
	return nil
}

// succeededOnly implements a single hook.
type succeededOnly struct {
	n int
}

func (e *succeededOnly) Name() string { return "succeeded-only" }

func (e *succeededOnly) OnTaskSucceeded(_ context.Context, _ *task.Task, _ time.Duration) error {
	e.n++
	return nil
}

// failingExt returns an error from its hook.
type failingExt struct{}

func (failingExt) Name() string { return "failing" }

func (failingExt) OnTaskSubmitted(_ context.Context, _ *task.Task) error {
	return errors.New("hook exploded")
}

func emitAll(r *ext.Registry) {
	ctx := context.Background()
	tk := &task.Task{ID: "t-1"}
	r.EmitTaskSubmitted(ctx, tk)
	r.EmitTaskStarted(ctx, tk)
	r.EmitTaskSucceeded(ctx, tk, time.Second)
	r.EmitTaskRetrying(ctx, tk, 1, time.Minute)
	r.EmitTaskFailed(ctx, tk, "gave up")
	r.EmitTaskUnrecognized(ctx, tk, errors.New("no handler"))
	r.EmitShutdown(ctx)
}

func TestRegistry_EmitsEveryHook(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	emitAll(r)

	want := []string{
		"OnTaskSubmitted", "OnTaskStarted", "OnTaskSucceeded", "OnTaskRetrying",
		"OnTaskFailed", "OnTaskUnrecognized", "OnShutdown",
	}
	if strings.Join(all.calls, ",") != strings.Join(want, ",") {
		t.Errorf("calls = %v, want %v", all.calls, want)
	}
}

func TestRegistry_OnlyImplementedHooks(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	only := &succeededOnly{}
	r.Register(only)

	emitAll(r)

	if only.n != 1 {
		t.Errorf("OnTaskSucceeded called %d times, want 1", only.n)
	}
	if len(r.Extensions()) != 1 {
		t.Errorf("Extensions() = %d, want 1", len(r.Extensions()))
	}
}

func TestRegistry_HookErrorIsLoggedNotPropagated(t *testing.T) {
	var buf strings.Builder
	r := ext.NewRegistry(slog.New(slog.NewTextHandler(&buf, nil)))
	r.Register(failingExt{})
	after := &allHooksExt{}
	r.Register(after)

	r.EmitTaskSubmitted(context.Background(), &task.Task{ID: "t-1"})

	if len(after.calls) != 1 {
		t.Error("an erroring hook must not stop later extensions")
	}
	out := buf.String()
	if !strings.Contains(out, "hook exploded") || !strings.Contains(out, "extension=failing") {
		t.Errorf("hook error not logged: %s", out)
	}
}

func TestRegistry_NilLoggerFallsBack(t *testing.T) {
	r := ext.NewRegistry(nil)
	r.Register(failingExt{})
	r.EmitTaskSubmitted(context.Background(), &task.Task{})
}
