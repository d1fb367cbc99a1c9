package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/bed"
	"github.com/xraph/bed/handler"
	"github.com/xraph/bed/retry"
	"github.com/xraph/bed/task"
)

// prepare resolves the task's handler and decodes its payload. When either
// fails the task is persisted as unrecognized and a non-nil Result is
// returned.
func (r *Runner) prepare(ctx context.Context, t *task.Task) (handler.Handler, bed.Command, *Result) {
	h, err := r.registry.Resolve(t.HandlerType)
	if err != nil {
		return nil, nil, r.unrecognized(ctx, t, err)
	}
	cmd, err := h.Decode(r.serializer, t.Payload)
	if err != nil {
		return nil, nil, r.unrecognized(ctx, t, err)
	}
	return h, cmd, nil
}

func (r *Runner) unrecognized(ctx context.Context, t *task.Task, cause error) *Result {
	owner := t.ClaimOwner
	t.MarkUnrecognized(cause.Error(), r.now())
	res := &Result{
		TaskID:   t.ID,
		Status:   t.Status,
		Attempts: t.Attempts,
		Message:  t.LastMessage,
	}

	if err := r.persist(context.WithoutCancel(ctx), t, owner); err != nil {
		res.Err = err
		return res
	}

	r.logger.Error("task unrecognized",
		slog.String("task_id", t.ID),
		slog.String("handler", t.HandlerType),
		slog.String("error", cause.Error()),
	)
	r.extensions.EmitTaskUnrecognized(ctx, t, cause)
	return res
}

// execute runs one attempt through the middleware chain and persists the
// outcome. Handler errors and panics never escape; they only make the
// attempt incomplete.
func (r *Runner) execute(ctx context.Context, t *task.Task, h handler.Handler, cmd bed.Command) *Result {
	owner := t.ClaimOwner
	r.extensions.EmitTaskStarted(ctx, t)

	start := time.Now()
	err := r.invoke(ctx, t, h, cmd)
	elapsed := time.Since(start)

	// Persist even when the attempt's context was cancelled.
	persistCtx := context.WithoutCancel(ctx)

	if err == nil {
		return r.succeeded(persistCtx, t, owner, elapsed)
	}
	return r.incomplete(persistCtx, t, owner, h, cmd, err, elapsed)
}

func (r *Runner) invoke(ctx context.Context, t *task.Task, h handler.Handler, cmd bed.Command) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.mw(ctx, t, func(ctx context.Context) error {
		return h.Execute(ctx, cmd)
	})
}

func (r *Runner) succeeded(ctx context.Context, t *task.Task, owner string, elapsed time.Duration) *Result {
	t.Succeed(r.now())
	res := &Result{
		TaskID:   t.ID,
		Status:   t.Status,
		Attempts: t.Attempts,
		Elapsed:  elapsed,
	}

	if err := r.persist(ctx, t, owner); err != nil {
		res.Err = err
		return res
	}

	r.logger.Debug("task succeeded",
		slog.String("task_id", t.ID),
		slog.String("handler", t.HandlerType),
		slog.Int("attempts", t.Attempts),
		slog.Duration("elapsed", elapsed),
	)
	r.extensions.EmitTaskSucceeded(ctx, t, elapsed)
	return res
}

func (r *Runner) incomplete(ctx context.Context, t *task.Task, owner string, h handler.Handler, cmd bed.Command, cause error, elapsed time.Duration) *Result {
	msg := handler.Message(cause)
	d := r.decide(t, h, cmd, t.Attempts+1)
	t.Fail(d, msg, r.now())

	res := &Result{
		TaskID:   t.ID,
		Status:   t.Status,
		Attempts: t.Attempts,
		Delay:    d.Delay(),
		Message:  t.LastMessage,
		Elapsed:  elapsed,
	}

	if err := r.persist(ctx, t, owner); err != nil {
		res.Err = err
		return res
	}

	if d.ShouldRetry() {
		r.logger.Info("task will retry",
			slog.String("task_id", t.ID),
			slog.String("handler", t.HandlerType),
			slog.Int("attempt", t.Attempts),
			slog.Duration("delay", d.Delay()),
			slog.String("error", msg),
		)
		r.extensions.EmitTaskRetrying(ctx, t, t.Attempts, d.Delay())
		return res
	}

	r.logger.Warn("giving up on task",
		slog.String("task_id", t.ID),
		slog.String("handler", t.HandlerType),
		slog.Int("attempts", t.Attempts),
		slog.String("error", msg),
	)
	r.extensions.EmitTaskFailed(ctx, t, msg)
	r.giveUp(ctx, t, h, cmd)
	return res
}

// persist writes the outcome held under owner's claim. An outcome whose
// claim was taken over after the lease expired is discarded.
func (r *Runner) persist(ctx context.Context, t *task.Task, owner string) error {
	err := r.store.UpdateAfterExecution(ctx, t, owner)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bed.ErrClaimLost):
		r.logger.Warn("task claim lost, outcome discarded",
			slog.String("task_id", t.ID),
			slog.String("handler", t.HandlerType),
			slog.String("status", string(t.Status)),
		)
	default:
		r.logger.Error("failed to persist task outcome",
			slog.String("task_id", t.ID),
			slog.String("handler", t.HandlerType),
			slog.String("status", string(t.Status)),
			slog.String("error", err.Error()),
		)
	}
	return err
}

// decide asks the handler whether to retry. A panicking policy counts as
// a refusal.
func (r *Runner) decide(t *task.Task, h handler.Handler, cmd bed.Command, attempts int) (d retry.Decision) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("retry policy panicked",
				slog.String("task_id", t.ID),
				slog.String("handler", t.HandlerType),
				slog.Any("panic", p),
			)
			d = retry.Stop()
		}
	}()
	return h.DecideRetry(cmd, attempts)
}

// giveUp runs the handler's give-up hook. Its failures are logged and
// otherwise ignored; the task is already failed.
func (r *Runner) giveUp(ctx context.Context, t *task.Task, h handler.Handler, cmd bed.Command) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("give-up hook panicked",
				slog.String("task_id", t.ID),
				slog.String("handler", t.HandlerType),
				slog.Any("panic", p),
			)
		}
	}()
	h.OnGiveUp(ctx, cmd)
}
