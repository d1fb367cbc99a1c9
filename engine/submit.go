package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/bed"
	"github.com/xraph/bed/handler"
	"github.com/xraph/bed/id"
	"github.com/xraph/bed/retry"
	"github.com/xraph/bed/runner"
	"github.com/xraph/bed/task"
)

// Receipt describes a submitted task.
type Receipt struct {
	// Task is a snapshot of the task: as inserted, or after the immediate
	// attempt for ImmediacyAtCaller.
	Task *task.Task

	// Result is the outcome of the immediate attempt. It is only set for
	// ImmediacyAtCaller when this instance won the claim.
	Result *runner.Result
}

// Submit persists cmd as a task for the handler registered under
// handlerType, then runs its first attempt as cmd.Immediacy() asks.
func Submit[C bed.Command](ctx context.Context, e *Engine, handlerType string, cmd C) (*Receipt, error) {
	return e.SubmitCommand(ctx, handlerType, cmd)
}

// SubmitCommand is the untyped form of Submit.
//
// Once the task is persisted it will be delivered. An error from the
// immediate attempt is returned together with a non-nil Receipt; the task
// stays persisted and the dispatcher retries it.
func (e *Engine) SubmitCommand(ctx context.Context, handlerType string, cmd bed.Command) (*Receipt, error) {
	if cmd == nil || cmd.TaskID() == "" {
		return nil, bed.ErrEmptyTaskID
	}

	h, err := e.registry.Resolve(handlerType)
	if err != nil {
		return nil, err
	}

	first, err := firstDecision(h, cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: handler %q: %v", bed.ErrFirstAttemptRefused, handlerType, err)
	}
	if !first.ShouldRetry() {
		return nil, fmt.Errorf("%w: handler %q", bed.ErrFirstAttemptRefused, handlerType)
	}

	payload, err := e.serializer.Encode(cmd)
	if err != nil {
		return nil, err
	}

	traceID, ok := bed.TraceIDFrom(ctx)
	if !ok {
		traceID = id.NewTraceID().String()
	}

	t := &task.Task{
		ID:          cmd.TaskID(),
		Partition:   e.config.Partition,
		HandlerType: handlerType,
		Resource:    h.Resource(),
		Status:      task.StatusInit,
		NextDelay:   first.Delay(),
		TraceID:     traceID,
		Payload:     payload,
	}
	if err := e.store.InsertTask(ctx, t); err != nil {
		return nil, fmt.Errorf("insert task %q: %w", t.ID, err)
	}

	e.logger.Debug("task submitted",
		slog.String("task_id", t.ID),
		slog.String("handler", handlerType),
		slog.String("resource", t.Resource),
		slog.String("trace_id", traceID),
		slog.String("immediacy", cmd.Immediacy().String()),
	)
	e.extensions.EmitTaskSubmitted(ctx, t)

	receipt := &Receipt{Task: t.Clone()}

	switch cmd.Immediacy() {
	case bed.ImmediacyAtCaller:
		res, err := e.runner.ClaimAndRun(ctx, t, e.claim)
		if err != nil {
			return receipt, fmt.Errorf("run task %q: %w", t.ID, err)
		}
		if res == nil {
			return receipt, nil
		}
		receipt.Task = t.Clone()
		receipt.Result = res
		return receipt, res.Err

	case bed.ImmediacyAtBed:
		// The snapshot is taken before the task is handed to a pool.
		snapshot := func(ctx context.Context, t *task.Task) (bool, error) {
			ok, err := e.claim(ctx, t)
			if ok {
				receipt.Task = t.Clone()
			}
			return ok, err
		}
		if err := e.runner.ClaimAndSubmit(ctx, t, snapshot); err != nil {
			return receipt, fmt.Errorf("submit task %q: %w", t.ID, err)
		}
		return receipt, nil

	default:
		return receipt, nil
	}
}

// firstDecision asks the handler whether the first attempt may run. A
// panicking policy is reported as an error.
func firstDecision(h handler.Handler, cmd bed.Command) (d retry.Decision, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("retry policy panicked: %v", p)
		}
	}()
	return h.DecideRetry(cmd, 0), nil
}

// claim takes the claim on a freshly inserted task so no other instance
// picks it up during the immediate attempt. Losing the race is not an
// error; the winner executes the task.
func (e *Engine) claim(ctx context.Context, t *task.Task) (bool, error) {
	ok, err := e.store.ClaimTask(ctx, t.Partition, t.ID, e.config.InstanceID, e.config.Lease)
	if err != nil {
		return false, err
	}
	if !ok {
		e.logger.Debug("task claimed elsewhere before immediate attempt",
			slog.String("task_id", t.ID),
		)
		return false, nil
	}
	t.Status = task.StatusExecuting
	t.ClaimOwner = e.config.InstanceID
	return true, nil
}
