package redis

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/bed"
	"github.com/xraph/bed/task"
)

// ClaimRunnable claims up to opts.Limit due tasks of the resource and
// returns every task the owner holds there.
func (s *Store) ClaimRunnable(ctx context.Context, opts task.ClaimOpts) ([]*task.Task, error) {
	ids, err := claimRunnableScript.Run(ctx, s.client,
		[]string{resourceKey(opts.Partition, opts.Resource)},
		taskKeyPrefix(opts.Partition), opts.Owner, opts.Limit, opts.Lease.Milliseconds(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("bed/redis: claim tasks: %w", err)
	}

	tasks, err := s.getTasks(ctx, opts.Partition, ids)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(tasks, func(a, b *task.Task) int {
		return cmp.Or(
			a.NextRunAt.Compare(b.NextRunAt),
			a.CreatedAt.Compare(b.CreatedAt),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return tasks, nil
}

// ClaimTask claims one task regardless of its next_run_at.
func (s *Store) ClaimTask(ctx context.Context, partition, taskID, owner string, lease time.Duration) (bool, error) {
	res, err := claimTaskScript.Run(ctx, s.client,
		[]string{taskKey(partition, taskID)},
		owner, lease.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("bed/redis: claim task: %w", err)
	}
	switch res {
	case -1:
		return false, bed.ErrTaskNotFound
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

// GetTask retrieves a task by partition and id.
func (s *Store) GetTask(ctx context.Context, partition, taskID string) (*task.Task, error) {
	vals, err := s.client.HGetAll(ctx, taskKey(partition, taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("bed/redis: get task: %w", err)
	}
	if len(vals) == 0 {
		return nil, bed.ErrTaskNotFound
	}
	return mapToTask(partition, taskID, vals), nil
}

// InsertTask persists a new task. CreatedAt, UpdatedAt and NextRunAt come
// from the Redis clock and are written back to t.
func (s *Store) InsertTask(ctx context.Context, t *task.Task) error {
	args := []any{t.ID, t.NextDelay.Milliseconds()}
	args = append(args, taskFields(t)...)

	res, err := insertScript.Run(ctx, s.client,
		[]string{taskKey(t.Partition, t.ID), partitionKey(t.Partition), resourceKey(t.Partition, t.Resource)},
		args...,
	).Result()
	if err != nil {
		return fmt.Errorf("bed/redis: insert task: %w", err)
	}
	stamps, ok := res.([]any)
	if !ok {
		return bed.ErrTaskAlreadyExists
	}
	now, run := stampsOf(stamps)
	t.CreatedAt, t.UpdatedAt, t.NextRunAt = now, now, run
	return nil
}

// UpdateAfterExecution persists the outcome of an execution held under
// owner's claim.
func (s *Store) UpdateAfterExecution(ctx context.Context, t *task.Task, owner string) error {
	args := []any{owner, t.NextDelay.Milliseconds()}
	args = append(args,
		"attempts", strconv.Itoa(t.Attempts),
		"status", string(t.Status),
		"last_message", t.LastMessage,
		"next_delay_ms", strconv.FormatInt(t.NextDelay.Milliseconds(), 10),
		"claim_owner", t.ClaimOwner,
	)

	res, err := updateScript.Run(ctx, s.client, []string{taskKey(t.Partition, t.ID)}, args...).Result()
	if err != nil {
		return fmt.Errorf("bed/redis: update task: %w", err)
	}
	stamps, ok := res.([]any)
	if !ok {
		if code, _ := res.(int64); code == -1 {
			return bed.ErrTaskNotFound
		}
		return bed.ErrClaimLost
	}
	t.UpdatedAt, t.NextRunAt = stampsOf(stamps)
	return nil
}

// RequeueTask moves a failed or unrecognized task back to retrying.
func (s *Store) RequeueTask(ctx context.Context, partition, taskID string) error {
	res, err := requeueScript.Run(ctx, s.client, []string{taskKey(partition, taskID)}).Int()
	if err != nil {
		return fmt.Errorf("bed/redis: requeue task: %w", err)
	}
	switch res {
	case -1:
		return bed.ErrTaskNotFound
	case 0:
		return bed.ErrInvalidState
	default:
		return nil
	}
}

// ListTasks returns tasks matching opts ordered by creation time.
func (s *Store) ListTasks(ctx context.Context, opts task.ListOpts) ([]*task.Task, error) {
	tasks, err := s.scan(ctx, opts.Partition, opts.Resource)
	if err != nil {
		return nil, err
	}

	out := tasks[:0]
	for _, t := range tasks {
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		if opts.HandlerType != "" && t.HandlerType != opts.HandlerType {
			continue
		}
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *task.Task) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})

	// Apply offset/limit.
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

// CountTasks returns the number of tasks matching opts.
func (s *Store) CountTasks(ctx context.Context, opts task.CountOpts) (int64, error) {
	tasks, err := s.scan(ctx, opts.Partition, opts.Resource)
	if err != nil {
		return 0, err
	}
	var count int64
	for _, t := range tasks {
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		count++
	}
	return count, nil
}

// PurgeTasks deletes tasks in the given statuses last updated before the
// cutoff.
func (s *Store) PurgeTasks(ctx context.Context, partition string, statuses []task.Status, before time.Time) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	tasks, err := s.scan(ctx, partition, "")
	if err != nil {
		return 0, err
	}

	pipe := s.client.TxPipeline()
	var n int64
	for _, t := range tasks {
		if !slices.Contains(statuses, t.Status) || !t.UpdatedAt.Before(before) {
			continue
		}
		pipe.Del(ctx, taskKey(partition, t.ID))
		pipe.SRem(ctx, partitionKey(partition), t.ID)
		pipe.SRem(ctx, resourceKey(partition, t.Resource), t.ID)
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("bed/redis: purge tasks: %w", err)
	}
	return n, nil
}

// ── helpers ──

// scan loads every task of a partition, or of one resource when resource
// is set.
func (s *Store) scan(ctx context.Context, partition, resource string) ([]*task.Task, error) {
	key := partitionKey(partition)
	if resource != "" {
		key = resourceKey(partition, resource)
	}
	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("bed/redis: list task ids: %w", err)
	}
	return s.getTasks(ctx, partition, ids)
}

// getTasks fetches tasks in one pipeline, skipping ids whose hash is gone.
func (s *Store) getTasks(ctx context.Context, partition string, ids []string) ([]*task.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, taskKey(partition, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("bed/redis: get tasks: %w", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		tasks = append(tasks, mapToTask(partition, ids[i], vals))
	}
	return tasks, nil
}

// taskFields returns the caller-owned fields of a task as Hash field/value
// pairs. Timestamps are set by the scripts.
func taskFields(t *task.Task) []any {
	return []any{
		"handler_type", t.HandlerType,
		"resource", t.Resource,
		"attempts", strconv.Itoa(t.Attempts),
		"status", string(t.Status),
		"next_delay_ms", strconv.FormatInt(t.NextDelay.Milliseconds(), 10),
		"trace_id", t.TraceID,
		"last_message", t.LastMessage,
		"payload", string(t.Payload),
		"claim_owner", t.ClaimOwner,
	}
}

func mapToTask(partition, id string, m map[string]string) *task.Task {
	attempts, _ := strconv.Atoi(m["attempts"])                 //nolint:errcheck // best-effort parse from trusted Redis data
	delayMs, _ := strconv.ParseInt(m["next_delay_ms"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	return &task.Task{
		ID:          id,
		Partition:   partition,
		HandlerType: m["handler_type"],
		Resource:    m["resource"],
		Attempts:    attempts,
		Status:      task.Status(m["status"]),
		NextDelay:   time.Duration(delayMs) * time.Millisecond,
		NextRunAt:   parseMillis(m["next_run_at"]),
		TraceID:     m["trace_id"],
		LastMessage: m["last_message"],
		Payload:     []byte(m["payload"]),
		ClaimOwner:  m["claim_owner"],
		CreatedAt:   parseMillis(m["created_at"]),
		UpdatedAt:   parseMillis(m["updated_at"]),
	}
}

func parseMillis(v string) time.Time {
	ms, _ := strconv.ParseInt(v, 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data
	return time.UnixMilli(ms).UTC()
}

// stampsOf converts the {now, next_run_at} pair returned by a script.
func stampsOf(vals []any) (now, run time.Time) {
	millis := func(i int) time.Time {
		if i >= len(vals) {
			return time.Time{}
		}
		v, _ := vals[i].(int64) //nolint:errcheck // scripts return integers
		return time.UnixMilli(v).UTC()
	}
	return millis(0), millis(1)
}
