package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/bed"
	"github.com/xraph/bed/task"
)

// ClaimRunnable claims up to opts.Limit due tasks of the resource and
// returns every task the owner holds there.
func (s *Store) ClaimRunnable(ctx context.Context, opts task.ClaimOpts) ([]*task.Task, error) {
	if opts.Limit > 0 {
		_, err := s.db.NewRaw(`
			UPDATE bed_tasks
			SET claim_owner = ?2, status = 'executing', updated_at = NOW()
			WHERE (partition, task_id) IN (
				SELECT partition, task_id FROM bed_tasks
				WHERE partition = ?0 AND resource = ?1
				  AND (
					(status IN ('init', 'retrying') AND claim_owner IS NULL AND next_run_at <= NOW())
					OR (status = 'executing' AND updated_at < NOW() - make_interval(secs => ?4))
				  )
				ORDER BY next_run_at ASC, created_at ASC, task_id ASC
				LIMIT ?3
				FOR UPDATE SKIP LOCKED
			)`,
			opts.Partition, opts.Resource, opts.Owner, opts.Limit, opts.Lease.Seconds(),
		).Exec(ctx)
		if err != nil {
			return nil, fmt.Errorf("bed/bun: claim tasks: %w", err)
		}
	}

	var models []taskModel
	err := s.db.NewSelect().Model(&models).
		Where("partition = ?", opts.Partition).
		Where("resource = ?", opts.Resource).
		Where("status = ?", string(task.StatusExecuting)).
		Where("claim_owner = ?", opts.Owner).
		Order("next_run_at ASC", "created_at ASC", "task_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("bed/bun: select claimed tasks: %w", err)
	}
	return fromTaskModels(models), nil
}

// ClaimTask claims one task regardless of its next_run_at.
func (s *Store) ClaimTask(ctx context.Context, partition, taskID, owner string, lease time.Duration) (bool, error) {
	res, err := s.db.NewUpdate().Model((*taskModel)(nil)).
		Set("claim_owner = ?", owner).
		Set("status = ?", string(task.StatusExecuting)).
		Set("updated_at = NOW()").
		Where("partition = ?", partition).
		Where("task_id = ?", taskID).
		WhereGroup(" AND ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.
				Where("status IN ('init', 'retrying') AND claim_owner IS NULL").
				WhereOr("status = 'executing' AND updated_at < NOW() - make_interval(secs => ?)", lease.Seconds())
		}).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("bed/bun: claim task: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 1 {
		return true, nil
	}
	if _, err := s.GetTask(ctx, partition, taskID); err != nil {
		return false, err
	}
	return false, nil
}

// GetTask retrieves a task by partition and id.
func (s *Store) GetTask(ctx context.Context, partition, taskID string) (*task.Task, error) {
	m := new(taskModel)
	err := s.db.NewSelect().Model(m).
		Where("partition = ?", partition).
		Where("task_id = ?", taskID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, taskError("get task", err)
	}
	return fromTaskModel(m), nil
}

// InsertTask persists a new task. CreatedAt, UpdatedAt and NextRunAt are
// set from the database clock and written back to t.
func (s *Store) InsertTask(ctx context.Context, t *task.Task) error {
	m := toTaskModel(t)
	_, err := s.db.NewInsert().Model(m).
		Value("created_at", "NOW()").
		Value("updated_at", "NOW()").
		Value("next_run_at", "NOW() + make_interval(secs => ?)", t.NextDelay.Seconds()).
		Returning("created_at, updated_at, next_run_at").
		Exec(ctx)
	if err != nil {
		return taskError("insert task", err)
	}
	t.CreatedAt = m.CreatedAt.UTC()
	t.UpdatedAt = m.UpdatedAt.UTC()
	t.NextRunAt = m.NextRunAt.UTC()
	return nil
}

// UpdateAfterExecution persists the outcome of an execution held under
// owner's claim.
func (s *Store) UpdateAfterExecution(ctx context.Context, t *task.Task, owner string) error {
	var updatedAt, nextRunAt time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE bed_tasks SET
			attempts = ?, status = ?, last_message = ?,
			next_delay_ms = ?, next_run_at = NOW() + make_interval(secs => ?),
			claim_owner = NULLIF(?, ''), updated_at = NOW()
		WHERE partition = ? AND task_id = ?
		  AND status = 'executing' AND claim_owner = ?
		RETURNING updated_at, next_run_at`,
		t.Attempts, string(t.Status), t.LastMessage,
		t.NextDelay.Milliseconds(), t.NextDelay.Seconds(),
		t.ClaimOwner, t.Partition, t.ID, owner,
	).Scan(&updatedAt, &nextRunAt)
	if isNoRows(err) {
		if _, err := s.GetTask(ctx, t.Partition, t.ID); err != nil {
			return err
		}
		return bed.ErrClaimLost
	}
	if err != nil {
		return taskError("update task", err)
	}
	t.UpdatedAt = updatedAt.UTC()
	t.NextRunAt = nextRunAt.UTC()
	return nil
}

// RequeueTask moves a failed or unrecognized task back to retrying.
func (s *Store) RequeueTask(ctx context.Context, partition, taskID string) error {
	res, err := s.db.NewUpdate().Model((*taskModel)(nil)).
		Set("status = ?", string(task.StatusRetrying)).
		Set("claim_owner = NULL").
		Set("next_delay_ms = 0").
		Set("next_run_at = NOW()").
		Set("updated_at = NOW()").
		Where("partition = ?", partition).
		Where("task_id = ?", taskID).
		Where("status IN (?)", bun.In([]string{string(task.StatusFailed), string(task.StatusUnrecognized)})).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("bed/bun: requeue task: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 1 {
		return nil
	}
	if _, err := s.GetTask(ctx, partition, taskID); err != nil {
		return err
	}
	return bed.ErrInvalidState
}

// ListTasks returns tasks matching opts ordered by creation time.
func (s *Store) ListTasks(ctx context.Context, opts task.ListOpts) ([]*task.Task, error) {
	var models []taskModel
	q := s.db.NewSelect().Model(&models).Where("partition = ?", opts.Partition)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Resource != "" {
		q = q.Where("resource = ?", opts.Resource)
	}
	if opts.HandlerType != "" {
		q = q.Where("handler_type = ?", opts.HandlerType)
	}

	q = q.Order("created_at ASC", "task_id ASC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil && !isNoRows(err) {
		return nil, fmt.Errorf("bed/bun: list tasks: %w", err)
	}
	return fromTaskModels(models), nil
}

// CountTasks returns the number of tasks matching opts.
func (s *Store) CountTasks(ctx context.Context, opts task.CountOpts) (int64, error) {
	q := s.db.NewSelect().Model((*taskModel)(nil)).Where("partition = ?", opts.Partition)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Resource != "" {
		q = q.Where("resource = ?", opts.Resource)
	}

	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("bed/bun: count tasks: %w", err)
	}
	return int64(count), nil
}

// PurgeTasks deletes tasks in the given statuses last updated before the
// cutoff.
func (s *Store) PurgeTasks(ctx context.Context, partition string, statuses []task.Status, before time.Time) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	res, err := s.db.NewDelete().Model((*taskModel)(nil)).
		Where("partition = ?", partition).
		Where("status IN (?)", bun.In(names)).
		Where("updated_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("bed/bun: purge tasks: %w", err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return n, nil
}

