package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/bed"
	"github.com/xraph/bed/task"
)

const taskColumns = `
	partition, task_id, handler_type, resource, attempts, status,
	next_delay_ms, next_run_at, trace_id, last_message, payload,
	COALESCE(claim_owner, ''), created_at, updated_at`

// claimablePredicate selects unclaimed runnable tasks that are due, and
// executing tasks whose claim is older than the lease ($lease seconds).
const claimablePredicate = `(
		(status IN ('init', 'retrying') AND claim_owner IS NULL AND next_run_at <= NOW())
		OR (status = 'executing' AND updated_at < NOW() - make_interval(secs => %s))
	)`

// ClaimRunnable claims up to opts.Limit due tasks of the resource and
// returns every task the owner holds there.
func (s *Store) ClaimRunnable(ctx context.Context, opts task.ClaimOpts) ([]*task.Task, error) {
	if opts.Limit > 0 {
		_, err := s.pool.Exec(ctx, `
			UPDATE bed_tasks
			SET claim_owner = $3, status = 'executing', updated_at = NOW()
			WHERE (partition, task_id) IN (
				SELECT partition, task_id FROM bed_tasks
				WHERE partition = $1 AND resource = $2
				  AND `+fmt.Sprintf(claimablePredicate, "$5")+`
				ORDER BY next_run_at ASC, created_at ASC, task_id ASC
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			)`,
			opts.Partition, opts.Resource, opts.Owner, opts.Limit, opts.Lease.Seconds(),
		)
		if err != nil {
			return nil, fmt.Errorf("bed/postgres: claim tasks: %w", err)
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM bed_tasks
		WHERE partition = $1 AND resource = $2
		  AND status = 'executing' AND claim_owner = $3
		ORDER BY next_run_at ASC, created_at ASC, task_id ASC`,
		opts.Partition, opts.Resource, opts.Owner,
	)
	if err != nil {
		return nil, fmt.Errorf("bed/postgres: select claimed tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ClaimTask claims one task regardless of its next_run_at.
func (s *Store) ClaimTask(ctx context.Context, partition, taskID, owner string, lease time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bed_tasks
		SET claim_owner = $3, status = 'executing', updated_at = NOW()
		WHERE partition = $1 AND task_id = $2 AND (
			(status IN ('init', 'retrying') AND claim_owner IS NULL)
			OR (status = 'executing' AND updated_at < NOW() - make_interval(secs => $4))
		)`,
		partition, taskID, owner, lease.Seconds(),
	)
	if err != nil {
		return false, fmt.Errorf("bed/postgres: claim task: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetTask(ctx, partition, taskID); err != nil {
		return false, err
	}
	return false, nil
}

// GetTask retrieves a task by partition and id.
func (s *Store) GetTask(ctx context.Context, partition, taskID string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM bed_tasks
		WHERE partition = $1 AND task_id = $2`,
		partition, taskID,
	)
	t, err := scanTask(row)
	if err != nil {
		return nil, taskError("get task", err)
	}
	return t, nil
}

// InsertTask persists a new task. CreatedAt, UpdatedAt and NextRunAt are
// set from the database clock and written back to t.
func (s *Store) InsertTask(ctx context.Context, t *task.Task) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO bed_tasks (
			partition, task_id, handler_type, resource, attempts, status,
			next_delay_ms, next_run_at, trace_id, last_message, payload,
			claim_owner, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, NOW() + make_interval(secs => $8), $9, $10, $11,
			NULLIF($12, ''), NOW(), NOW()
		)
		RETURNING created_at, updated_at, next_run_at`,
		t.Partition, t.ID, t.HandlerType, t.Resource, t.Attempts, string(t.Status),
		t.NextDelay.Milliseconds(), t.NextDelay.Seconds(), t.TraceID, t.LastMessage, t.Payload,
		t.ClaimOwner,
	).Scan(&t.CreatedAt, &t.UpdatedAt, &t.NextRunAt)
	if err != nil {
		return taskError("insert task", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.NextRunAt = t.NextRunAt.UTC()
	return nil
}

// UpdateAfterExecution persists the outcome of an execution held under
// owner's claim.
func (s *Store) UpdateAfterExecution(ctx context.Context, t *task.Task, owner string) error {
	err := s.pool.QueryRow(ctx, `
		UPDATE bed_tasks SET
			attempts = $3, status = $4, last_message = $5,
			next_delay_ms = $6, next_run_at = NOW() + make_interval(secs => $7),
			claim_owner = NULLIF($8, ''), updated_at = NOW()
		WHERE partition = $1 AND task_id = $2
		  AND status = 'executing' AND claim_owner = $9
		RETURNING updated_at, next_run_at`,
		t.Partition, t.ID, t.Attempts, string(t.Status), t.LastMessage,
		t.NextDelay.Milliseconds(), t.NextDelay.Seconds(), t.ClaimOwner, owner,
	).Scan(&t.UpdatedAt, &t.NextRunAt)
	if isNoRows(err) {
		if _, err := s.GetTask(ctx, t.Partition, t.ID); err != nil {
			return err
		}
		return bed.ErrClaimLost
	}
	if err != nil {
		return taskError("update task", err)
	}
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.NextRunAt = t.NextRunAt.UTC()
	return nil
}

// RequeueTask moves a failed or unrecognized task back to retrying.
func (s *Store) RequeueTask(ctx context.Context, partition, taskID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bed_tasks SET
			status = 'retrying', claim_owner = NULL, next_delay_ms = 0,
			next_run_at = NOW(), updated_at = NOW()
		WHERE partition = $1 AND task_id = $2
		  AND status IN ('failed', 'unrecognized')`,
		partition, taskID,
	)
	if err != nil {
		return fmt.Errorf("bed/postgres: requeue task: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetTask(ctx, partition, taskID); err != nil {
		return err
	}
	return bed.ErrInvalidState
}

// ListTasks returns tasks matching opts ordered by creation time.
func (s *Store) ListTasks(ctx context.Context, opts task.ListOpts) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM bed_tasks WHERE partition = $1`
	args := []any{opts.Partition}
	argIdx := 2

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}
	if opts.Resource != "" {
		query += fmt.Sprintf(" AND resource = $%d", argIdx)
		args = append(args, opts.Resource)
		argIdx++
	}
	if opts.HandlerType != "" {
		query += fmt.Sprintf(" AND handler_type = $%d", argIdx)
		args = append(args, opts.HandlerType)
		argIdx++
	}

	query += " ORDER BY created_at ASC, task_id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("bed/postgres: list tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// CountTasks returns the number of tasks matching opts.
func (s *Store) CountTasks(ctx context.Context, opts task.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM bed_tasks WHERE partition = $1`
	args := []any{opts.Partition}
	argIdx := 2

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}
	if opts.Resource != "" {
		query += fmt.Sprintf(" AND resource = $%d", argIdx)
		args = append(args, opts.Resource)
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("bed/postgres: count tasks: %w", err)
	}
	return count, nil
}

// PurgeTasks deletes tasks in the given statuses last updated before the
// cutoff.
func (s *Store) PurgeTasks(ctx context.Context, partition string, statuses []task.Status, before time.Time) (int64, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM bed_tasks
		WHERE partition = $1 AND status = ANY($2) AND updated_at < $3`,
		partition, names, before,
	)
	if err != nil {
		return 0, fmt.Errorf("bed/postgres: purge tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t         task.Task
		statusStr string
		delayMs   int64
	)
	err := row.Scan(
		&t.Partition, &t.ID, &t.HandlerType, &t.Resource, &t.Attempts, &statusStr,
		&delayMs, &t.NextRunAt, &t.TraceID, &t.LastMessage, &t.Payload,
		&t.ClaimOwner, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = task.Status(statusStr)
	t.NextDelay = time.Duration(delayMs) * time.Millisecond
	t.NextRunAt = t.NextRunAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]*task.Task, error) {
	tasks := make([]*task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("bed/postgres: scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bed/postgres: iterate task rows: %w", err)
	}
	return tasks, nil
}
