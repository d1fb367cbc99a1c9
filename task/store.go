package task

import (
	"context"
	"time"
)

// ClaimOpts selects the tasks a ClaimRunnable call may take.
type ClaimOpts struct {
	Partition string
	Resource  string
	// Owner is the claiming instance id.
	Owner string
	// Limit caps the number of newly claimed tasks.
	Limit int
	// Lease is how long an existing claim is honoured.
	Lease time.Duration
}

// ListOpts controls pagination and filtering for task list queries.
type ListOpts struct {
	// Partition is required.
	Partition string
	// Status filters by status. Empty means all statuses.
	Status Status
	// Resource filters by resource name. Empty means all resources.
	Resource string
	// HandlerType filters by handler. Empty means all handlers.
	HandlerType string
	// Limit is the maximum number of tasks to return. Zero means no limit.
	Limit int
	// Offset is the number of tasks to skip.
	Offset int
}

// CountOpts controls filtering for task count queries.
type CountOpts struct {
	// Partition is required.
	Partition string
	// Status filters by status. Empty means all statuses.
	Status Status
	// Resource filters by resource name. Empty means all resources.
	Resource string
}

// Store defines the persistence contract for tasks. Timestamps are taken
// from the store's own clock so that every instance sharing the store
// agrees on lease expiry.
type Store interface {
	// ClaimRunnable claims up to opts.Limit tasks of the partition and
	// resource, then returns every task the owner currently holds there.
	//
	// A task is claimable when it is unclaimed, init or retrying and its
	// NextRunAt has passed, or when it is executing and its UpdatedAt is
	// strictly older than now - opts.Lease. Claiming sets ClaimOwner,
	// status executing and UpdatedAt = now. Two concurrent calls never
	// claim the same task unless its lease expired in between.
	ClaimRunnable(ctx context.Context, opts ClaimOpts) ([]*Task, error)

	// ClaimTask claims a single task under the same rules as
	// ClaimRunnable, except that NextRunAt is ignored. It reports false
	// when the task is not claimable.
	ClaimTask(ctx context.Context, partition, taskID, owner string, lease time.Duration) (bool, error)

	// GetTask retrieves a task. Returns bed.ErrTaskNotFound if absent.
	GetTask(ctx context.Context, partition, taskID string) (*Task, error)

	// InsertTask persists a new task and sets its CreatedAt, UpdatedAt and
	// NextRunAt (now + NextDelay). Returns bed.ErrTaskAlreadyExists when
	// the id is taken in the partition.
	InsertTask(ctx context.Context, t *Task) error

	// UpdateAfterExecution writes Attempts, Status, LastMessage,
	// NextDelay and ClaimOwner, sets UpdatedAt = now and
	// NextRunAt = now + NextDelay. The write only applies while the
	// stored task is executing under owner's claim; otherwise it returns
	// bed.ErrClaimLost. Returns bed.ErrTaskNotFound if absent.
	UpdateAfterExecution(ctx context.Context, t *Task, owner string) error

	// RequeueTask moves a failed or unrecognized task to retrying with
	// NextRunAt = now. Returns bed.ErrInvalidState for other statuses.
	RequeueTask(ctx context.Context, partition, taskID string) error

	// ListTasks returns tasks ordered by creation time.
	ListTasks(ctx context.Context, opts ListOpts) ([]*Task, error)

	// CountTasks returns the number of tasks matching opts.
	CountTasks(ctx context.Context, opts CountOpts) (int64, error)

	// PurgeTasks deletes tasks of the partition in one of the given
	// statuses whose UpdatedAt is before the cutoff.
	PurgeTasks(ctx context.Context, partition string, statuses []Status, before time.Time) (int64, error)
}
