// Package memory provides an in-memory task store. It is safe for
// concurrent use and intended for tests, development and single-process
// deployments where durability across restarts is not needed.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/xraph/bed"
	"github.com/xraph/bed/store"
	"github.com/xraph/bed/task"
)

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now. Tests use it to move lease expiry and
// retry delays deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu    sync.RWMutex
	tasks map[key]*task.Task
	now   func() time.Time
}

type key struct {
	partition string
	id        string
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		tasks: make(map[key]*task.Task),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Task store
// ──────────────────────────────────────────────────

// ClaimRunnable claims up to opts.Limit tasks and returns all tasks the
// owner holds in the partition and resource.
func (s *Store) ClaimRunnable(_ context.Context, opts task.ClaimOpts) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()

	if opts.Limit > 0 {
		candidates := make([]*task.Task, 0)
		for _, t := range s.tasks {
			if t.Partition != opts.Partition || t.Resource != opts.Resource {
				continue
			}
			if claimable(t, now, opts.Lease, false) {
				candidates = append(candidates, t)
			}
		}
		slices.SortFunc(candidates, oldestFirst)
		if len(candidates) > opts.Limit {
			candidates = candidates[:opts.Limit]
		}
		for _, t := range candidates {
			claim(t, opts.Owner, now)
		}
	}

	held := make([]*task.Task, 0)
	for _, t := range s.tasks {
		if t.Partition == opts.Partition && t.Resource == opts.Resource &&
			t.Status == task.StatusExecuting && t.ClaimOwner == opts.Owner {
			held = append(held, t.Clone())
		}
	}
	slices.SortFunc(held, oldestFirst)
	return held, nil
}

// ClaimTask claims a single task, ignoring its NextRunAt.
func (s *Store) ClaimTask(_ context.Context, partition, taskID, owner string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key{partition, taskID}]
	if !ok {
		return false, bed.ErrTaskNotFound
	}
	now := s.now().UTC()
	if !claimable(t, now, lease, true) {
		return false, nil
	}
	claim(t, owner, now)
	return true, nil
}

// GetTask retrieves a task by partition and id.
func (s *Store) GetTask(_ context.Context, partition, taskID string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[key{partition, taskID}]
	if !ok {
		return nil, bed.ErrTaskNotFound
	}
	return t.Clone(), nil
}

// InsertTask persists a new task.
func (s *Store) InsertTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{t.Partition, t.ID}
	if _, exists := s.tasks[k]; exists {
		return bed.ErrTaskAlreadyExists
	}
	now := s.now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.NextRunAt = now.Add(t.NextDelay)
	s.tasks[k] = t.Clone()
	return nil
}

// UpdateAfterExecution persists the outcome of an execution held under
// owner's claim.
func (s *Store) UpdateAfterExecution(_ context.Context, t *task.Task, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.tasks[key{t.Partition, t.ID}]
	if !ok {
		return bed.ErrTaskNotFound
	}
	if stored.Status != task.StatusExecuting || stored.ClaimOwner != owner {
		return bed.ErrClaimLost
	}
	now := s.now().UTC()
	t.UpdatedAt = now
	t.NextRunAt = now.Add(t.NextDelay)

	stored.Attempts = t.Attempts
	stored.Status = t.Status
	stored.LastMessage = t.LastMessage
	stored.NextDelay = t.NextDelay
	stored.NextRunAt = t.NextRunAt
	stored.ClaimOwner = t.ClaimOwner
	stored.UpdatedAt = now
	return nil
}

// RequeueTask moves a failed or unrecognized task back to retrying.
func (s *Store) RequeueTask(_ context.Context, partition, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key{partition, taskID}]
	if !ok {
		return bed.ErrTaskNotFound
	}
	return t.Requeue(s.now().UTC())
}

// ListTasks returns tasks matching opts ordered by creation time.
func (s *Store) ListTasks(_ context.Context, opts task.ListOpts) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*task.Task, 0)
	for _, t := range s.tasks {
		if t.Partition != opts.Partition {
			continue
		}
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		if opts.Resource != "" && t.Resource != opts.Resource {
			continue
		}
		if opts.HandlerType != "" && t.HandlerType != opts.HandlerType {
			continue
		}
		result = append(result, t)
	}
	slices.SortFunc(result, func(a, b *task.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return []*task.Task{}, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	out := make([]*task.Task, len(result))
	for i, t := range result {
		out[i] = t.Clone()
	}
	return out, nil
}

// CountTasks returns the number of tasks matching opts.
func (s *Store) CountTasks(_ context.Context, opts task.CountOpts) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, t := range s.tasks {
		if t.Partition != opts.Partition {
			continue
		}
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		if opts.Resource != "" && t.Resource != opts.Resource {
			continue
		}
		n++
	}
	return n, nil
}

// PurgeTasks deletes tasks in the given statuses last updated before the
// cutoff.
func (s *Store) PurgeTasks(_ context.Context, partition string, statuses []task.Status, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, t := range s.tasks {
		if t.Partition != partition || !slices.Contains(statuses, t.Status) {
			continue
		}
		if t.UpdatedAt.Before(before) {
			delete(s.tasks, k)
			n++
		}
	}
	return n, nil
}

// claimable applies the claim predicate. The lease comparison is strict:
// a claim exactly lease old is still honoured.
func claimable(t *task.Task, now time.Time, lease time.Duration, ignoreRunAt bool) bool {
	switch {
	case t.Status.Runnable() && t.ClaimOwner == "":
		return ignoreRunAt || !t.NextRunAt.After(now)
	case t.Status == task.StatusExecuting:
		return t.UpdatedAt.Before(now.Add(-lease))
	default:
		return false
	}
}

func claim(t *task.Task, owner string, now time.Time) {
	t.ClaimOwner = owner
	t.Status = task.StatusExecuting
	t.UpdatedAt = now
}

func oldestFirst(a, b *task.Task) int {
	if c := a.NextRunAt.Compare(b.NextRunAt); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
