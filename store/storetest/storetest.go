// Package storetest is a conformance suite for store.Store
// implementations. Backends run it from their own tests:
//
//	func TestConformance(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) store.Store { return newStore(t) })
//	}
//
// Every subtest gets a fresh store from the factory and works in its own
// partition, so backends may share one database across subtests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xraph/bed"
	"github.com/xraph/bed/retry"
	"github.com/xraph/bed/store"
	"github.com/xraph/bed/task"
)

// Factory returns a ready-to-use, migrated store.
type Factory func(t *testing.T) store.Store

const longLease = time.Hour

// Run executes the full suite.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store, p string)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"ClaimRunnable", testClaimRunnable},
		{"ClaimHonoursNextRunAt", testClaimHonoursNextRunAt},
		{"ClaimExclusive", testClaimExclusive},
		{"ReclaimAfterLease", testReclaimAfterLease},
		{"UpdateAfterExecution", testUpdateAfterExecution},
		{"UpdateRequiresClaim", testUpdateRequiresClaim},
		{"RequeueTask", testRequeueTask},
		{"ListAndCount", testListAndCount},
		{"PurgeTasks", testPurgeTasks},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			partition := fmt.Sprintf("p-%d-%d", time.Now().UnixNano(), i)
			tt.fn(t, s, partition)
		})
	}
}

// NewTask returns an init task ready to insert.
func NewTask(partition, id, resource string) *task.Task {
	return &task.Task{
		ID:          id,
		Partition:   partition,
		HandlerType: "test-handler",
		Resource:    resource,
		Status:      task.StatusInit,
		TraceID:     "trc_" + id,
		Payload:     []byte(`{"task_id":"` + id + `"}`),
	}
}

func insert(t *testing.T, s store.Store, tk *task.Task) {
	t.Helper()
	if err := s.InsertTask(context.Background(), tk); err != nil {
		t.Fatalf("insert %s: %v", tk.ID, err)
	}
}

func claimOpts(partition, resource, owner string, limit int, lease time.Duration) task.ClaimOpts {
	return task.ClaimOpts{
		Partition: partition,
		Resource:  resource,
		Owner:     owner,
		Limit:     limit,
		Lease:     lease,
	}
}

func ids(tasks []*task.Task) map[string]bool {
	out := make(map[string]bool, len(tasks))
	for _, tk := range tasks {
		out[tk.ID] = true
	}
	return out
}

func testInsertAndGet(t *testing.T, s store.Store, p string) {
	ctx := context.Background()
	tk := NewTask(p, "t-1", "default")
	tk.NextDelay = 0
	insert(t, s, tk)

	got, err := s.GetTask(ctx, p, "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.HandlerType != "test-handler" || got.Resource != "default" || got.Status != task.StatusInit {
		t.Errorf("unexpected task %+v", got)
	}
	if got.TraceID != "trc_t-1" || string(got.Payload) != `{"task_id":"t-1"}` {
		t.Errorf("trace/payload lost: %q %q", got.TraceID, got.Payload)
	}
	if got.Attempts != 0 || got.ClaimOwner != "" {
		t.Errorf("fresh task must be unclaimed with no attempts: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	if err := s.InsertTask(ctx, NewTask(p, "t-1", "default")); !errors.Is(err, bed.ErrTaskAlreadyExists) {
		t.Errorf("duplicate insert err = %v, want ErrTaskAlreadyExists", err)
	}

	// Ids are unique per partition only.
	insert(t, s, NewTask(p+"-other", "t-1", "default"))

	if _, err := s.GetTask(ctx, p, "missing"); !errors.Is(err, bed.ErrTaskNotFound) {
		t.Errorf("get missing err = %v, want ErrTaskNotFound", err)
	}
}

func testClaimRunnable(t *testing.T, s store.Store, p string) {
	ctx := context.Background()
	for i := range 3 {
		insert(t, s, NewTask(p, fmt.Sprintf("a-%d", i), "alpha"))
	}
	insert(t, s, NewTask(p, "b-0", "beta"))
	insert(t, s, NewTask(p+"-other", "a-9", "alpha"))

	first, err := s.ClaimRunnable(ctx, claimOpts(p, "alpha", "owner-1", 2, longLease))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("claimed %d tasks, want 2", len(first))
	}
	for _, tk := range first {
		if tk.Status != task.StatusExecuting || tk.ClaimOwner != "owner-1" || tk.Resource != "alpha" {
			t.Errorf("claimed task not stamped: %+v", tk)
		}
	}

	// The fetch phase returns everything owner-1 holds, old and new.
	second, err := s.ClaimRunnable(ctx, claimOpts(p, "alpha", "owner-1", 2, longLease))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(second) != 3 {
		t.Fatalf("held %d tasks, want 3", len(second))
	}

	other, err := s.ClaimRunnable(ctx, claimOpts(p, "alpha", "owner-2", 10, longLease))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("owner-2 claimed %d tasks held under a live lease", len(other))
	}

	beta, err := s.ClaimRunnable(ctx, claimOpts(p, "beta", "owner-2", 10, longLease))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(beta) != 1 || beta[0].ID != "b-0" {
		t.Errorf("beta claim = %v", ids(beta))
	}

	// Zero limit claims nothing new but still reports held tasks.
	held, err := s.ClaimRunnable(ctx, claimOpts(p, "beta", "owner-2", 0, longLease))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(held) != 1 {
		t.Errorf("held = %d, want 1", len(held))
	}
}

func testClaimHonoursNextRunAt(t *testing.T, s store.Store, p string) {
	ctx := context.Background()
	later := NewTask(p, "later", "default")
	later.NextDelay = time.Hour
	insert(t, s, later)

	got, err := s.ClaimRunnable(ctx, claimOpts(p, "default", "owner-1", 10, longLease))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("claimed a task scheduled an hour ahead")
	}

	ok, err := s.ClaimTask(ctx, p, "later", "owner-1", longLease)
	if err != nil {
		t.Fatalf("claim task: %v", err)
	}
	if !ok {
		t.Fatal("ClaimTask must ignore NextRunAt")
	}

	ok, err = s.ClaimTask(ctx, p, "later", "owner-2", longLease)
	if err != nil {
		t.Fatalf("claim task: %v", err)
	}
	if ok {
		t.Error("second ClaimTask must lose under a live lease")
	}
}

func testClaimExclusive(t *testing.T, s store.Store, p string) {
	ctx := context.Background()
	const total = 40
	for i := range total {
		insert(t, s, NewTask(p, fmt.Sprintf("t-%02d", i), "default"))
	}

	const claimers = 4
	results := make([][]*task.Task, claimers)
	errs := make([]error, claimers)
	var wg sync.WaitGroup
	for c := range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			owner := fmt.Sprintf("owner-%d", c)
			for range 5 {
				got, err := s.ClaimRunnable(ctx, claimOpts(p, "default", owner, 3, longLease))
				if err != nil {
					errs[c] = err
					return
				}
				results[c] = got
			}
		}()
	}
	wg.Wait()

	seen := make(map[string]int)
	for c, got := range results {
		if errs[c] != nil {
			t.Fatalf("claimer %d: %v", c, errs[c])
		}
		for _, tk := range got {
			if prev, dup := seen[tk.ID]; dup {
				t.Errorf("task %s claimed by owner-%d and owner-%d", tk.ID, prev, c)
			}
			seen[tk.ID] = c
		}
	}
	if len(seen) == 0 {
		t.Fatal("nothing claimed")
	}
}

func testReclaimAfterLease(t *testing.T, s store.Store, p string) {
	ctx := context.Background()
	insert(t, s, NewTask(p, "t-1", "default"))

	got, err := s.ClaimRunnable(ctx, claimOpts(p, "default", "crashed", 1, longLease))
	if err != nil || len(got) != 1 {
		t.Fatalf("initial claim: %v %d", err, len(got))
	}

	got, err = s.ClaimRunnable(ctx, claimOpts(p, "default", "survivor", 1, longLease))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(got) != 0 {
		t.Fatal("task reclaimed before its lease expired")
	}

	time.Sleep(1100 * time.Millisecond)

	got, err = s.ClaimRunnable(ctx, claimOpts(p, "default", "survivor", 1, time.Second))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(got) != 1 || got[0].ClaimOwner != "survivor" {
		t.Fatalf("abandoned task not reclaimed: %v", ids(got))
	}

	gone, err := s.ClaimRunnable(ctx, claimOpts(p, "default", "crashed", 0, longLease))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(gone) != 0 {
		t.Error("previous owner still sees the reclaimed task")
	}
}

func testUpdateAfterExecution(t *testing.T, s store.Store, p string) {
	ctx := context.Background()
	insert(t, s, NewTask(p, "t-1", "default"))

	got, err := s.ClaimRunnable(ctx, claimOpts(p, "default", "owner-1", 1, longLease))
	if err != nil || len(got) != 1 {
		t.Fatalf("claim: %v %d", err, len(got))
	}
	tk := got[0]
	tk.Fail(retry.After(0), "first failure", time.Now())
	if err := s.UpdateAfterExecution(ctx, tk, "owner-1"); err != nil {
		t.Fatalf("update: %v", err)
	}

	stored, err := s.GetTask(ctx, p, "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != task.StatusRetrying || stored.Attempts != 1 || stored.ClaimOwner != "" {
		t.Fatalf("after retry decision: %+v", stored)
	}
	if stored.LastMessage != "first failure" {
		t.Errorf("LastMessage = %q", stored.LastMessage)
	}

	// A retrying task is claimable again.
	got, err = s.ClaimRunnable(ctx, claimOpts(p, "default", "owner-2", 1, longLease))
	if err != nil || len(got) != 1 {
		t.Fatalf("re-claim: %v %d", err, len(got))
	}
	tk = got[0]
	tk.Fail(retry.Stop(), "gave up", time.Now())
	if err := s.UpdateAfterExecution(ctx, tk, "owner-2"); err != nil {
		t.Fatalf("update: %v", err)
	}

	stored, err = s.GetTask(ctx, p, "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != task.StatusFailed || stored.Attempts != 2 {
		t.Fatalf("after stop decision: %+v", stored)
	}

	// A failed task is never claimed again.
	got, err = s.ClaimRunnable(ctx, claimOpts(p, "default", "owner-3", 10, 0))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("failed task was claimed again")
	}

	missing := NewTask(p, "missing", "default")
	if err := s.UpdateAfterExecution(ctx, missing, "owner-1"); !errors.Is(err, bed.ErrTaskNotFound) {
		t.Errorf("update missing err = %v, want ErrTaskNotFound", err)
	}
}

func testUpdateRequiresClaim(t *testing.T, s store.Store, p string) {
	ctx := context.Background()
	insert(t, s, NewTask(p, "t-1", "default"))

	got, err := s.ClaimRunnable(ctx, claimOpts(p, "default", "owner-1", 1, longLease))
	if err != nil || len(got) != 1 {
		t.Fatalf("claim: %v %d", err, len(got))
	}
	stale := got[0].Clone()

	intruder := got[0].Clone()
	intruder.Succeed(time.Now())
	if err := s.UpdateAfterExecution(ctx, intruder, "owner-2"); !errors.Is(err, bed.ErrClaimLost) {
		t.Fatalf("update by non-owner err = %v, want ErrClaimLost", err)
	}

	done := got[0]
	done.Succeed(time.Now())
	if err := s.UpdateAfterExecution(ctx, done, "owner-1"); err != nil {
		t.Fatalf("update: %v", err)
	}

	// A second outcome for the same claim must not reopen the task.
	stale.Fail(retry.After(0), "late failure", time.Now())
	if err := s.UpdateAfterExecution(ctx, stale, "owner-1"); !errors.Is(err, bed.ErrClaimLost) {
		t.Fatalf("stale update err = %v, want ErrClaimLost", err)
	}

	stored, err := s.GetTask(ctx, p, "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != task.StatusSucceed || stored.Attempts != 1 || stored.LastMessage != "" {
		t.Errorf("stale update changed a finished task: %+v", stored)
	}
}

func testRequeueTask(t *testing.T, s store.Store, p string) {
	ctx := context.Background()
	insert(t, s, NewTask(p, "failed", "default"))
	insert(t, s, NewTask(p, "done", "default"))

	got, err := s.ClaimRunnable(ctx, claimOpts(p, "default", "owner-1", 2, longLease))
	if err != nil || len(got) != 2 {
		t.Fatalf("claim: %v %d", err, len(got))
	}
	for _, tk := range got {
		if tk.ID == "failed" {
			tk.Fail(retry.Stop(), "boom", time.Now())
		} else {
			tk.Succeed(time.Now())
		}
		if err := s.UpdateAfterExecution(ctx, tk, "owner-1"); err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	if err := s.RequeueTask(ctx, p, "failed"); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	stored, err := s.GetTask(ctx, p, "failed")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != task.StatusRetrying || stored.Attempts != 1 {
		t.Errorf("requeued task = %+v", stored)
	}

	if err := s.RequeueTask(ctx, p, "done"); !errors.Is(err, bed.ErrInvalidState) {
		t.Errorf("requeue succeeded task err = %v, want ErrInvalidState", err)
	}
	if err := s.RequeueTask(ctx, p, "missing"); !errors.Is(err, bed.ErrTaskNotFound) {
		t.Errorf("requeue missing err = %v, want ErrTaskNotFound", err)
	}
}

func testListAndCount(t *testing.T, s store.Store, p string) {
	ctx := context.Background()
	for i := range 5 {
		insert(t, s, NewTask(p, fmt.Sprintf("a-%d", i), "alpha"))
	}
	for i := range 2 {
		insert(t, s, NewTask(p, fmt.Sprintf("b-%d", i), "beta"))
	}

	all, err := s.ListTasks(ctx, task.ListOpts{Partition: p})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 7 {
		t.Errorf("list all = %d, want 7", len(all))
	}

	page, err := s.ListTasks(ctx, task.ListOpts{Partition: p, Resource: "alpha", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 {
		t.Errorf("page = %d, want 2", len(page))
	}

	if _, err := s.ClaimRunnable(ctx, claimOpts(p, "beta", "owner-1", 1, longLease)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	executing, err := s.ListTasks(ctx, task.ListOpts{Partition: p, Status: task.StatusExecuting})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(executing) != 1 || executing[0].Resource != "beta" {
		t.Errorf("executing = %v", ids(executing))
	}

	n, err := s.CountTasks(ctx, task.CountOpts{Partition: p, Resource: "alpha"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 5 {
		t.Errorf("count alpha = %d, want 5", n)
	}
	n, err = s.CountTasks(ctx, task.CountOpts{Partition: p, Status: task.StatusInit})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 6 {
		t.Errorf("count init = %d, want 6", n)
	}
}

func testPurgeTasks(t *testing.T, s store.Store, p string) {
	ctx := context.Background()
	insert(t, s, NewTask(p, "done", "default"))
	insert(t, s, NewTask(p, "pending", "default"))

	ok, err := s.ClaimTask(ctx, p, "done", "owner-1", longLease)
	if err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	done, err := s.GetTask(ctx, p, "done")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	done.Succeed(time.Now())
	if err := s.UpdateAfterExecution(ctx, done, "owner-1"); err != nil {
		t.Fatalf("update: %v", err)
	}

	n, err := s.PurgeTasks(ctx, p, []task.Status{task.StatusSucceed}, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 0 {
		t.Errorf("purged %d recent tasks", n)
	}

	n, err = s.PurgeTasks(ctx, p, []task.Status{task.StatusSucceed}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if _, err := s.GetTask(ctx, p, "done"); !errors.Is(err, bed.ErrTaskNotFound) {
		t.Errorf("purged task still present: %v", err)
	}
	if _, err := s.GetTask(ctx, p, "pending"); err != nil {
		t.Errorf("pending task purged: %v", err)
	}
}
