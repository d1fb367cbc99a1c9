package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xraph/bed/store"
	"github.com/xraph/bed/store/memory"
	"github.com/xraph/bed/store/storetest"
	"github.com/xraph/bed/task"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(_ *testing.T) store.Store { return memory.New() })
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestReclaimStrictlyAfterLease(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := memory.New(memory.WithClock(clock.Now))
	const lease = 30 * time.Second

	if err := s.InsertTask(ctx, storetest.NewTask("p", "t-1", "default")); err != nil {
		t.Fatal(err)
	}
	opts := func(owner string) task.ClaimOpts {
		return task.ClaimOpts{Partition: "p", Resource: "default", Owner: owner, Limit: 1, Lease: lease}
	}

	got, err := s.ClaimRunnable(ctx, opts("a"))
	if err != nil || len(got) != 1 {
		t.Fatalf("claim: %v %d", err, len(got))
	}

	clock.Advance(lease)
	got, err = s.ClaimRunnable(ctx, opts("b"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatal("task reclaimed exactly at the lease boundary")
	}

	clock.Advance(time.Nanosecond)
	got, err = s.ClaimRunnable(ctx, opts("b"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ClaimOwner != "b" {
		t.Fatal("task not reclaimable after the lease")
	}
	if !got[0].UpdatedAt.Equal(clock.Now()) {
		t.Errorf("UpdatedAt = %v, want claim time %v", got[0].UpdatedAt, clock.Now())
	}
}

func TestRetryDelayGatesClaim(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := memory.New(memory.WithClock(clock.Now))

	tk := storetest.NewTask("p", "t-1", "default")
	tk.NextDelay = 10 * time.Second
	if err := s.InsertTask(ctx, tk); err != nil {
		t.Fatal(err)
	}
	opts := task.ClaimOpts{Partition: "p", Resource: "default", Owner: "a", Limit: 1, Lease: time.Minute}

	clock.Advance(9 * time.Second)
	if got, _ := s.ClaimRunnable(ctx, opts); len(got) != 0 {
		t.Fatal("claimed before the initial delay elapsed")
	}
	clock.Advance(time.Second)
	if got, _ := s.ClaimRunnable(ctx, opts); len(got) != 1 {
		t.Fatal("not claimable once the delay elapsed")
	}
}

func TestReturnedTasksAreCopies(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	if err := s.InsertTask(ctx, storetest.NewTask("p", "t-1", "default")); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTask(ctx, "p", "t-1")
	if err != nil {
		t.Fatal(err)
	}
	got.Status = task.StatusFailed
	got.Payload[0] = 'X'

	again, err := s.GetTask(ctx, "p", "t-1")
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != task.StatusInit || again.Payload[0] != '{' {
		t.Error("mutating a returned task changed the store")
	}
}
