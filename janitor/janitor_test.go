package janitor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/bed"
	"github.com/xraph/bed/janitor"
	"github.com/xraph/bed/retry"
	"github.com/xraph/bed/store/memory"
	"github.com/xraph/bed/store/storetest"
	"github.com/xraph/bed/task"
)

func janitorConfig() bed.Config {
	cfg := bed.DefaultConfig()
	cfg.Partition = "p1"
	cfg.Janitor.Schedule = "@every 1h"
	cfg.Janitor.Retention = 24 * time.Hour
	return cfg
}

func claimed(t *testing.T, s *memory.Store, id string) *task.Task {
	t.Helper()
	ctx := context.Background()
	ok, err := s.ClaimTask(ctx, "p1", id, "inst-1", time.Hour)
	if err != nil || !ok {
		t.Fatalf("ClaimTask(%s): %v %v", id, ok, err)
	}
	tk, err := s.GetTask(ctx, "p1", id)
	if err != nil {
		t.Fatalf("GetTask(%s): %v", id, err)
	}
	return tk
}

func TestPurgeOnce_RemovesOldSucceededTasks(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := memory.New(memory.WithClock(clock))
	ctx := context.Background()

	for _, id := range []string{"ok-old", "failed-old", "pending"} {
		if err := s.InsertTask(ctx, storetest.NewTask("p1", id, "default")); err != nil {
			t.Fatalf("InsertTask: %v", err)
		}
	}

	succeeded := claimed(t, s, "ok-old")
	succeeded.Succeed(now)
	if err := s.UpdateAfterExecution(ctx, succeeded, "inst-1"); err != nil {
		t.Fatalf("UpdateAfterExecution: %v", err)
	}
	failed := claimed(t, s, "failed-old")
	failed.Fail(retry.Stop(), "gave up", now)
	if err := s.UpdateAfterExecution(ctx, failed, "inst-1"); err != nil {
		t.Fatalf("UpdateAfterExecution: %v", err)
	}

	// A fresh success must survive the purge.
	now = now.Add(48 * time.Hour)
	if err := s.InsertTask(ctx, storetest.NewTask("p1", "ok-new", "default")); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	fresh := claimed(t, s, "ok-new")
	fresh.Succeed(now)
	if err := s.UpdateAfterExecution(ctx, fresh, "inst-1"); err != nil {
		t.Fatalf("UpdateAfterExecution: %v", err)
	}

	j, err := janitor.New(s, janitorConfig(), janitor.WithClock(clock))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n, err := j.PurgeOnce(ctx)
	if err != nil {
		t.Fatalf("PurgeOnce: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}

	if _, err := s.GetTask(ctx, "p1", "ok-old"); !errors.Is(err, bed.ErrTaskNotFound) {
		t.Errorf("old succeeded task still present: %v", err)
	}
	for _, id := range []string{"failed-old", "pending", "ok-new"} {
		if _, err := s.GetTask(ctx, "p1", id); err != nil {
			t.Errorf("GetTask(%s): %v", id, err)
		}
	}
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	cfg := janitorConfig()
	cfg.Janitor.Schedule = "every now and then"
	if _, err := janitor.New(memory.New(), cfg); !errors.Is(err, bed.ErrInvalidConfig) {
		t.Errorf("New = %v, want ErrInvalidConfig", err)
	}
}

func TestNew_RejectsZeroRetention(t *testing.T) {
	cfg := janitorConfig()
	cfg.Janitor.Retention = 0
	if _, err := janitor.New(memory.New(), cfg); !errors.Is(err, bed.ErrInvalidConfig) {
		t.Errorf("New = %v, want ErrInvalidConfig", err)
	}
}

type countingPurger struct {
	calls chan struct{}
}

func (p *countingPurger) PurgeTasks(context.Context, string, []task.Status, time.Time) (int64, error) {
	select {
	case p.calls <- struct{}{}:
	default:
	}
	return 0, nil
}

func TestStartStop_RunsOnSchedule(t *testing.T) {
	cfg := janitorConfig()
	cfg.Janitor.Schedule = "@every 1s"
	p := &countingPurger{calls: make(chan struct{}, 1)}

	j, err := janitor.New(p, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-p.calls:
	case <-time.After(5 * time.Second):
		t.Error("janitor never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"@every 30m", "0 3 * * *", "@daily"} {
		if _, err := janitor.ParseSchedule(expr); err != nil {
			t.Errorf("ParseSchedule(%q): %v", expr, err)
		}
	}
}
