package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xraph/bed"
	"github.com/xraph/bed/codec"
	"github.com/xraph/bed/engine"
	"github.com/xraph/bed/handler"
	"github.com/xraph/bed/retry"
	"github.com/xraph/bed/store/memory"
	"github.com/xraph/bed/task"
)

// ──────────────────────────────────────────────────
// Fixtures
// ──────────────────────────────────────────────────

type emailCmd struct {
	bed.BaseCommand
	To string `json:"to" msgpack:"to"`
}

func cmd(taskID string, mode bed.Immediacy) emailCmd {
	return emailCmd{
		BaseCommand: bed.BaseCommand{ID: taskID, Mode: mode},
		To:          "user@example.com",
	}
}

// countingStore counts inserts and can make claims fail.
type countingStore struct {
	*memory.Store
	inserts    atomic.Int32
	loseClaim  bool
	afterClaim func()
}

func (s *countingStore) InsertTask(ctx context.Context, t *task.Task) error {
	s.inserts.Add(1)
	return s.Store.InsertTask(ctx, t)
}

func (s *countingStore) ClaimTask(ctx context.Context, partition, taskID, owner string, lease time.Duration) (bool, error) {
	if s.loseClaim {
		return false, nil
	}
	ok, err := s.Store.ClaimTask(ctx, partition, taskID, owner, lease)
	if s.afterClaim != nil {
		s.afterClaim()
	}
	return ok, err
}

func testConfig() bed.Config {
	cfg := bed.DefaultConfig()
	cfg.Partition = "room-1"
	cfg.DefaultPoll.Interval = 10 * time.Millisecond
	cfg.DefaultPoll.Jitter = 5 * time.Millisecond
	cfg.ShutdownTimeout = 5 * time.Second
	return cfg
}

func newEngine(t *testing.T, s task.Store, opts ...engine.Option) *engine.Engine {
	t.Helper()
	opts = append([]engine.Option{engine.WithConfig(testConfig())}, opts...)
	eng, err := engine.New(s, opts...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	return eng
}

func waitForStatus(t *testing.T, eng *engine.Engine, taskID string, want task.Status) *task.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		tk, err := eng.Task(context.Background(), taskID)
		if err == nil && tk.Status == want {
			return tk
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s never reached %s (last: %+v, err: %v)", taskID, want, tk, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ──────────────────────────────────────────────────
// Submit validation
// ──────────────────────────────────────────────────

func TestSubmit_EmptyTaskID(t *testing.T) {
	s := &countingStore{Store: memory.New()}
	eng := newEngine(t, s)
	engine.Register(eng, handler.NewDefinition("send-email", func(context.Context, emailCmd) error { return nil }))

	_, err := engine.Submit(context.Background(), eng, "send-email", cmd("", bed.ImmediacyNone))
	if !errors.Is(err, bed.ErrEmptyTaskID) {
		t.Fatalf("err = %v, want ErrEmptyTaskID", err)
	}
	if n := s.inserts.Load(); n != 0 {
		t.Errorf("inserts = %d, want 0", n)
	}
}

func TestSubmit_UnknownHandler(t *testing.T) {
	eng := newEngine(t, memory.New())

	_, err := engine.Submit(context.Background(), eng, "nope", cmd("t1", bed.ImmediacyNone))
	if !errors.Is(err, bed.ErrHandlerNotFound) {
		t.Fatalf("err = %v, want ErrHandlerNotFound", err)
	}
}

func TestSubmit_FirstAttemptRefused(t *testing.T) {
	s := &countingStore{Store: memory.New()}
	eng := newEngine(t, s)
	engine.Register(eng, handler.NewDefinition("send-email",
		func(context.Context, emailCmd) error { return nil },
		handler.WithPolicy(retry.PolicyFunc(func(int) retry.Decision { return retry.Stop() })),
	))

	_, err := engine.Submit(context.Background(), eng, "send-email", cmd("t1", bed.ImmediacyAtCaller))
	if !errors.Is(err, bed.ErrFirstAttemptRefused) {
		t.Fatalf("err = %v, want ErrFirstAttemptRefused", err)
	}
	if n := s.inserts.Load(); n != 0 {
		t.Errorf("inserts = %d, want 0", n)
	}
}

func TestSubmit_PanickingFirstDecision(t *testing.T) {
	s := &countingStore{Store: memory.New()}
	eng := newEngine(t, s)
	engine.Register(eng, handler.NewDefinition("send-email",
		func(context.Context, emailCmd) error { return nil },
		handler.WithPolicy(retry.PolicyFunc(func(int) retry.Decision { panic("bad policy") })),
	))

	_, err := engine.Submit(context.Background(), eng, "send-email", cmd("t1", bed.ImmediacyNone))
	if !errors.Is(err, bed.ErrFirstAttemptRefused) {
		t.Fatalf("err = %v, want ErrFirstAttemptRefused", err)
	}
	if !strings.Contains(err.Error(), "bad policy") {
		t.Errorf("err = %v, want the panic value", err)
	}
	if n := s.inserts.Load(); n != 0 {
		t.Errorf("inserts = %d, want 0", n)
	}
}

func TestSubmit_DuplicateTaskID(t *testing.T) {
	eng := newEngine(t, memory.New())
	engine.Register(eng, handler.NewDefinition("send-email", func(context.Context, emailCmd) error { return nil }))

	ctx := context.Background()
	if _, err := engine.Submit(ctx, eng, "send-email", cmd("t1", bed.ImmediacyNone)); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	_, err := engine.Submit(ctx, eng, "send-email", cmd("t1", bed.ImmediacyNone))
	if !errors.Is(err, bed.ErrTaskAlreadyExists) {
		t.Fatalf("err = %v, want ErrTaskAlreadyExists", err)
	}
}

func TestSubmit_FirstDelayBecomesNextDelay(t *testing.T) {
	eng := newEngine(t, memory.New())
	engine.Register(eng, handler.NewDefinition("send-email",
		func(context.Context, emailCmd) error { return nil },
		handler.WithPolicy(retry.Listed{Delays: []time.Duration{time.Hour}}),
	))

	receipt, err := engine.Submit(context.Background(), eng, "send-email", cmd("t1", bed.ImmediacyNone))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.Task.NextDelay != time.Hour {
		t.Errorf("NextDelay = %s, want 1h", receipt.Task.NextDelay)
	}
	if !receipt.Task.NextRunAt.After(receipt.Task.CreatedAt) {
		t.Errorf("NextRunAt %s not after CreatedAt %s", receipt.Task.NextRunAt, receipt.Task.CreatedAt)
	}
}

// ──────────────────────────────────────────────────
// Immediacy modes
// ──────────────────────────────────────────────────

func TestSubmit_ImmediacyNone(t *testing.T) {
	eng := newEngine(t, memory.New())
	var calls atomic.Int32
	engine.Register(eng, handler.NewDefinition("send-email", func(context.Context, emailCmd) error {
		calls.Add(1)
		return nil
	}))

	receipt, err := engine.Submit(context.Background(), eng, "send-email", cmd("t1", bed.ImmediacyNone))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.Result != nil {
		t.Errorf("Result = %+v, want nil", receipt.Result)
	}
	if receipt.Task.Status != task.StatusInit {
		t.Errorf("status = %s, want init", receipt.Task.Status)
	}
	if receipt.Task.Resource != bed.DefaultResource || receipt.Task.Partition != "room-1" {
		t.Errorf("resource/partition = %s/%s", receipt.Task.Resource, receipt.Task.Partition)
	}
	if !strings.HasPrefix(receipt.Task.TraceID, "trc_") {
		t.Errorf("trace id = %q, want generated trc_ id", receipt.Task.TraceID)
	}
	if calls.Load() != 0 {
		t.Error("handler ran without dispatcher")
	}
}

func TestSubmit_ImmediacyAtCaller(t *testing.T) {
	eng := newEngine(t, memory.New())

	var gotTrace string
	var gotTo string
	engine.Register(eng, handler.NewDefinition("send-email", func(ctx context.Context, c emailCmd) error {
		gotTrace, _ = bed.TraceIDFrom(ctx)
		gotTo = c.To
		return nil
	}))

	ctx := bed.WithTraceID(context.Background(), "trc_request-7")
	receipt, err := engine.Submit(ctx, eng, "send-email", cmd("t1", bed.ImmediacyAtCaller))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.Result == nil || receipt.Result.Status != task.StatusSucceed {
		t.Fatalf("Result = %+v, want succeed", receipt.Result)
	}
	if receipt.Task.Status != task.StatusSucceed || receipt.Task.Attempts != 1 {
		t.Errorf("task = %s/%d, want succeed/1", receipt.Task.Status, receipt.Task.Attempts)
	}
	if gotTrace != "trc_request-7" {
		t.Errorf("handler trace id = %q", gotTrace)
	}
	if gotTo != "user@example.com" {
		t.Errorf("handler command To = %q", gotTo)
	}

	stored, err := eng.Task(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if stored.Status != task.StatusSucceed || stored.TraceID != "trc_request-7" {
		t.Errorf("stored = %s trace %q", stored.Status, stored.TraceID)
	}
}

func TestSubmit_ImmediacyAtCallerIncomplete(t *testing.T) {
	eng := newEngine(t, memory.New())
	engine.Register(eng, handler.NewDefinition("send-email",
		func(context.Context, emailCmd) error { return handler.Incomplete("mailbox full") },
		handler.WithPolicy(retry.Fixed{MaxRetries: 3, Delay: time.Hour}),
	))

	receipt, err := engine.Submit(context.Background(), eng, "send-email", cmd("t1", bed.ImmediacyAtCaller))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := receipt.Result
	if res.Status != task.StatusRetrying || res.Delay != time.Hour || res.Message != "mailbox full" {
		t.Errorf("Result = %+v", res)
	}

	stored, _ := eng.Task(context.Background(), "t1")
	if stored.Status != task.StatusRetrying || stored.Attempts != 1 || stored.ClaimOwner != "" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestSubmit_ImmediacyAtBed(t *testing.T) {
	eng := newEngine(t, memory.New())
	engine.Register(eng, handler.NewDefinition("send-email", func(context.Context, emailCmd) error { return nil }))

	receipt, err := engine.Submit(context.Background(), eng, "send-email", cmd("t1", bed.ImmediacyAtBed))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.Result != nil {
		t.Errorf("Result = %+v, want nil for asynchronous mode", receipt.Result)
	}
	waitForStatus(t, eng, "t1", task.StatusSucceed)
}

func TestSubmit_LostClaimLeavesTaskToDispatcher(t *testing.T) {
	s := &countingStore{Store: memory.New(), loseClaim: true}
	eng := newEngine(t, s)
	var calls atomic.Int32
	engine.Register(eng, handler.NewDefinition("send-email", func(context.Context, emailCmd) error {
		calls.Add(1)
		return nil
	}))

	receipt, err := engine.Submit(context.Background(), eng, "send-email", cmd("t1", bed.ImmediacyAtCaller))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.Result != nil || calls.Load() != 0 {
		t.Errorf("task executed despite lost claim")
	}
	if receipt.Task.Status != task.StatusInit {
		t.Errorf("status = %s, want init", receipt.Task.Status)
	}
}

func TestSubmit_ImmediacyAtCallerRacingPoll(t *testing.T) {
	s := &countingStore{Store: memory.New()}
	eng := newEngine(t, s)
	var calls atomic.Int32
	engine.Register(eng, handler.NewDefinition("send-email", func(context.Context, emailCmd) error {
		calls.Add(1)
		return nil
	}))

	// A poll of this instance lands between the claim and the attempt.
	s.afterClaim = func() {
		if _, err := eng.Dispatcher().PollOnce(context.Background(), bed.DefaultResource); err != nil {
			t.Errorf("PollOnce: %v", err)
		}
	}

	receipt, err := engine.Submit(context.Background(), eng, "send-email", cmd("t1", bed.ImmediacyAtCaller))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.Result == nil || receipt.Result.Status != task.StatusSucceed {
		t.Fatalf("Result = %+v, want succeed on the caller", receipt.Result)
	}
	if got := eng.Runner().InFlight(bed.DefaultResource); got != 0 {
		t.Errorf("InFlight = %d, want nothing queued by the poll", got)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("handler calls = %d, want 1", got)
	}
}

func TestSubmit_MsgpackSerializer(t *testing.T) {
	eng := newEngine(t, memory.New(), engine.WithSerializer(codec.Msgpack{}))
	var got emailCmd
	engine.Register(eng, handler.NewDefinition("send-email", func(_ context.Context, c emailCmd) error {
		got = c
		return nil
	}))

	if _, err := engine.Submit(context.Background(), eng, "send-email", cmd("t1", bed.ImmediacyAtCaller)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got.TaskID() != "t1" || got.To != "user@example.com" {
		t.Errorf("decoded command = %+v", got)
	}
}

// ──────────────────────────────────────────────────
// Dispatch end to end
// ──────────────────────────────────────────────────

func TestEngine_DispatchesUntilComplete(t *testing.T) {
	eng := newEngine(t, memory.New())

	var calls atomic.Int32
	engine.Register(eng, handler.NewDefinition("send-email", func(context.Context, emailCmd) error {
		if calls.Add(1) < 3 {
			return errors.New("smtp timeout")
		}
		return nil
	}, handler.WithResource("smtp"), handler.WithPolicy(retry.Fixed{MaxRetries: 5})))

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := engine.Submit(context.Background(), eng, "send-email", cmd("t1", bed.ImmediacyNone)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	tk := waitForStatus(t, eng, "t1", task.StatusSucceed)
	if tk.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", tk.Attempts)
	}
}

func TestEngine_UnregisteredHandlerBecomesUnrecognized(t *testing.T) {
	eng := newEngine(t, memory.New())
	engine.Register(eng, handler.NewDefinition("send-email", func(context.Context, emailCmd) error {
		t.Error("unregistered handler ran")
		return nil
	}))

	ctx := context.Background()
	if _, err := engine.Submit(ctx, eng, "send-email", cmd("t1", bed.ImmediacyNone)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eng.Registry().Unregister("send-email")

	if _, err := eng.Dispatcher().PollOnce(ctx, bed.DefaultResource); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	stored := waitForStatus(t, eng, "t1", task.StatusUnrecognized)
	if stored.Attempts != 0 || stored.ClaimOwner != "" {
		t.Errorf("stored = %+v, want no attempts and no owner", stored)
	}
	if !strings.Contains(stored.LastMessage, bed.ErrHandlerNotFound.Error()) ||
		!strings.Contains(stored.LastMessage, "send-email") {
		t.Errorf("LastMessage = %q, want the resolution error", stored.LastMessage)
	}

	// Unrecognized tasks are kept out of the dispatch cycle until requeued.
	claimed, err := eng.Dispatcher().PollOnce(ctx, bed.DefaultResource)
	if err != nil || claimed != 0 {
		t.Errorf("second PollOnce = %d, %v, want 0", claimed, err)
	}
}

func TestEngine_RequeueFailedTask(t *testing.T) {
	eng := newEngine(t, memory.New())

	var fail atomic.Bool
	fail.Store(true)
	engine.Register(eng, handler.NewDefinition("send-email", func(context.Context, emailCmd) error {
		if fail.Load() {
			return errors.New("bounced")
		}
		return nil
	}, handler.WithPolicy(retry.Fixed{MaxRetries: 0})))

	ctx := context.Background()
	receipt, err := engine.Submit(ctx, eng, "send-email", cmd("t1", bed.ImmediacyAtCaller))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.Result.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed", receipt.Result.Status)
	}

	if n, _ := eng.Count(ctx, task.CountOpts{Status: task.StatusFailed}); n != 1 {
		t.Errorf("failed count = %d, want 1", n)
	}

	if err := eng.Requeue(ctx, "t1"); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	fail.Store(false)

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, eng, "t1", task.StatusSucceed)

	if err := eng.Requeue(ctx, "t1"); !errors.Is(err, bed.ErrInvalidState) {
		t.Errorf("Requeue of succeeded task = %v, want ErrInvalidState", err)
	}
}

func TestEngine_Tasks(t *testing.T) {
	eng := newEngine(t, memory.New())
	engine.Register(eng, handler.NewDefinition("send-email", func(context.Context, emailCmd) error { return nil }))

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := engine.Submit(ctx, eng, "send-email", cmd(id, bed.ImmediacyNone)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	tasks, err := eng.Tasks(ctx, task.ListOpts{HandlerType: "send-email"})
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Errorf("tasks = %d, want 3", len(tasks))
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

type shutdownRecorder struct {
	mu       sync.Mutex
	shutdown int
}

func (r *shutdownRecorder) Name() string { return "shutdown-recorder" }

func (r *shutdownRecorder) OnShutdown(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown++
	return nil
}

func TestEngine_StopEmitsShutdownOnce(t *testing.T) {
	rec := &shutdownRecorder{}
	eng, err := engine.New(memory.New(), engine.WithConfig(testConfig()), engine.WithExtension(rec))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_ = eng.Stop(context.Background())
	_ = eng.Stop(context.Background())

	if rec.shutdown != 1 {
		t.Errorf("shutdown hooks = %d, want 1", rec.shutdown)
	}
	if err := eng.Start(context.Background()); !errors.Is(err, bed.ErrStopped) {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := engine.New(nil); !errors.Is(err, bed.ErrNoStore) {
		t.Errorf("New(nil) = %v, want ErrNoStore", err)
	}

	cfg := testConfig()
	cfg.Lease = 0
	if _, err := engine.New(memory.New(), engine.WithConfig(cfg)); !errors.Is(err, bed.ErrInvalidConfig) {
		t.Errorf("New with zero lease = %v, want ErrInvalidConfig", err)
	}

	_, err := engine.New(memory.New(), engine.WithConfig(testConfig()), engine.WithJanitor("sometimes", time.Hour))
	if !errors.Is(err, bed.ErrInvalidConfig) {
		t.Errorf("New with bad janitor schedule = %v, want ErrInvalidConfig", err)
	}
}

func TestNew_GeneratesInstanceID(t *testing.T) {
	eng := newEngine(t, memory.New())
	if !strings.HasPrefix(eng.Config().InstanceID, "inst_") {
		t.Errorf("instance id = %q", eng.Config().InstanceID)
	}
}

func TestEngine_TracesAttempts(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	eng := newEngine(t, memory.New(), engine.WithTracerProvider(tp))
	engine.Register(eng, handler.NewDefinition("send-email", func(context.Context, emailCmd) error { return nil }))

	if _, err := engine.Submit(context.Background(), eng, "send-email", cmd("t1", bed.ImmediacyAtCaller)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "bed.execute send-email" {
		t.Errorf("span name = %q", spans[0].Name())
	}
}
