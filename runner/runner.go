// Package runner executes tasks. It owns one bounded worker pool per
// resource name, resolves each task's handler and payload, runs the
// handler through the middleware chain and persists the outcome.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/bed"
	"github.com/xraph/bed/codec"
	"github.com/xraph/bed/ext"
	"github.com/xraph/bed/handler"
	"github.com/xraph/bed/middleware"
	"github.com/xraph/bed/task"
)

// Result describes the outcome of one attempt.
type Result struct {
	TaskID   string
	Status   task.Status
	Attempts int
	// Delay is the retry delay when Status is retrying.
	Delay   time.Duration
	Message string
	Elapsed time.Duration
	// Err is the error from persisting the outcome, if any. The attempt
	// itself happened; the task will be delivered again once its lease
	// expires.
	Err error
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithSerializer sets the payload serializer. Defaults to codec.JSON.
func WithSerializer(s codec.Serializer) Option {
	return func(r *Runner) { r.serializer = s }
}

// WithExtensions sets the lifecycle extension registry.
func WithExtensions(e *ext.Registry) Option {
	return func(r *Runner) { r.extensions = e }
}

// WithMiddleware sets the middleware wrapped around every attempt.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(r *Runner) { r.mw = middleware.Chain(mws...) }
}

// WithConfig sets the configuration used to size pools.
func WithConfig(cfg bed.Config) Option {
	return func(r *Runner) { r.config = cfg }
}

// WithClock replaces time.Now for lifecycle timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// Runner executes tasks on per-resource worker pools.
type Runner struct {
	store      task.Store
	registry   *handler.Registry
	serializer codec.Serializer
	extensions *ext.Registry
	mw         middleware.Middleware
	logger     *slog.Logger
	config     bed.Config
	now        func() time.Time

	// runCtx is the parent of every pooled execution. It is cancelled
	// when Stop runs out of time.
	runCtx    context.Context
	cancelRun context.CancelFunc

	mu      sync.Mutex
	pools   map[string]*pool
	stopped bool

	inflightMu sync.Mutex
	inflight   map[inflightKey]struct{}
}

type inflightKey struct {
	partition string
	id        string
}

// New creates a Runner.
func New(store task.Store, registry *handler.Registry, opts ...Option) *Runner {
	r := &Runner{
		store:      store,
		registry:   registry,
		serializer: codec.JSON{},
		mw:         middleware.Chain(),
		logger:     slog.Default(),
		config:     bed.DefaultConfig(),
		now:        time.Now,
		pools:      make(map[string]*pool),
		inflight:   make(map[inflightKey]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.extensions == nil {
		r.extensions = ext.NewRegistry(r.logger)
	}
	r.runCtx, r.cancelRun = context.WithCancel(context.Background())
	return r
}

// ClaimFunc claims a task for this process. It reports false when the
// task is held elsewhere.
type ClaimFunc func(ctx context.Context, t *task.Task) (bool, error)

// RunImmediately runs one attempt of a task this process already claimed,
// on the calling goroutine. It returns once the outcome has been
// persisted. A task whose claim was released in the meantime is not run
// and an error wrapping bed.ErrClaimLost is returned.
func (r *Runner) RunImmediately(ctx context.Context, t *task.Task) (*Result, error) {
	if r.isStopped() {
		return nil, bed.ErrStopped
	}
	if !r.track(t) {
		return nil, fmt.Errorf("runner: task %q is already running in this process", t.ID)
	}
	defer r.untrack(t)
	return r.run(ctx, t)
}

// ClaimAndRun marks t in flight, claims it with claim and runs one attempt
// on the calling goroutine. A dispatcher poll of this process never picks
// the task up in between. It returns a nil Result when the claim is lost.
func (r *Runner) ClaimAndRun(ctx context.Context, t *task.Task, claim ClaimFunc) (*Result, error) {
	if r.isStopped() {
		return nil, bed.ErrStopped
	}
	if !r.track(t) {
		return nil, nil
	}
	defer r.untrack(t)

	ok, err := claim(ctx, t)
	if err != nil || !ok {
		return nil, err
	}
	return r.run(ctx, t)
}

// run executes a tracked task after checking its claim still stands.
func (r *Runner) run(ctx context.Context, t *task.Task) (*Result, error) {
	current, err := r.refresh(ctx, t)
	if err != nil {
		return nil, err
	}
	if !current {
		return nil, fmt.Errorf("runner: task %q: %w", t.ID, bed.ErrClaimLost)
	}

	h, cmd, res := r.prepare(ctx, t)
	if res != nil {
		return res, nil
	}
	return r.execute(ctx, t, h, cmd), nil
}

// SubmitImmediately resolves a claimed task and queues one attempt on its
// resource's pool. It returns once the attempt is queued, or right away
// when the task cannot be resolved, in which case it is persisted as
// unrecognized. A task already queued or running in this process, or
// whose claim was released since it was fetched, is skipped.
func (r *Runner) SubmitImmediately(ctx context.Context, t *task.Task) error {
	if r.isStopped() {
		return bed.ErrStopped
	}
	if !r.track(t) {
		r.logger.Debug("task already in flight, skipping",
			slog.String("task_id", t.ID),
			slog.String("resource", t.Resource),
		)
		return nil
	}
	return r.enqueue(ctx, t)
}

// ClaimAndSubmit marks t in flight, claims it with claim and queues one
// attempt on its resource's pool. Losing the claim is not an error.
func (r *Runner) ClaimAndSubmit(ctx context.Context, t *task.Task, claim ClaimFunc) error {
	if r.isStopped() {
		return bed.ErrStopped
	}
	if !r.track(t) {
		return nil
	}

	ok, err := claim(ctx, t)
	if err != nil || !ok {
		r.untrack(t)
		return err
	}
	return r.enqueue(ctx, t)
}

// enqueue queues a tracked task. The task is untracked unless it was
// handed to a pool.
func (r *Runner) enqueue(ctx context.Context, t *task.Task) error {
	current, err := r.refresh(ctx, t)
	if err != nil {
		r.untrack(t)
		return err
	}
	if !current {
		r.untrack(t)
		r.logger.Debug("task claim released since fetch, skipping",
			slog.String("task_id", t.ID),
			slog.String("resource", t.Resource),
		)
		return nil
	}

	h, cmd, res := r.prepare(ctx, t)
	if res != nil {
		r.untrack(t)
		return res.Err
	}

	p, err := r.poolFor(h.Resource())
	if err != nil {
		r.untrack(t)
		return err
	}
	if err := p.submit(ctx, job{task: t, handler: h, cmd: cmd}); err != nil {
		r.untrack(t)
		return err
	}
	return nil
}

// refresh reloads a tracked task from the store. It reports false when the
// stored task is no longer executing under the claim t was delivered
// with, e.g. a copy fetched while an earlier attempt was still running.
// Once tracked, nothing else in this process changes the stored task, so
// the reloaded copy stays current until its attempt is persisted.
func (r *Runner) refresh(ctx context.Context, t *task.Task) (bool, error) {
	stored, err := r.store.GetTask(ctx, t.Partition, t.ID)
	if err != nil {
		return false, err
	}
	if stored.Status != task.StatusExecuting || stored.ClaimOwner != t.ClaimOwner {
		return false, nil
	}
	*t = *stored
	return true, nil
}

// Available returns how many more tasks the resource's pool accepts
// without blocking: free queue slots plus idle workers.
func (r *Runner) Available(resource string) int {
	r.mu.Lock()
	p, ok := r.pools[resource]
	r.mu.Unlock()
	if !ok {
		cfg := r.config.PoolFor(resource)
		return cfg.Workers + cfg.QueueSize
	}
	return p.available()
}

// InFlight returns the number of tasks of the resource queued or running
// in this process.
func (r *Runner) InFlight(resource string) int {
	r.mu.Lock()
	p, ok := r.pools[resource]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return p.inFlight()
}

// PoolStats describes one worker pool.
type PoolStats struct {
	Workers   int
	QueueSize int
	Queued    int
	Busy      int
}

// Stats returns a snapshot of every pool created so far.
func (r *Runner) Stats() map[string]PoolStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]PoolStats, len(r.pools))
	for name, p := range r.pools {
		out[name] = p.stats()
	}
	return out
}

// Stop stops accepting work and waits for running attempts. Queued
// attempts are dropped; their tasks stay claimed until the lease expires.
// When ctx is done first, running attempts are cancelled.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	pools := make([]*pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, p := range pools {
		g.Go(func() error {
			dropped := p.stop()
			for _, j := range dropped {
				r.untrack(j.task)
			}
			if len(dropped) > 0 {
				r.logger.Warn("dropped queued tasks on shutdown",
					slog.String("resource", p.resource),
					slog.Int("count", len(dropped)),
				)
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("runner stopped gracefully")
	case <-ctx.Done():
		r.logger.Warn("runner shutdown timed out, cancelling running tasks")
		r.cancelRun()
		<-done
	}
	r.cancelRun()
	return nil
}

func (r *Runner) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// poolFor returns the resource's pool, creating it on first use.
func (r *Runner) poolFor(resource string) (*pool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, bed.ErrStopped
	}
	if p, ok := r.pools[resource]; ok {
		return p, nil
	}
	cfg := r.config.PoolFor(resource)
	p := newPool(r.runCtx, resource, cfg, r.runJob)
	r.pools[resource] = p
	r.logger.Info("worker pool created",
		slog.String("resource", resource),
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.String("overflow", string(cfg.Overflow)),
	)
	return p, nil
}

func (r *Runner) runJob(ctx context.Context, j job) {
	defer r.untrack(j.task)
	r.execute(ctx, j.task, j.handler, j.cmd)
}

func (r *Runner) track(t *task.Task) bool {
	k := inflightKey{t.Partition, t.ID}
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if _, ok := r.inflight[k]; ok {
		return false
	}
	r.inflight[k] = struct{}{}
	return true
}

func (r *Runner) untrack(t *task.Task) {
	r.inflightMu.Lock()
	delete(r.inflight, inflightKey{t.Partition, t.ID})
	r.inflightMu.Unlock()
}
