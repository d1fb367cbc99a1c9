// Package dispatcher polls the store for runnable tasks. It runs one loop
// per resource; each iteration waits a jittered interval, claims up to as
// many tasks as the resource's pool can take, and hands them to the
// runner.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xraph/bed"
	"github.com/xraph/bed/task"
)

// Runner is the part of runner.Runner the dispatcher needs.
type Runner interface {
	Available(resource string) int
	SubmitImmediately(ctx context.Context, t *task.Task) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher runs the per-resource poll loops.
type Dispatcher struct {
	store  task.Store
	runner Runner
	config bed.Config
	logger *slog.Logger

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New creates a Dispatcher. cfg.InstanceID is used as claim owner and
// must be set.
func New(store task.Store, runner Runner, cfg bed.Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		runner:   runner,
		config:   cfg,
		logger:   slog.Default(),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches one poll loop per resource. It returns immediately.
func (d *Dispatcher) Start(_ context.Context, resources []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}
	if d.config.InstanceID == "" {
		return fmt.Errorf("%w: dispatcher needs an instance id", bed.ErrInvalidConfig)
	}
	d.running = true

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.group = &errgroup.Group{}

	for _, resource := range resources {
		poll := d.config.PollFor(resource)
		d.logger.Info("dispatcher loop starting",
			slog.String("resource", resource),
			slog.Duration("interval", poll.Interval),
			slog.Duration("jitter", poll.Jitter),
			slog.Int("batch_size", poll.BatchSize),
		)
		d.group.Go(func() error {
			d.loop(ctx, resource, poll)
			return nil
		})
	}
	return nil
}

// Stop ends every loop and waits for in-progress polls, or for ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	g := d.group
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) loop(ctx context.Context, resource string, poll bed.PollConfig) {
	timer := time.NewTimer(wait(poll))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		d.pollSafely(ctx, resource)
		timer.Reset(wait(poll))
	}
}

// wait returns the next poll delay, with a fresh jitter every call so
// instances sharing a store drift apart.
func wait(poll bed.PollConfig) time.Duration {
	d := poll.Interval
	if poll.Jitter > 0 {
		d += rand.N(poll.Jitter)
	}
	return d
}

func (d *Dispatcher) pollSafely(ctx context.Context, resource string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatcher poll panicked",
				slog.String("resource", resource),
				slog.Any("panic", r),
			)
		}
	}()
	if _, err := d.PollOnce(ctx, resource); err != nil && ctx.Err() == nil {
		d.logger.Error("dispatcher poll failed",
			slog.String("resource", resource),
			slog.String("error", err.Error()),
		)
	}
}

// PollOnce claims runnable tasks of resource and submits them to the
// runner. It returns the number of tasks handed over.
func (d *Dispatcher) PollOnce(ctx context.Context, resource string) (int, error) {
	poll := d.config.PollFor(resource)

	limit := min(poll.BatchSize, d.runner.Available(resource))
	if limit <= 0 {
		d.logger.Debug("resource saturated, skipping poll", slog.String("resource", resource))
		return 0, nil
	}

	if l := d.limiter(resource, poll); l != nil && !l.Allow() {
		d.logger.Debug("resource rate limited, skipping poll", slog.String("resource", resource))
		return 0, nil
	}

	tasks, err := d.store.ClaimRunnable(ctx, task.ClaimOpts{
		Partition: d.config.Partition,
		Resource:  resource,
		Owner:     d.config.InstanceID,
		Limit:     limit,
		Lease:     d.config.Lease,
	})
	if err != nil {
		return 0, fmt.Errorf("claim %q: %w", resource, err)
	}

	submitted := 0
	for _, t := range tasks {
		if err := d.runner.SubmitImmediately(ctx, t); err != nil {
			// The claim stays in place until its lease expires.
			d.logger.Warn("failed to submit claimed task",
				slog.String("task_id", t.ID),
				slog.String("resource", resource),
				slog.String("error", err.Error()),
			)
			continue
		}
		submitted++
	}

	if len(tasks) > 0 {
		d.logger.Debug("dispatched tasks",
			slog.String("resource", resource),
			slog.Int("claimed", len(tasks)),
			slog.Int("submitted", submitted),
		)
	}
	return submitted, nil
}

// limiter returns the resource's claim rate limiter, or nil when claims
// are not rate limited.
func (d *Dispatcher) limiter(resource string, poll bed.PollConfig) *rate.Limiter {
	if poll.RateLimit <= 0 {
		return nil
	}
	d.limitersMu.Lock()
	defer d.limitersMu.Unlock()

	if l, ok := d.limiters[resource]; ok {
		return l
	}
	burst := poll.RateBurst
	if burst <= 0 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(poll.RateLimit), burst)
	d.limiters[resource] = l
	return l
}
