// Package janitor periodically deletes succeeded tasks that are older than
// the configured retention. Failed and unrecognized tasks are kept for
// operators to inspect and requeue.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/bed"
	"github.com/xraph/bed/task"
)

// cronParser supports standard 5-field cron and descriptors like "@every 1h".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a janitor schedule expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Purger is the part of task.Store the janitor needs.
type Purger interface {
	PurgeTasks(ctx context.Context, partition string, statuses []task.Status, before time.Time) (int64, error)
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Janitor) { j.logger = l }
}

// WithClock replaces time.Now for computing the retention cutoff.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// Janitor runs purges on a cron schedule.
type Janitor struct {
	store     Purger
	partition string
	retention time.Duration
	spec      string
	schedule  cronlib.Schedule
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	cron *cronlib.Cron
}

// New creates a Janitor for the partition and janitor settings of cfg.
func New(store Purger, cfg bed.Config, opts ...Option) (*Janitor, error) {
	sched, err := ParseSchedule(cfg.Janitor.Schedule)
	if err != nil {
		return nil, fmt.Errorf("%w: janitor.schedule %q: %w", bed.ErrInvalidConfig, cfg.Janitor.Schedule, err)
	}
	if cfg.Janitor.Retention <= 0 {
		return nil, fmt.Errorf("%w: janitor.retention must be positive", bed.ErrInvalidConfig)
	}

	j := &Janitor{
		store:     store,
		partition: cfg.Partition,
		retention: cfg.Janitor.Retention,
		spec:      cfg.Janitor.Schedule,
		schedule:  sched,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Start schedules the purge. Overlapping runs are skipped.
func (j *Janitor) Start(_ context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return nil
	}

	j.cron = cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)),
	)
	j.cron.Schedule(j.schedule, cronlib.FuncJob(j.run))
	j.cron.Start()

	j.logger.Info("janitor started",
		slog.String("schedule", j.spec),
		slog.Duration("retention", j.retention),
	)
	return nil
}

// Stop unschedules the purge and waits for a running one, or for ctx.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		j.logger.Info("janitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Janitor) run() {
	if _, err := j.PurgeOnce(context.Background()); err != nil {
		j.logger.Error("janitor purge failed", slog.String("error", err.Error()))
	}
}

// PurgeOnce deletes succeeded tasks last updated before now minus the
// retention, and returns how many were deleted.
func (j *Janitor) PurgeOnce(ctx context.Context) (int64, error) {
	before := j.now().Add(-j.retention)
	n, err := j.store.PurgeTasks(ctx, j.partition, []task.Status{task.StatusSucceed}, before)
	if err != nil {
		return 0, fmt.Errorf("purge before %s: %w", before.Format(time.RFC3339), err)
	}
	if n > 0 {
		j.logger.Info("purged succeeded tasks",
			slog.String("partition", j.partition),
			slog.Int64("count", n),
			slog.Time("before", before),
		)
	}
	return n, nil
}
