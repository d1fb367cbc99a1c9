// Package engine wires the bed subsystems together. It creates the handler
// and extension registries, the middleware chain, the runner, the
// dispatcher and the janitor, and provides Register/Submit operations.
//
// This package exists to break an import cycle: the root bed package
// defines Command and the shared errors (imported by handler, task, runner
// and so on) and so cannot import those packages back.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/bed"
	"github.com/xraph/bed/codec"
	"github.com/xraph/bed/dispatcher"
	"github.com/xraph/bed/ext"
	"github.com/xraph/bed/handler"
	"github.com/xraph/bed/id"
	"github.com/xraph/bed/janitor"
	mw "github.com/xraph/bed/middleware"
	"github.com/xraph/bed/observability"
	"github.com/xraph/bed/runner"
	"github.com/xraph/bed/task"
)

// Engine is the entry point of bed.
type Engine struct {
	store      task.Store
	config     bed.Config
	logger     *slog.Logger
	serializer codec.Serializer
	registry   *handler.Registry
	extensions *ext.Registry
	mws        []mw.Middleware
	now        func() time.Time

	runner     *runner.Runner
	dispatcher *dispatcher.Dispatcher
	janitor    *janitor.Janitor

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	pendingExts []ext.Extension

	mu      sync.Mutex
	started bool
	stopped bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration. Apply it before options that
// adjust single fields, such as WithJanitor.
func WithConfig(cfg bed.Config) Option {
	return func(e *Engine) { e.config = cfg }
}

// WithLogger sets the logger used by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSerializer sets the payload serializer. Defaults to codec.JSON.
// Every instance sharing a store must use the same serializer.
func WithSerializer(s codec.Serializer) Option {
	return func(e *Engine) { e.serializer = s }
}

// WithExtension registers a lifecycle extension.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) { e.pendingExts = append(e.pendingExts, x) }
}

// WithMiddleware adds middleware after the default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m) }
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware and the observability extension. If not set, the global
// otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}

// WithClock replaces time.Now for lifecycle timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithJanitor enables purging of succeeded tasks older than retention on
// the given cron schedule.
func WithJanitor(schedule string, retention time.Duration) Option {
	return func(e *Engine) {
		e.config.Janitor = bed.JanitorConfig{Schedule: schedule, Retention: retention}
	}
}

// New creates an Engine on top of store.
func New(store task.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, bed.ErrNoStore
	}

	e := &Engine{
		store:      store,
		config:     bed.DefaultConfig(),
		logger:     slog.Default(),
		serializer: codec.JSON{},
		registry:   handler.NewRegistry(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.config.InstanceID == "" {
		e.config.InstanceID = id.NewInstanceID().String()
	}
	if err := e.config.Validate(); err != nil {
		return nil, err
	}

	e.logger = e.logger.With(
		slog.String("partition", e.config.Partition),
		slog.String("instance_id", e.config.InstanceID),
	)

	e.extensions = ext.NewRegistry(e.logger)
	for _, x := range e.pendingExts {
		e.extensions.Register(x)
	}
	e.pendingExts = nil

	var obsExt *observability.MetricsExtension
	if e.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(e.meterProvider.Meter(mw.ScopeName + "/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	e.extensions.Register(obsExt)

	e.runner = runner.New(e.store, e.registry,
		runner.WithLogger(e.logger),
		runner.WithSerializer(e.serializer),
		runner.WithExtensions(e.extensions),
		runner.WithMiddleware(e.middleware()...),
		runner.WithConfig(e.config),
		runner.WithClock(e.now),
	)
	e.dispatcher = dispatcher.New(e.store, e.runner, e.config, dispatcher.WithLogger(e.logger))

	if e.config.Janitor.Schedule != "" {
		j, err := janitor.New(e.store, e.config,
			janitor.WithLogger(e.logger),
			janitor.WithClock(e.now),
		)
		if err != nil {
			return nil, err
		}
		e.janitor = j
	}

	return e, nil
}

// middleware builds the default stack: recover → trace → tracing →
// metrics → logging → timeout, followed by user middleware.
func (e *Engine) middleware() []mw.Middleware {
	var tracingMw mw.Middleware
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer(mw.ScopeName))
	} else {
		tracingMw = mw.Tracing()
	}

	var metricsMw mw.Middleware
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter(mw.ScopeName))
	} else {
		metricsMw = mw.Metrics()
	}

	defaults := []mw.Middleware{
		mw.Recover(e.logger),
		mw.Trace(),
		tracingMw,
		metricsMw,
		mw.Logging(e.logger),
		mw.Timeout(e.logger, e.timeoutOf),
	}
	all := make([]mw.Middleware, 0, len(defaults)+len(e.mws))
	all = append(all, defaults...)
	return append(all, e.mws...)
}

func (e *Engine) timeoutOf(t *task.Task) time.Duration {
	h, err := e.registry.Resolve(t.HandlerType)
	if err != nil {
		return 0
	}
	return h.Timeout()
}

// Register registers a typed handler definition with the engine. Handlers
// must be registered before Start so their resource gets a poll loop.
func Register[C bed.Command](e *Engine, def *handler.Definition[C]) {
	handler.Register(e.registry, def)

	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if started {
		e.logger.Warn("handler registered after start; its resource is only polled if another handler shares it",
			slog.String("handler", def.Name),
			slog.String("resource", def.Opts.Resource),
		)
	}
}

// Start launches the dispatcher loops, one per registered resource, and
// the janitor when configured.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return bed.ErrStopped
	}
	if e.started {
		return nil
	}

	resources := e.registry.Resources()
	if err := e.dispatcher.Start(ctx, resources); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	if e.janitor != nil {
		if err := e.janitor.Start(ctx); err != nil {
			return fmt.Errorf("start janitor: %w", err)
		}
	}
	e.started = true

	e.logger.Info("bed engine started",
		slog.Any("resources", resources),
		slog.Any("handlers", e.registry.Names()),
	)
	return nil
}

// Stop shuts down the janitor, the dispatcher and the runner, in that
// order, and waits for running attempts. Without a deadline on ctx,
// Config.ShutdownTimeout applies.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok && e.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.ShutdownTimeout)
		defer cancel()
	}

	e.logger.Info("bed engine stopping")

	if e.janitor != nil {
		if err := e.janitor.Stop(ctx); err != nil {
			e.logger.Error("janitor stop error", slog.String("error", err.Error()))
		}
	}
	if err := e.dispatcher.Stop(ctx); err != nil {
		e.logger.Error("dispatcher stop error", slog.String("error", err.Error()))
	}
	if err := e.runner.Stop(ctx); err != nil {
		e.logger.Error("runner stop error", slog.String("error", err.Error()))
	}

	e.extensions.EmitShutdown(ctx)
	e.logger.Info("bed engine stopped")
	return nil
}

// Task returns a task of the engine's partition.
func (e *Engine) Task(ctx context.Context, taskID string) (*task.Task, error) {
	return e.store.GetTask(ctx, e.config.Partition, taskID)
}

// Tasks lists tasks. An empty opts.Partition means the engine's partition.
func (e *Engine) Tasks(ctx context.Context, opts task.ListOpts) ([]*task.Task, error) {
	if opts.Partition == "" {
		opts.Partition = e.config.Partition
	}
	return e.store.ListTasks(ctx, opts)
}

// Count counts tasks. An empty opts.Partition means the engine's partition.
func (e *Engine) Count(ctx context.Context, opts task.CountOpts) (int64, error) {
	if opts.Partition == "" {
		opts.Partition = e.config.Partition
	}
	return e.store.CountTasks(ctx, opts)
}

// Requeue moves a failed or unrecognized task back to retrying so the
// dispatcher picks it up again. Its attempt count is kept.
func (e *Engine) Requeue(ctx context.Context, taskID string) error {
	if err := e.store.RequeueTask(ctx, e.config.Partition, taskID); err != nil {
		return fmt.Errorf("requeue %q: %w", taskID, err)
	}
	e.logger.Info("task requeued", slog.String("task_id", taskID))
	return nil
}

// Runner returns the runner.
func (e *Engine) Runner() *runner.Runner { return e.runner }

// Dispatcher returns the dispatcher.
func (e *Engine) Dispatcher() *dispatcher.Dispatcher { return e.dispatcher }

// Registry returns the handler registry.
func (e *Engine) Registry() *handler.Registry { return e.registry }

// Extensions returns the extension registry.
func (e *Engine) Extensions() *ext.Registry { return e.extensions }

// Config returns the effective configuration, including the generated
// instance id.
func (e *Engine) Config() bed.Config { return e.config }
