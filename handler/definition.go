package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/bed"
	"github.com/xraph/bed/codec"
	"github.com/xraph/bed/retry"
)

// Func processes one command. Returning nil completes the task.
type Func[C bed.Command] func(ctx context.Context, cmd C) error

// Options configures a handler definition.
type Options struct {
	// Resource selects the worker pool and polling loop.
	Resource string

	// Policy decides retries when the definition has no DecideRetry.
	Policy retry.Policy

	// Timeout bounds a single execution. Zero means no limit.
	Timeout time.Duration
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Resource: bed.DefaultResource,
		Policy:   retry.DefaultPolicy(),
	}
}

// Option is a functional option for configuring a definition.
type Option func(*Options)

// WithResource sets the resource name.
func WithResource(name string) Option {
	return func(o *Options) {
		o.Resource = name
	}
}

// WithPolicy sets the retry policy.
func WithPolicy(p retry.Policy) Option {
	return func(o *Options) {
		o.Policy = p
	}
}

// WithTimeout sets the per-execution timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// Definition is a typed handler definition.
type Definition[C bed.Command] struct {
	// Name is the handler type stored with every task.
	Name string

	Handler Func[C]

	Opts Options

	// DecideRetry, when set, replaces Opts.Policy and may look at the
	// command. It must allow the first attempt (attempts = 0).
	DecideRetry func(cmd C, attempts int) retry.Decision

	// OnGiveUp runs after the task was marked failed. Best effort: it is
	// not retried and may run before or after the status is persisted.
	OnGiveUp func(ctx context.Context, cmd C)
}

// NewDefinition creates a typed handler definition.
func NewDefinition[C bed.Command](name string, fn Func[C], opts ...Option) *Definition[C] {
	def := &Definition[C]{
		Name:    name,
		Handler: fn,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	if def.Opts.Resource == "" {
		def.Opts.Resource = bed.DefaultResource
	}
	if def.Opts.Policy == nil {
		def.Opts.Policy = retry.DefaultPolicy()
	}
	return def
}

// WithDecideRetry sets a command-aware retry decision and returns def.
func (def *Definition[C]) WithDecideRetry(fn func(cmd C, attempts int) retry.Decision) *Definition[C] {
	def.DecideRetry = fn
	return def
}

// WithOnGiveUp sets the give-up hook and returns def.
func (def *Definition[C]) WithOnGiveUp(fn func(ctx context.Context, cmd C)) *Definition[C] {
	def.OnGiveUp = fn
	return def
}

// Handler is the type-erased form of a Definition held by the Registry.
type Handler interface {
	Name() string
	Resource() string
	Timeout() time.Duration

	// Decode turns a stored payload back into the handler's command type.
	Decode(s codec.Serializer, payload []byte) (bed.Command, error)

	Execute(ctx context.Context, cmd bed.Command) error
	DecideRetry(cmd bed.Command, attempts int) retry.Decision
	OnGiveUp(ctx context.Context, cmd bed.Command)
}

type typed[C bed.Command] struct {
	def *Definition[C]
}

// Erase returns def as a Handler.
func Erase[C bed.Command](def *Definition[C]) Handler {
	return typed[C]{def: def}
}

func (h typed[C]) Name() string           { return h.def.Name }
func (h typed[C]) Resource() string       { return h.def.Opts.Resource }
func (h typed[C]) Timeout() time.Duration { return h.def.Opts.Timeout }

func (h typed[C]) Decode(s codec.Serializer, payload []byte) (bed.Command, error) {
	var cmd C
	if err := s.Decode(payload, &cmd); err != nil {
		return nil, fmt.Errorf("decode payload for handler %q: %w", h.def.Name, err)
	}
	return cmd, nil
}

func (h typed[C]) Execute(ctx context.Context, cmd bed.Command) error {
	c, err := h.cast(cmd)
	if err != nil {
		return err
	}
	return h.def.Handler(ctx, c)
}

func (h typed[C]) DecideRetry(cmd bed.Command, attempts int) retry.Decision {
	if h.def.DecideRetry != nil {
		if c, err := h.cast(cmd); err == nil {
			return h.def.DecideRetry(c, attempts)
		}
	}
	return h.def.Opts.Policy.Decide(attempts)
}

func (h typed[C]) OnGiveUp(ctx context.Context, cmd bed.Command) {
	if h.def.OnGiveUp == nil {
		return
	}
	if c, err := h.cast(cmd); err == nil {
		h.def.OnGiveUp(ctx, c)
	}
}

func (h typed[C]) cast(cmd bed.Command) (C, error) {
	c, ok := cmd.(C)
	if !ok {
		var zero C
		return zero, fmt.Errorf("handler %q: command type %T, want %T", h.def.Name, cmd, zero)
	}
	return c, nil
}
