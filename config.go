package bed

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultResource is the resource name used by handlers that do not pick
// one.
const DefaultResource = "default"

// Overflow selects what a worker pool does when its queue is full.
type Overflow string

const (
	// OverflowBlock makes submissions wait for queue space.
	OverflowBlock Overflow = "block"
	// OverflowReject makes submissions fail with ErrPoolFull.
	OverflowReject Overflow = "reject"
)

// PoolConfig sizes the worker pool of one resource.
type PoolConfig struct {
	// Workers is the number of goroutines executing tasks.
	Workers int `toml:"workers"`

	// QueueSize is the number of tasks that may wait for a worker.
	QueueSize int `toml:"queue_size"`

	// Overflow is the policy applied when the queue is full.
	Overflow Overflow `toml:"overflow"`
}

// PollConfig controls the dispatcher loop of one resource.
type PollConfig struct {
	// Interval is the base wait between two polls.
	Interval time.Duration `toml:"interval"`

	// Jitter is the upper bound of the random delay added to Interval.
	Jitter time.Duration `toml:"jitter"`

	// BatchSize is the maximum number of tasks claimed per poll.
	BatchSize int `toml:"batch_size"`

	// RateLimit caps claim calls per second. Zero disables the limiter.
	RateLimit float64 `toml:"rate_limit"`

	// RateBurst is the limiter burst size.
	RateBurst int `toml:"rate_burst"`
}

// JanitorConfig controls purging of old succeeded tasks.
type JanitorConfig struct {
	// Schedule is a cron spec ("@every 1h", "0 3 * * *"). Empty disables
	// the janitor.
	Schedule string `toml:"schedule"`

	// Retention is how long succeeded tasks are kept.
	Retention time.Duration `toml:"retention"`
}

// Config holds configuration for an engine instance.
type Config struct {
	// Partition scopes claims. An instance only claims tasks of its own
	// partition, and task ids are unique per partition.
	Partition string `toml:"partition"`

	// InstanceID is written as claim owner. Generated when empty. It must
	// be unique across every instance sharing the store.
	InstanceID string `toml:"instance_id"`

	// Lease is how long a claim is honoured before the task is
	// considered abandoned and may be reclaimed.
	Lease time.Duration `toml:"lease"`

	// ShutdownTimeout bounds how long Stop waits for running tasks.
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`

	// DefaultPool applies to resources without an entry in Pools, and
	// fills zero fields of the entries that exist.
	DefaultPool PoolConfig            `toml:"default_pool"`
	Pools       map[string]PoolConfig `toml:"pools"`

	// DefaultPoll applies to resources without an entry in Polls, and
	// fills zero fields of the entries that exist.
	DefaultPoll PollConfig            `toml:"default_poll"`
	Polls       map[string]PollConfig `toml:"polls"`

	Janitor JanitorConfig `toml:"janitor"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Partition:       "default",
		Lease:           5 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
		DefaultPool: PoolConfig{
			Workers:   20,
			QueueSize: 8192,
			Overflow:  OverflowBlock,
		},
		DefaultPoll: PollConfig{
			Interval:  30 * time.Second,
			Jitter:    10 * time.Second,
			BatchSize: 100,
		},
		Janitor: JanitorConfig{
			Retention: 7 * 24 * time.Hour,
		},
	}
}

// PoolFor returns the effective pool configuration of a resource.
func (c Config) PoolFor(resource string) PoolConfig {
	pc, ok := c.Pools[resource]
	if !ok {
		return c.DefaultPool
	}
	if pc.Workers == 0 {
		pc.Workers = c.DefaultPool.Workers
	}
	if pc.QueueSize == 0 {
		pc.QueueSize = c.DefaultPool.QueueSize
	}
	if pc.Overflow == "" {
		pc.Overflow = c.DefaultPool.Overflow
	}
	return pc
}

// PollFor returns the effective poll configuration of a resource.
func (c Config) PollFor(resource string) PollConfig {
	pc, ok := c.Polls[resource]
	if !ok {
		return c.DefaultPoll
	}
	if pc.Interval == 0 {
		pc.Interval = c.DefaultPoll.Interval
	}
	if pc.Jitter == 0 {
		pc.Jitter = c.DefaultPoll.Jitter
	}
	if pc.BatchSize == 0 {
		pc.BatchSize = c.DefaultPoll.BatchSize
	}
	if pc.RateLimit == 0 {
		pc.RateLimit = c.DefaultPoll.RateLimit
	}
	if pc.RateBurst == 0 {
		pc.RateBurst = c.DefaultPoll.RateBurst
	}
	return pc
}

// Validate checks the configuration and returns every problem found,
// joined and wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	var errs []error
	if c.Partition == "" {
		errs = append(errs, errors.New("partition must not be empty"))
	}
	if c.Lease <= 0 {
		errs = append(errs, fmt.Errorf("lease must be positive, got %s", c.Lease))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must not be negative, got %s", c.ShutdownTimeout))
	}

	errs = append(errs, validatePool("default_pool", c.DefaultPool)...)
	for name := range c.Pools {
		errs = append(errs, validatePool("pools."+name, c.PoolFor(name))...)
	}
	errs = append(errs, validatePoll("default_poll", c.DefaultPoll)...)
	for name := range c.Polls {
		errs = append(errs, validatePoll("polls."+name, c.PollFor(name))...)
	}

	if c.Janitor.Schedule != "" && c.Janitor.Retention <= 0 {
		errs = append(errs, errors.New("janitor.retention must be positive when a schedule is set"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func validatePool(key string, pc PoolConfig) []error {
	var errs []error
	if pc.Workers <= 0 {
		errs = append(errs, fmt.Errorf("%s.workers must be positive, got %d", key, pc.Workers))
	}
	if pc.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("%s.queue_size must not be negative, got %d", key, pc.QueueSize))
	}
	switch pc.Overflow {
	case OverflowBlock, OverflowReject:
	default:
		errs = append(errs, fmt.Errorf("%s.overflow must be %q or %q, got %q", key, OverflowBlock, OverflowReject, pc.Overflow))
	}
	return errs
}

func validatePoll(key string, pc PollConfig) []error {
	var errs []error
	if pc.Interval <= 0 {
		errs = append(errs, fmt.Errorf("%s.interval must be positive, got %s", key, pc.Interval))
	}
	if pc.Jitter < 0 {
		errs = append(errs, fmt.Errorf("%s.jitter must not be negative, got %s", key, pc.Jitter))
	}
	if pc.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("%s.batch_size must be positive, got %d", key, pc.BatchSize))
	}
	if pc.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("%s.rate_limit must not be negative, got %g", key, pc.RateLimit))
	}
	return errs
}

// LoadConfig reads a TOML file on top of DefaultConfig and validates the
// result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("bed: load config %s: %w", path, err)
	}
	return finishDecode(cfg, md)
}

// DecodeConfig reads TOML from r on top of DefaultConfig and validates the
// result.
func DecodeConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("bed: decode config: %w", err)
	}
	return finishDecode(cfg, md)
}

func finishDecode(cfg Config, md toml.MetaData) (Config, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: unknown keys: %s", ErrInvalidConfig, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
