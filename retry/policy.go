package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Policy decides what happens after a given number of attempts.
type Policy interface {
	// Decide is called with attempts = 0 before the first execution, and
	// with the number of executions so far after each incomplete one.
	Decide(attempts int) Decision
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(attempts int) Decision

// Decide calls f.
func (f PolicyFunc) Decide(attempts int) Decision { return f(attempts) }

// ──────────────────────────────────────────────────
// Fixed
// ──────────────────────────────────────────────────

// Fixed retries up to MaxRetries times with a constant delay. A task that
// never completes is executed MaxRetries+1 times in total.
type Fixed struct {
	MaxRetries int
	Delay      time.Duration
}

// Decide allows the first attempt immediately and every retry after Delay.
func (f Fixed) Decide(attempts int) Decision {
	switch {
	case attempts <= 0:
		return After(0)
	case attempts > f.MaxRetries:
		return Stop()
	default:
		return After(f.Delay)
	}
}

// ──────────────────────────────────────────────────
// Listed
// ──────────────────────────────────────────────────

// Listed takes one delay per execution: Delays[0] is applied before the
// first execution, Delays[n] before execution n+1. A list of two delays
// executes a task at most twice.
type Listed struct {
	Delays []time.Duration
}

// NewListed validates the delays and returns a Listed policy.
func NewListed(delays ...time.Duration) (Listed, error) {
	if len(delays) == 0 {
		return Listed{}, errors.New("retry: listed policy needs at least one delay")
	}
	for i, d := range delays {
		if d < 0 {
			return Listed{}, fmt.Errorf("%w: delays[%d] = %s", ErrNegativeDelay, i, d)
		}
	}
	return Listed{Delays: append([]time.Duration(nil), delays...)}, nil
}

// Decide returns the delay at index attempts, or Stop past the end.
func (l Listed) Decide(attempts int) Decision {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= len(l.Delays) {
		return Stop()
	}
	return After(max(l.Delays[attempts], 0))
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay after every failure, starting at Base and
// capped at Max, for at most MaxRetries retries. With Jitter set the delay
// is drawn uniformly from [0, computed delay].
type Exponential struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
	Jitter     bool
}

// Decide returns Base * 2^(attempts-1), capped at Max.
func (e Exponential) Decide(attempts int) Decision {
	if attempts <= 0 {
		return After(0)
	}
	if attempts > e.MaxRetries {
		return Stop()
	}
	d := float64(e.Base) * math.Pow(2, float64(attempts-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	// float64(math.MaxInt64) rounds up to 2^63, which overflows Duration.
	limit := float64(math.MaxInt64)
	if d > limit {
		d = limit
	}
	if e.Jitter {
		d = rand.Float64() * d //nolint:gosec // jitter intentionally uses non-crypto rand
	}
	if d >= limit {
		return After(time.Duration(math.MaxInt64))
	}
	return After(time.Duration(d))
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultPolicy is used by handlers that do not configure one: ten
// retries, thirty seconds apart.
func DefaultPolicy() Policy {
	return Fixed{MaxRetries: 10, Delay: 30 * time.Second}
}
