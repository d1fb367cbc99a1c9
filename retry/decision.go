// Package retry decides whether a task that did not complete is tried
// again and after how long.
//
// A Policy maps an attempt count to a Decision. The engine asks the policy
// with attempts = 0 at submission time, where it must allow the first
// attempt, and with the updated count after every incomplete execution.
// All built-in policies are stateless and safe for concurrent use.
package retry

import (
	"errors"
	"fmt"
	"time"
)

// ErrNegativeDelay is returned by NewAfter for a negative delay.
var ErrNegativeDelay = errors.New("retry: negative delay")

// Decision is the immutable outcome of a retry policy. The zero value is
// the same as Stop().
type Decision struct {
	retry bool
	delay time.Duration
}

// Stop returns a decision that gives up. Its delay is always zero.
func Stop() Decision { return Decision{} }

// After returns a decision to retry once delay has elapsed. It panics if
// delay is negative; use NewAfter when the delay comes from input.
func After(delay time.Duration) Decision {
	d, err := NewAfter(delay)
	if err != nil {
		panic(err)
	}
	return d
}

// NewAfter is like After but reports a negative delay as an error.
func NewAfter(delay time.Duration) (Decision, error) {
	if delay < 0 {
		return Decision{}, fmt.Errorf("%w: %s", ErrNegativeDelay, delay)
	}
	return Decision{retry: true, delay: delay}, nil
}

// ShouldRetry reports whether another attempt is allowed.
func (d Decision) ShouldRetry() bool { return d.retry }

// Delay returns how long to wait before the next attempt. It is zero when
// ShouldRetry is false.
func (d Decision) Delay() time.Duration { return d.delay }

func (d Decision) String() string {
	if !d.retry {
		return "stop"
	}
	return "retry after " + d.delay.String()
}
