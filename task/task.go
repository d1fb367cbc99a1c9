package task

import (
	"time"
	"unicode/utf8"

	"github.com/xraph/bed"
	"github.com/xraph/bed/retry"
)

// MaxMessageLength bounds LastMessage, in runes.
const MaxMessageLength = 100

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusInit means the task was submitted and never executed.
	StatusInit Status = "init"
	// StatusExecuting means an instance holds a claim on the task.
	StatusExecuting Status = "executing"
	// StatusRetrying means the last attempt was incomplete and the retry
	// policy allows another one.
	StatusRetrying Status = "retrying"
	// StatusSucceed means the handler completed the task.
	StatusSucceed Status = "succeed"
	// StatusFailed means the retry policy gave up.
	StatusFailed Status = "failed"
	// StatusUnrecognized means the handler or the payload could not be
	// resolved when the task was dispatched.
	StatusUnrecognized Status = "unrecognized"
)

// Runnable reports whether an unclaimed task in this status may be
// claimed.
func (s Status) Runnable() bool {
	return s == StatusInit || s == StatusRetrying
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceed || s == StatusFailed || s == StatusUnrecognized
}

// Requeueable reports whether an operator may put the task back in the
// retry cycle.
func (s Status) Requeueable() bool {
	return s == StatusFailed || s == StatusUnrecognized
}

// Task is a persisted unit of work.
type Task struct {
	// ID is the caller-assigned idempotency key, unique per partition.
	ID        string `json:"id"`
	Partition string `json:"partition"`

	HandlerType string `json:"handler_type"`
	Resource    string `json:"resource"`

	Attempts int    `json:"attempts"`
	Status   Status `json:"status"`

	// NextDelay is the delay the retry policy asked for after the last
	// decision. NextRunAt is the earliest time a runnable task is claimed.
	NextDelay time.Duration `json:"next_delay"`
	NextRunAt time.Time     `json:"next_run_at"`

	TraceID     string `json:"trace_id,omitempty"`
	LastMessage string `json:"last_message,omitempty"`
	Payload     []byte `json:"payload"`

	// ClaimOwner is the instance holding the claim. Empty when unclaimed.
	ClaimOwner string `json:"claim_owner,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Succeed records a completed attempt.
func (t *Task) Succeed(now time.Time) {
	t.Attempts++
	t.Status = StatusSucceed
	t.NextDelay = 0
	t.NextRunAt = now
	t.LastMessage = ""
	t.ClaimOwner = ""
	t.UpdatedAt = now
}

// Fail records an incomplete attempt. The task becomes retrying when d
// allows a retry and failed otherwise.
func (t *Task) Fail(d retry.Decision, msg string, now time.Time) {
	t.Attempts++
	t.LastMessage = Truncate(msg, MaxMessageLength)
	t.NextDelay = d.Delay()
	t.NextRunAt = now.Add(d.Delay())
	t.ClaimOwner = ""
	t.UpdatedAt = now
	if d.ShouldRetry() {
		t.Status = StatusRetrying
	} else {
		t.Status = StatusFailed
	}
}

// MarkUnrecognized records that the task could not be resolved. Attempts
// is left unchanged since the handler never ran.
func (t *Task) MarkUnrecognized(reason string, now time.Time) {
	t.Status = StatusUnrecognized
	t.LastMessage = Truncate(reason, MaxMessageLength)
	t.NextDelay = 0
	t.ClaimOwner = ""
	t.UpdatedAt = now
}

// Requeue puts a failed or unrecognized task back in the retry cycle,
// runnable right away. Attempts is kept.
func (t *Task) Requeue(now time.Time) error {
	if !t.Status.Requeueable() {
		return bed.ErrInvalidState
	}
	t.Status = StatusRetrying
	t.NextDelay = 0
	t.NextRunAt = now
	t.ClaimOwner = ""
	t.UpdatedAt = now
	return nil
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Payload != nil {
		cp.Payload = append([]byte(nil), t.Payload...)
	}
	return &cp
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
