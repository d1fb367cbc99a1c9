package bed

import "fmt"

// Immediacy controls whether Submit also runs the first attempt right
// away. Every mode persists the task identically; immediacy only adds an
// early attempt.
type Immediacy int

const (
	// ImmediacyNone leaves the task to the dispatcher.
	ImmediacyNone Immediacy = iota
	// ImmediacyAtCaller runs the first attempt on the submitting goroutine
	// and returns once its outcome is persisted.
	ImmediacyAtCaller
	// ImmediacyAtBed hands the first attempt to the resource's worker pool
	// and returns without waiting for it.
	ImmediacyAtBed
)

// String returns the immediacy mode name.
func (m Immediacy) String() string {
	switch m {
	case ImmediacyNone:
		return "none"
	case ImmediacyAtCaller:
		return "at_caller"
	case ImmediacyAtBed:
		return "at_bed"
	default:
		return fmt.Sprintf("immediacy(%d)", int(m))
	}
}

// Command is the payload handed to a handler. TaskID is the caller-chosen
// idempotency key and must be unique within the partition.
type Command interface {
	TaskID() string
	Immediacy() Immediacy
}

// BaseCommand implements Command and is meant to be embedded in command
// structs.
type BaseCommand struct {
	ID   string    `json:"task_id" msgpack:"task_id"`
	Mode Immediacy `json:"immediacy,omitempty" msgpack:"immediacy,omitempty"`
}

// TaskID implements Command.
func (c BaseCommand) TaskID() string { return c.ID }

// Immediacy implements Command.
func (c BaseCommand) Immediacy() Immediacy { return c.Mode }
