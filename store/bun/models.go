package bunstore

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/bed/task"
)

type taskModel struct {
	bun.BaseModel `bun:"table:bed_tasks"`

	Partition   string    `bun:"partition,pk"`
	TaskID      string    `bun:"task_id,pk"`
	HandlerType string    `bun:"handler_type,notnull"`
	Resource    string    `bun:"resource,notnull"`
	Attempts    int       `bun:"attempts,notnull"`
	Status      string    `bun:"status,notnull"`
	NextDelayMs int64     `bun:"next_delay_ms,notnull"`
	NextRunAt   time.Time `bun:"next_run_at,notnull"`
	TraceID     string    `bun:"trace_id,notnull"`
	LastMessage string    `bun:"last_message,notnull"`
	Payload     []byte    `bun:"payload,notnull,type:bytea"`
	ClaimOwner  string    `bun:"claim_owner,nullzero"`
	CreatedAt   time.Time `bun:"created_at,notnull"`
	UpdatedAt   time.Time `bun:"updated_at,notnull"`
}

func toTaskModel(t *task.Task) *taskModel {
	return &taskModel{
		Partition:   t.Partition,
		TaskID:      t.ID,
		HandlerType: t.HandlerType,
		Resource:    t.Resource,
		Attempts:    t.Attempts,
		Status:      string(t.Status),
		NextDelayMs: t.NextDelay.Milliseconds(),
		NextRunAt:   t.NextRunAt,
		TraceID:     t.TraceID,
		LastMessage: t.LastMessage,
		Payload:     t.Payload,
		ClaimOwner:  t.ClaimOwner,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func fromTaskModel(m *taskModel) *task.Task {
	return &task.Task{
		ID:          m.TaskID,
		Partition:   m.Partition,
		HandlerType: m.HandlerType,
		Resource:    m.Resource,
		Attempts:    m.Attempts,
		Status:      task.Status(m.Status),
		NextDelay:   time.Duration(m.NextDelayMs) * time.Millisecond,
		NextRunAt:   m.NextRunAt.UTC(),
		TraceID:     m.TraceID,
		LastMessage: m.LastMessage,
		Payload:     m.Payload,
		ClaimOwner:  m.ClaimOwner,
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
	}
}

func fromTaskModels(models []taskModel) []*task.Task {
	tasks := make([]*task.Task, len(models))
	for i := range models {
		tasks[i] = fromTaskModel(&models[i])
	}
	return tasks
}
