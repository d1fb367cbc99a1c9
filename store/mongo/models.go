package mongo

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/bed/task"
)

type taskModel struct {
	ID          bson.ObjectID `bson:"_id,omitempty"`
	Partition   string        `bson:"partition"`
	TaskID      string        `bson:"task_id"`
	HandlerType string        `bson:"handler_type"`
	Resource    string        `bson:"resource"`
	Attempts    int           `bson:"attempts"`
	Status      string        `bson:"status"`
	NextDelayMs int64         `bson:"next_delay_ms"`
	NextRunAt   time.Time     `bson:"next_run_at"`
	TraceID     string        `bson:"trace_id"`
	LastMessage string        `bson:"last_message"`
	Payload     []byte        `bson:"payload"`
	ClaimOwner  string        `bson:"claim_owner"`
	CreatedAt   time.Time     `bson:"created_at"`
	UpdatedAt   time.Time     `bson:"updated_at"`
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

// literal wraps a caller-supplied value so update pipelines never read it
// as a field path or an operator.
func literal(v any) bson.M {
	return bson.M{"$literal": v}
}
