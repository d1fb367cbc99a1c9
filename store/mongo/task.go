package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/bed"
	"github.com/xraph/bed/task"
)

var runnableStatuses = bson.A{string(task.StatusInit), string(task.StatusRetrying)}

// claimSort orders candidates oldest next_run_at first.
var claimSort = bson.D{
	{Key: "next_run_at", Value: 1},
	{Key: "created_at", Value: 1},
	{Key: "task_id", Value: 1},
}

// leaseExpired matches executing tasks whose claim is older than lease.
func leaseExpired(lease time.Duration) bson.M {
	return bson.M{
		"status": string(task.StatusExecuting),
		"$expr": bson.M{"$lt": bson.A{
			"$updated_at",
			bson.M{"$subtract": bson.A{"$$NOW", lease.Milliseconds()}},
		}},
	}
}

// claimUpdate stamps owner and the server time on a claimed task.
func claimUpdate(owner string) mongod.Pipeline {
	return mongod.Pipeline{{{Key: "$set", Value: bson.D{
		{Key: "claim_owner", Value: literal(owner)},
		{Key: "status", Value: string(task.StatusExecuting)},
		{Key: "updated_at", Value: "$$NOW"},
	}}}}
}

func taskFilter(partition, taskID string) bson.M {
	return bson.M{"partition": partition, "task_id": taskID}
}

// ClaimRunnable claims up to opts.Limit due tasks of the resource and
// returns every task the owner holds there. Each claim is an atomic
// FindOneAndUpdate, so concurrent claimers never share a task.
func (s *Store) ClaimRunnable(ctx context.Context, opts task.ClaimOpts) ([]*task.Task, error) {
	col := s.tasks()
	filter := bson.M{
		"partition": opts.Partition,
		"resource":  opts.Resource,
		"$or": bson.A{
			bson.M{
				"status":      bson.M{"$in": runnableStatuses},
				"claim_owner": "",
				"$expr":       bson.M{"$lte": bson.A{"$next_run_at", "$$NOW"}},
			},
			leaseExpired(opts.Lease),
		},
	}
	findOpts := options.FindOneAndUpdate().SetSort(claimSort)

	for range opts.Limit {
		err := col.FindOneAndUpdate(ctx, filter, claimUpdate(opts.Owner), findOpts).Err()
		if err != nil {
			if isNoDocuments(err) {
				break
			}
			return nil, fmt.Errorf("bed/mongo: claim tasks: %w", err)
		}
	}

	cursor, err := col.Find(ctx, bson.M{
		"partition":   opts.Partition,
		"resource":    opts.Resource,
		"status":      string(task.StatusExecuting),
		"claim_owner": opts.Owner,
	}, options.Find().SetSort(claimSort))
	if err != nil {
		return nil, fmt.Errorf("bed/mongo: find claimed tasks: %w", err)
	}
	var models []taskModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("bed/mongo: decode claimed tasks: %w", err)
	}
	return fromTaskModels(models), nil
}

// ClaimTask claims one task regardless of its next_run_at.
func (s *Store) ClaimTask(ctx context.Context, partition, taskID, owner string, lease time.Duration) (bool, error) {
	filter := taskFilter(partition, taskID)
	filter["$or"] = bson.A{
		bson.M{"status": bson.M{"$in": runnableStatuses}, "claim_owner": ""},
		leaseExpired(lease),
	}

	res, err := s.tasks().UpdateOne(ctx, filter, claimUpdate(owner))
	if err != nil {
		return false, fmt.Errorf("bed/mongo: claim task: %w", err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}
	if err := s.exists(ctx, partition, taskID); err != nil {
		return false, err
	}
	return false, nil
}

// GetTask retrieves a task by partition and id.
func (s *Store) GetTask(ctx context.Context, partition, taskID string) (*task.Task, error) {
	var m taskModel
	err := s.tasks().FindOne(ctx, taskFilter(partition, taskID)).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, bed.ErrTaskNotFound
		}
		return nil, fmt.Errorf("bed/mongo: get task: %w", err)
	}
	return fromTaskModel(&m), nil
}

// InsertTask persists a new task. CreatedAt, UpdatedAt and NextRunAt come
// from the server clock and are written back to t.
//
// The insert is an upsert that only matches documents without created_at,
// which no stored task lacks; an existing id therefore trips the unique
// index instead of being overwritten.
func (s *Store) InsertTask(ctx context.Context, t *task.Task) error {
	filter := taskFilter(t.Partition, t.ID)
	filter["created_at"] = bson.M{"$exists": false}

	update := mongod.Pipeline{{{Key: "$set", Value: bson.D{
		{Key: "handler_type", Value: literal(t.HandlerType)},
		{Key: "resource", Value: literal(t.Resource)},
		{Key: "attempts", Value: t.Attempts},
		{Key: "status", Value: literal(string(t.Status))},
		{Key: "next_delay_ms", Value: t.NextDelay.Milliseconds()},
		{Key: "next_run_at", Value: bson.M{"$add": bson.A{"$$NOW", t.NextDelay.Milliseconds()}}},
		{Key: "trace_id", Value: literal(t.TraceID)},
		{Key: "last_message", Value: literal(t.LastMessage)},
		{Key: "payload", Value: literal(t.Payload)},
		{Key: "claim_owner", Value: literal(t.ClaimOwner)},
		{Key: "created_at", Value: "$$NOW"},
		{Key: "updated_at", Value: "$$NOW"},
	}}}}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var m taskModel
	err := s.tasks().FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return bed.ErrTaskAlreadyExists
		}
		return fmt.Errorf("bed/mongo: insert task: %w", err)
	}
	t.CreatedAt = m.CreatedAt.UTC()
	t.UpdatedAt = m.UpdatedAt.UTC()
	t.NextRunAt = m.NextRunAt.UTC()
	return nil
}

// UpdateAfterExecution persists the outcome of an execution held under
// owner's claim.
func (s *Store) UpdateAfterExecution(ctx context.Context, t *task.Task, owner string) error {
	filter := taskFilter(t.Partition, t.ID)
	filter["status"] = string(task.StatusExecuting)
	filter["claim_owner"] = owner

	update := mongod.Pipeline{{{Key: "$set", Value: bson.D{
		{Key: "attempts", Value: t.Attempts},
		{Key: "status", Value: literal(string(t.Status))},
		{Key: "last_message", Value: literal(t.LastMessage)},
		{Key: "next_delay_ms", Value: t.NextDelay.Milliseconds()},
		{Key: "next_run_at", Value: bson.M{"$add": bson.A{"$$NOW", t.NextDelay.Milliseconds()}}},
		{Key: "claim_owner", Value: literal(t.ClaimOwner)},
		{Key: "updated_at", Value: "$$NOW"},
	}}}}

	var m taskModel
	err := s.tasks().FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			if err := s.exists(ctx, t.Partition, t.ID); err != nil {
				return err
			}
			return bed.ErrClaimLost
		}
		return fmt.Errorf("bed/mongo: update task: %w", err)
	}
	t.UpdatedAt = m.UpdatedAt.UTC()
	t.NextRunAt = m.NextRunAt.UTC()
	return nil
}

// RequeueTask moves a failed or unrecognized task back to retrying.
func (s *Store) RequeueTask(ctx context.Context, partition, taskID string) error {
	filter := taskFilter(partition, taskID)
	filter["status"] = bson.M{"$in": bson.A{string(task.StatusFailed), string(task.StatusUnrecognized)}}

	update := mongod.Pipeline{{{Key: "$set", Value: bson.D{
		{Key: "status", Value: string(task.StatusRetrying)},
		{Key: "claim_owner", Value: ""},
		{Key: "next_delay_ms", Value: 0},
		{Key: "next_run_at", Value: "$$NOW"},
		{Key: "updated_at", Value: "$$NOW"},
	}}}}

	res, err := s.tasks().UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("bed/mongo: requeue task: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	if err := s.exists(ctx, partition, taskID); err != nil {
		return err
	}
	return bed.ErrInvalidState
}

// ListTasks returns tasks matching opts ordered by creation time.
func (s *Store) ListTasks(ctx context.Context, opts task.ListOpts) ([]*task.Task, error) {
	filter := bson.M{"partition": opts.Partition}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.Resource != "" {
		filter["resource"] = opts.Resource
	}
	if opts.HandlerType != "" {
		filter["handler_type"] = opts.HandlerType
	}

	findOpts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: 1},
		{Key: "task_id", Value: 1},
	})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}

	cursor, err := s.tasks().Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("bed/mongo: list tasks: %w", err)
	}
	var models []taskModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("bed/mongo: decode tasks: %w", err)
	}
	return fromTaskModels(models), nil
}

// CountTasks returns the number of tasks matching opts.
func (s *Store) CountTasks(ctx context.Context, opts task.CountOpts) (int64, error) {
	filter := bson.M{"partition": opts.Partition}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.Resource != "" {
		filter["resource"] = opts.Resource
	}

	n, err := s.tasks().CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("bed/mongo: count tasks: %w", err)
	}
	return n, nil
}

// PurgeTasks deletes tasks in the given statuses last updated before the
// cutoff.
func (s *Store) PurgeTasks(ctx context.Context, partition string, statuses []task.Status, before time.Time) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	names := make(bson.A, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	res, err := s.tasks().DeleteMany(ctx, bson.M{
		"partition":  partition,
		"status":     bson.M{"$in": names},
		"updated_at": bson.M{"$lt": before},
	})
	if err != nil {
		return 0, fmt.Errorf("bed/mongo: purge tasks: %w", err)
	}
	return res.DeletedCount, nil
}

// exists returns ErrTaskNotFound when no task has the id.
func (s *Store) exists(ctx context.Context, partition, taskID string) error {
	n, err := s.tasks().CountDocuments(ctx, taskFilter(partition, taskID), options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("bed/mongo: find task: %w", err)
	}
	if n == 0 {
		return bed.ErrTaskNotFound
	}
	return nil
}
