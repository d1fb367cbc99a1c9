package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/bed"
	"github.com/xraph/bed/store"
)

// colTasks is the task collection name.
const colTasks = "bed_tasks"

// Ensure Store implements store.Store at compile time.
var _ store.Store = (*Store)(nil)

// Store is a MongoDB implementation of store.Store.
// The caller owns the *mongo.Database lifecycle; Store never closes it.
type Store struct {
	db     *mongod.Database
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a new MongoDB store.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database for advanced usage.
func (s *Store) DB() *mongod.Database {
	return s.db
}

// Migrate creates the task collection indexes.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.tasks().Indexes().CreateMany(ctx, migrationIndexes())
	if err != nil {
		return fmt.Errorf("%w: mongo: create %s indexes: %w", bed.ErrMigrationFailed, colTasks, err)
	}
	s.logger.Debug("mongo indexes ensured", slog.String("collection", colTasks))
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error {
	return nil
}

func (s *Store) tasks() *mongod.Collection {
	return s.db.Collection(colTasks)
}

// ── helpers ──────────────────────────────────────────────────────

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for the task collection.
func migrationIndexes() []mongod.IndexModel {
	return []mongod.IndexModel{
		// Task ids are unique per partition.
		{
			Keys:    bson.D{{Key: "partition", Value: 1}, {Key: "task_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		// Claim index.
		{Keys: bson.D{
			{Key: "partition", Value: 1},
			{Key: "resource", Value: 1},
			{Key: "status", Value: 1},
			{Key: "next_run_at", Value: 1},
		}},
		// Held tasks per owner.
		{Keys: bson.D{
			{Key: "partition", Value: 1},
			{Key: "resource", Value: 1},
			{Key: "claim_owner", Value: 1},
		}},
		// Purge index.
		{Keys: bson.D{
			{Key: "partition", Value: 1},
			{Key: "status", Value: 1},
			{Key: "updated_at", Value: 1},
		}},
	}
}
