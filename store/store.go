// Package store defines the aggregate persistence interface implemented
// by every backend: memory, postgres (pgx), bun, redis and mongo.
package store

import (
	"context"

	"github.com/xraph/bed/task"
)

// Store is the aggregate persistence interface. A single backend
// implements the task contract plus its own lifecycle.
type Store interface {
	task.Store

	// Migrate creates or upgrades the schema (tables, indexes, scripts).
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}
