package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/bed/store"
	bunstore "github.com/xraph/bed/store/bun"
	"github.com/xraph/bed/store/memory"
	"github.com/xraph/bed/store/mongo"
	"github.com/xraph/bed/store/postgres"
	"github.com/xraph/bed/store/redis"
)

// ownedStore closes the client bedd opened for a store that does not own
// its connection.
type ownedStore struct {
	store.Store
	closeFn func() error
}

func (o ownedStore) Close() error {
	if err := o.Store.Close(); err != nil {
		return err
	}
	return o.closeFn()
}

func openStore(ctx context.Context, kind, dsn string, logger *slog.Logger) (store.Store, error) {
	if kind != "memory" && dsn == "" {
		return nil, fmt.Errorf("store %q requires -dsn", kind)
	}

	switch kind {
	case "memory":
		return memory.New(), nil

	case "postgres":
		s, err := postgres.New(ctx, dsn, postgres.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil

	case "bun":
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
		db := bun.NewDB(sqldb, pgdialect.New())
		return ownedStore{Store: bunstore.New(db, bunstore.WithLogger(logger)), closeFn: db.Close}, nil

	case "redis":
		opts, err := redisOptions(dsn)
		if err != nil {
			return nil, err
		}
		client := goredis.NewClient(opts)
		return ownedStore{Store: redis.New(client, redis.WithLogger(logger)), closeFn: client.Close}, nil

	case "mongo":
		client, err := mongod.Connect(options.Client().ApplyURI(dsn))
		if err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		dbName := "bed"
		if u, parseErr := url.Parse(dsn); parseErr == nil && strings.Trim(u.Path, "/") != "" {
			dbName = strings.Trim(u.Path, "/")
		}
		return ownedStore{
			Store:   mongo.New(client.Database(dbName), mongo.WithLogger(logger)),
			closeFn: func() error { return client.Disconnect(context.Background()) },
		}, nil

	default:
		return nil, fmt.Errorf("unknown store %q", kind)
	}
}

// redisOptions accepts either a redis:// URL or a bare host:port.
func redisOptions(dsn string) (*goredis.Options, error) {
	if strings.Contains(dsn, "://") {
		opts, err := goredis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return opts, nil
	}
	return &goredis.Options{Addr: dsn}, nil
}
