package main

import (
	"context"
	"log/slog"
	"testing"
)

func TestOpenStore_Memory(t *testing.T) {
	s, err := openStore(context.Background(), "memory", "", slog.Default())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestOpenStore_Errors(t *testing.T) {
	ctx := context.Background()
	if _, err := openStore(ctx, "postgres", "", slog.Default()); err == nil {
		t.Error("expected error for missing dsn")
	}
	if _, err := openStore(ctx, "cassandra", "x", slog.Default()); err == nil {
		t.Error("expected error for unknown store")
	}
}

func TestRedisOptions(t *testing.T) {
	opts, err := redisOptions("localhost:6380")
	if err != nil || opts.Addr != "localhost:6380" {
		t.Fatalf("bare addr: %+v %v", opts, err)
	}

	opts, err = redisOptions("redis://:secret@cache:6379/2")
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if opts.Addr != "cache:6379" || opts.DB != 2 || opts.Password != "secret" {
		t.Errorf("parsed %+v", opts)
	}
}
