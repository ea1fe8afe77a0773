package mirror

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/ids"
)

// Integration tests are enabled when GENESIS_TEST_DATABASE_URL or
// GENESIS_TEST_REDIS_ADDR is set. This keeps local "go test ./..." fast and
// deterministic without requiring Postgres or Redis.

func TestPostgres_Conformance(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	schema := "genesis_it_" + ids.NewRandomHex(6)
	p, err := NewPostgres(ctx, pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres mirror: %v", err)
	}
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dropCancel()
		if _, err := pool.Exec(dropCtx, `DROP SCHEMA IF EXISTS "`+schema+`" CASCADE`); err != nil {
			t.Errorf("drop schema %s: %v", schema, err)
		}
	})

	testMirrorConformance(t, p)
}

func TestPostgres_RejectsBadSchema(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := NewPostgres(ctx, pool, WithSchema(`x"; DROP TABLE y; --`)); err == nil {
		t.Fatal("expected invalid schema identifier to be rejected")
	}
}

func TestRedis_Conformance(t *testing.T) {
	t.Parallel()

	addr := strings.TrimSpace(os.Getenv("GENESIS_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("integration test skipped: GENESIS_TEST_REDIS_ADDR is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	// Unique namespace per run so parallel CI jobs cannot collide.
	ns := "genesis:it:" + ids.NewRandomHex(6) + ":"
	r, err := NewRedis(ctx, rdb, WithNamespace(ns))
	if err != nil {
		t.Fatalf("new redis mirror: %v", err)
	}
	t.Cleanup(func() {
		cleanCtx, cleanCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cleanCancel()
		iter := rdb.Scan(cleanCtx, 0, ns+"*", 100).Iterator()
		for iter.Next(cleanCtx) {
			rdb.Del(cleanCtx, iter.Val())
		}
	})

	testMirrorConformance(t, r)
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("GENESIS_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: GENESIS_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse GENESIS_TEST_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping postgres: %v", err)
	}
	return pool
}
