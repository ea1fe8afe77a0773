package mirror

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Mirror backed by a Redis instance, for deployments that want
// the cache shared across console restarts without running a database.
//
// Ownership model:
// - Redis does NOT own the client. The caller must close it.
// - Close() is therefore a no-op.
type Redis struct {
	rdb       *redis.Client
	namespace string
	ttl       time.Duration
}

// RedisOption configures Redis behavior.
type RedisOption func(*Redis) error

// WithNamespace sets the key namespace prepended to every mirror key
// (default: "genesis:mirror:").
func WithNamespace(ns string) RedisOption {
	return func(r *Redis) error {
		if strings.TrimSpace(ns) == "" {
			return errors.New("mirror: empty namespace")
		}
		r.namespace = ns
		return nil
	}
}

// WithTTL expires snapshots after d. Zero (the default) keeps them forever;
// the engine rewrites snapshots on every change, so a TTL only trims
// abandoned conversations.
func WithTTL(d time.Duration) RedisOption {
	return func(r *Redis) error {
		if d < 0 {
			return errors.New("mirror: negative ttl")
		}
		r.ttl = d
		return nil
	}
}

// NewRedis constructs a Redis-backed Mirror and verifies connectivity.
func NewRedis(ctx context.Context, rdb *redis.Client, opts ...RedisOption) (*Redis, error) {
	r := &Redis{
		rdb:       rdb,
		namespace: "genesis:mirror:",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.rdb == nil {
		return nil, errors.New("mirror: nil redis client")
	}
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return r, nil
}

// Close is a no-op because the client is owned by the caller.
func (r *Redis) Close() error { return nil }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.rdb.Get(ctx, r.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis get %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return value, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.rdb.Set(ctx, r.namespace+key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (r *Redis) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	// Mirror keys are normalized addresses under a fixed prefix, so the
	// MATCH glob cannot be widened by user input.
	match := r.namespace + prefix + "*"

	var keys []string
	iter := r.rdb.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.namespace))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan %q: %w", prefix, err)
	}

	sort.Strings(keys)
	return keys, nil
}
