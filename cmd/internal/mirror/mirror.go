// Package mirror provides the durable key/value mirror behind the sync
// engine's in-memory state.
//
// The mirror is a write-through cache: the engine writes conversation
// snapshots into it and reads them back only during reconciliation. It is
// never consulted as a second source of truth at runtime, so every
// implementation may be eventually consistent with memory.
package mirror

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("mirror: key not found")

// Mirror persists opaque snapshot bytes per key.
//
// Requirements:
//   - Get returns ErrNotFound (possibly wrapped) for absent keys
//   - Set overwrites atomically per key
//   - ListKeys returns every key with the given prefix, sorted ascending
type Mirror interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
