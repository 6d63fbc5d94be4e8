// Package store defines the key/value + list facade the worker engine
// coordinates through. Keys passed to a Store are logical names such as
// "queue:mail"; implementations apply their own namespace prefix.
package store

import (
	"context"
	"time"
)

// Store is the full set of data-store operations the engine consumes.
//
// Reads of missing values return a nil slice and a nil error.
type Store interface {
	// Lists
	Push(ctx context.Context, key string, value []byte) (int64, error)
	Pop(ctx context.Context, key string) ([]byte, error)
	// BlockingPop waits up to timeout for an element on any of keys and
	// returns the key it came from. An empty key means nothing arrived.
	BlockingPop(ctx context.Context, keys []string, timeout time.Duration) (string, []byte, error)
	// Rotate atomically moves the tail of src onto the head of dst.
	Rotate(ctx context.Context, src, dst string) ([]byte, error)
	Length(ctx context.Context, key string) (int64, error)
	Range(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	Trim(ctx context.Context, key string, start, stop int64) error

	// Sets
	SetAdd(ctx context.Context, key, member string) error
	SetRemove(ctx context.Context, key, member string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	SetIsMember(ctx context.Context, key, member string) (bool, error)

	// Strings
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)

	// Connection management
	Close() error
}

// Dialer opens a fresh Store. Process-isolation strategies use it so a
// child never shares a live connection with its parent.
type Dialer func(ctx context.Context) (Store, error)
