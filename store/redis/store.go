// Package redis implements store.Store on top of a redigo connection pool.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BranchIntl/goresque/errors"
	internalredis "github.com/BranchIntl/goresque/internal/redis"
	"github.com/gomodule/redigo/redis"
)

// RedisStore implements store.Store for Redis
type RedisStore struct {
	pool      *redis.Pool
	namespace string
	options   Options
}

// NewStore creates a store; call Connect before use
func NewStore(options Options) *RedisStore {
	return &RedisStore{
		namespace: options.Namespace,
		options:   options,
	}
}

// Connect creates the pool and verifies the server answers PING
func (r *RedisStore) Connect(ctx context.Context) error {
	r.pool = internalredis.NewPool(r.options.Options)

	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := redis.DoContext(conn, ctx, "PING"); err != nil {
		return errors.NewConnectionError(r.options.URI, fmt.Errorf("ping failed: %w", err))
	}
	return nil
}

// Close closes the connection pool
func (r *RedisStore) Close() error {
	if r.pool != nil {
		return r.pool.Close()
	}
	return nil
}

func (r *RedisStore) key(k string) string {
	return r.namespace + k
}

func (r *RedisStore) do(ctx context.Context, op, key, cmd string, args ...interface{}) (interface{}, error) {
	if r.pool == nil {
		return nil, errors.ErrNotConnected
	}

	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, errors.NewStoreError(op, key, err)
	}
	defer conn.Close()

	reply, err := redis.DoContext(conn, ctx, cmd, args...)
	if err != nil {
		return nil, errors.NewStoreError(op, key, err)
	}
	return reply, nil
}

func bytesOrNil(reply interface{}, err error) ([]byte, error) {
	if err != nil || reply == nil {
		return nil, err
	}
	return redis.Bytes(reply, nil)
}

// Push appends value to the list at key
func (r *RedisStore) Push(ctx context.Context, key string, value []byte) (int64, error) {
	return redis.Int64(r.do(ctx, "rpush", key, "RPUSH", r.key(key), value))
}

// Pop removes the head of the list at key
func (r *RedisStore) Pop(ctx context.Context, key string) ([]byte, error) {
	return bytesOrNil(r.do(ctx, "lpop", key, "LPOP", r.key(key)))
}

// BlockingPop issues BLPOP across keys. A non-positive timeout becomes a
// single LPOP sweep since BLPOP 0 never returns.
func (r *RedisStore) BlockingPop(ctx context.Context, keys []string, timeout time.Duration) (string, []byte, error) {
	if timeout <= 0 {
		for _, k := range keys {
			v, err := r.Pop(ctx, k)
			if err != nil || v != nil {
				return k, v, err
			}
		}
		return "", nil, nil
	}
	if r.pool == nil {
		return "", nil, errors.ErrNotConnected
	}

	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return "", nil, errors.NewStoreError("blpop", strings.Join(keys, ","), err)
	}
	defer conn.Close()

	args := make([]interface{}, 0, len(keys)+1)
	for _, k := range keys {
		args = append(args, r.key(k))
	}
	args = append(args, strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64))

	// the deadline has to outlast the server-side wait; cancelling ctx
	// abandons the connection mid-BLPOP
	waitCtx, cancel := context.WithTimeout(ctx, r.options.ReadTimeout+timeout)
	defer cancel()
	values, err := redis.Values(redis.DoContext(conn, waitCtx, "BLPOP", args...))
	if err == redis.ErrNil {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, errors.NewStoreError("blpop", strings.Join(keys, ","), err)
	}
	if len(values) != 2 {
		return "", nil, errors.NewStoreError("blpop", strings.Join(keys, ","),
			fmt.Errorf("unexpected reply length %d", len(values)))
	}

	key, _ := redis.String(values[0], nil)
	data, err := redis.Bytes(values[1], nil)
	if err != nil {
		return "", nil, errors.NewStoreError("blpop", key, err)
	}
	return strings.TrimPrefix(key, r.namespace), data, nil
}

// Rotate moves the tail of src onto the head of dst with RPOPLPUSH
func (r *RedisStore) Rotate(ctx context.Context, src, dst string) ([]byte, error) {
	return bytesOrNil(r.do(ctx, "rpoplpush", src, "RPOPLPUSH", r.key(src), r.key(dst)))
}

// Length returns LLEN of key
func (r *RedisStore) Length(ctx context.Context, key string) (int64, error) {
	return redis.Int64(r.do(ctx, "llen", key, "LLEN", r.key(key)))
}

// Range returns LRANGE of key
func (r *RedisStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	return redis.ByteSlices(r.do(ctx, "lrange", key, "LRANGE", r.key(key), start, stop))
}

// Trim applies LTRIM to key
func (r *RedisStore) Trim(ctx context.Context, key string, start, stop int64) error {
	_, err := r.do(ctx, "ltrim", key, "LTRIM", r.key(key), start, stop)
	return err
}

// SetAdd adds member to the set at key
func (r *RedisStore) SetAdd(ctx context.Context, key, member string) error {
	_, err := r.do(ctx, "sadd", key, "SADD", r.key(key), member)
	return err
}

// SetRemove removes member from the set at key
func (r *RedisStore) SetRemove(ctx context.Context, key, member string) error {
	_, err := r.do(ctx, "srem", key, "SREM", r.key(key), member)
	return err
}

// SetMembers returns the members of the set at key
func (r *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	return redis.Strings(r.do(ctx, "smembers", key, "SMEMBERS", r.key(key)))
}

// SetIsMember reports SISMEMBER
func (r *RedisStore) SetIsMember(ctx context.Context, key, member string) (bool, error) {
	return redis.Bool(r.do(ctx, "sismember", key, "SISMEMBER", r.key(key), member))
}

// Get returns the string at key, nil when missing
func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	return bytesOrNil(r.do(ctx, "get", key, "GET", r.key(key)))
}

// Set stores value at key
func (r *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := r.do(ctx, "set", key, "SET", r.key(key), value)
	return err
}

// Delete removes keys and returns how many existed
func (r *RedisStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = r.key(k)
	}
	return redis.Int64(r.do(ctx, "del", strings.Join(keys, ","), "DEL", args...))
}

// Exists reports whether key exists
func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	return redis.Bool(r.do(ctx, "exists", key, "EXISTS", r.key(key)))
}

// Expire sets a TTL on key, in whole seconds
func (r *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := r.do(ctx, "expire", key, "EXPIRE", r.key(key), int64(ttl/time.Second))
	return err
}

// Incr increments the counter at key
func (r *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return redis.Int64(r.do(ctx, "incr", key, "INCR", r.key(key)))
}
