// Package goredis implements store.Store with github.com/redis/go-redis/v9.
package goredis

import (
	"context"
	"strings"
	"time"

	"github.com/BranchIntl/goresque/errors"
	"github.com/redis/go-redis/v9"
)

// Options for the go-redis store
type Options struct {
	URI       string
	Namespace string
	PoolSize  int
}

// DefaultOptions returns default options
func DefaultOptions() Options {
	return Options{
		URI:       "redis://localhost:6379/0",
		Namespace: "resque:",
		PoolSize:  10,
	}
}

// Store implements store.Store over a go-redis client
type Store struct {
	client    redis.UniversalClient
	namespace string
}

// New parses the URI and builds a client
func New(opts Options) (*Store, error) {
	ro, err := redis.ParseURL(opts.URI)
	if err != nil {
		return nil, errors.NewConnectionError(opts.URI, err)
	}
	if opts.PoolSize > 0 {
		ro.PoolSize = opts.PoolSize
	}
	return NewWithClient(redis.NewClient(ro), opts.Namespace), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client redis.UniversalClient, namespace string) *Store {
	return &Store{client: client, namespace: namespace}
}

// Ping verifies the server is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(k string) string {
	return s.namespace + k
}

func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return errors.NewStoreError(op, key, err)
}

func bytesOrNil(op, key string, b []byte, err error) ([]byte, error) {
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(op, key, err)
	}
	return b, nil
}

func (s *Store) Push(ctx context.Context, key string, value []byte) (int64, error) {
	n, err := s.client.RPush(ctx, s.key(key), value).Result()
	return n, wrap("rpush", key, err)
}

func (s *Store) Pop(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.LPop(ctx, s.key(key)).Bytes()
	return bytesOrNil("lpop", key, b, err)
}

// BlockingPop issues BLPOP. A non-positive timeout becomes one LPOP sweep.
func (s *Store) BlockingPop(ctx context.Context, keys []string, timeout time.Duration) (string, []byte, error) {
	if timeout <= 0 {
		for _, k := range keys {
			v, err := s.Pop(ctx, k)
			if err != nil || v != nil {
				return k, v, err
			}
		}
		return "", nil, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	res, err := s.client.BLPop(ctx, timeout, full...).Result()
	if err == redis.Nil {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, wrap("blpop", strings.Join(keys, ","), err)
	}
	return strings.TrimPrefix(res[0], s.namespace), []byte(res[1]), nil
}

func (s *Store) Rotate(ctx context.Context, src, dst string) ([]byte, error) {
	b, err := s.client.RPopLPush(ctx, s.key(src), s.key(dst)).Bytes()
	return bytesOrNil("rpoplpush", src, b, err)
}

func (s *Store) Length(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, s.key(key)).Result()
	return n, wrap("llen", key, err)
}

func (s *Store) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := s.client.LRange(ctx, s.key(key), start, stop).Result()
	if err != nil {
		return nil, wrap("lrange", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *Store) Trim(ctx context.Context, key string, start, stop int64) error {
	return wrap("ltrim", key, s.client.LTrim(ctx, s.key(key), start, stop).Err())
}

func (s *Store) SetAdd(ctx context.Context, key, member string) error {
	return wrap("sadd", key, s.client.SAdd(ctx, s.key(key), member).Err())
}

func (s *Store) SetRemove(ctx context.Context, key, member string) error {
	return wrap("srem", key, s.client.SRem(ctx, s.key(key), member).Err())
}

func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key(key)).Result()
	return members, wrap("smembers", key, err)
}

func (s *Store) SetIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key(key), member).Result()
	return ok, wrap("sismember", key, err)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	return bytesOrNil("get", key, b, err)
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return wrap("set", key, s.client.Set(ctx, s.key(key), value, 0).Err())
}

func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	n, err := s.client.Del(ctx, full...).Result()
	return n, wrap("del", strings.Join(keys, ","), err)
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	return n > 0, wrap("exists", key, err)
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap("expire", key, s.client.Expire(ctx, s.key(key), ttl).Err())
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, s.key(key)).Result()
	return n, wrap("incr", key, err)
}
