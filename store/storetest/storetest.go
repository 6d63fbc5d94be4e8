// Package storetest is a conformance suite run against every store.Store
// implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/BranchIntl/goresque/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty, connected store for one subtest
type Factory func(t *testing.T) store.Store

// Run exercises the list, set and string semantics the engine relies on
func Run(t *testing.T, newStore Factory) {
	t.Run("push and pop are FIFO", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		n, err := s.Push(ctx, "queue:q", []byte("a"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		n, err = s.Push(ctx, "queue:q", []byte("b"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		v, err := s.Pop(ctx, "queue:q")
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), v)
		v, err = s.Pop(ctx, "queue:q")
		require.NoError(t, err)
		assert.Equal(t, []byte("b"), v)

		v, err = s.Pop(ctx, "queue:q")
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("blocking pop returns source key", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Push(ctx, "queue:second", []byte("x"))
		require.NoError(t, err)

		key, v, err := s.BlockingPop(ctx, []string{"queue:first", "queue:second"}, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "queue:second", key)
		assert.Equal(t, []byte("x"), v)
	})

	t.Run("blocking pop times out empty", func(t *testing.T) {
		s := newStore(t)

		start := time.Now()
		key, v, err := s.BlockingPop(context.Background(), []string{"queue:none"}, time.Second)
		require.NoError(t, err)
		assert.Empty(t, key)
		assert.Nil(t, v)
		assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("blocking pop with zero timeout sweeps once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		key, v, err := s.BlockingPop(ctx, []string{"queue:none"}, 0)
		require.NoError(t, err)
		assert.Empty(t, key)
		assert.Nil(t, v)

		_, err = s.Push(ctx, "queue:some", []byte("y"))
		require.NoError(t, err)
		key, v, err = s.BlockingPop(ctx, []string{"queue:none", "queue:some"}, 0)
		require.NoError(t, err)
		assert.Equal(t, "queue:some", key)
		assert.Equal(t, []byte("y"), v)
	})

	t.Run("rotate moves tail to head", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, v := range []string{"1", "2", "3"} {
			_, err := s.Push(ctx, "src", []byte(v))
			require.NoError(t, err)
		}
		_, err := s.Push(ctx, "dst", []byte("z"))
		require.NoError(t, err)

		v, err := s.Rotate(ctx, "src", "dst")
		require.NoError(t, err)
		assert.Equal(t, []byte("3"), v)

		all, err := s.Range(ctx, "dst", 0, -1)
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("3"), []byte("z")}, all)

		n, err := s.Length(ctx, "src")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		v, err = s.Rotate(ctx, "empty", "dst")
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("trim keeps a window", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, v := range []string{"a", "b", "c", "d"} {
			_, err := s.Push(ctx, "failed", []byte(v))
			require.NoError(t, err)
		}
		require.NoError(t, s.Trim(ctx, "failed", -2, -1))

		all, err := s.Range(ctx, "failed", 0, -1)
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("c"), []byte("d")}, all)
	})

	t.Run("sets", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.SetAdd(ctx, "workers", "b"))
		require.NoError(t, s.SetAdd(ctx, "workers", "a"))
		require.NoError(t, s.SetAdd(ctx, "workers", "a"))

		members, err := s.SetMembers(ctx, "workers")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, members)

		ok, err := s.SetIsMember(ctx, "workers", "a")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.SetRemove(ctx, "workers", "a"))
		ok, err = s.SetIsMember(ctx, "workers", "a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("strings and counters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		v, err := s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, v)

		require.NoError(t, s.Set(ctx, "k", []byte("v")))
		v, err = s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)

		ok, err := s.Exists(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)

		n, err := s.Incr(ctx, "stat:processed")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		n, err = s.Incr(ctx, "stat:processed")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		deleted, err := s.Delete(ctx, "k", "stat:processed", "missing")
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)

		ok, err = s.Exists(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("expire on missing key is harmless", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Expire(context.Background(), "nothing", time.Hour))
	})
}
