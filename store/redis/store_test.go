package redis

import (
	"context"
	"testing"
	"time"

	"github.com/BranchIntl/goresque/errors"
	"github.com/BranchIntl/goresque/store"
	"github.com/BranchIntl/goresque/store/storetest"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	opts := DefaultOptions()
	opts.URI = "redis://" + mr.Addr()
	opts.ReadTimeout = time.Second

	s := NewStore(opts)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestRedisStore_Namespace(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := s.Push(ctx, "queue:mail", []byte(`{"class":"EmailJob"}`))
	require.NoError(t, err)
	require.NoError(t, s.SetAdd(ctx, "queues", "mail"))

	list, err := mr.List("resque:queue:mail")
	require.NoError(t, err)
	assert.Equal(t, []string{`{"class":"EmailJob"}`}, list)

	members, err := mr.Members("resque:queues")
	require.NoError(t, err)
	assert.Equal(t, []string{"mail"}, members)
}

func TestRedisStore_Expire(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "job:abc:status", []byte("{}")))
	require.NoError(t, s.Expire(ctx, "job:abc:status", 24*time.Hour))
	assert.Equal(t, 24*time.Hour, mr.TTL("resque:job:abc:status"))

	mr.FastForward(24 * time.Hour)
	ok, err := s.Exists(ctx, "job:abc:status")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_NotConnected(t *testing.T) {
	s := NewStore(DefaultOptions())

	_, err := s.Push(context.Background(), "q", []byte("x"))
	assert.ErrorIs(t, err, errors.ErrNotConnected)
	_, _, err = s.BlockingPop(context.Background(), []string{"q"}, time.Second)
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}

func TestRedisStore_ConnectFails(t *testing.T) {
	opts := DefaultOptions()
	opts.URI = "http://localhost:6379"

	err := NewStore(opts).Connect(context.Background())
	var connErr *errors.ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestRedisStore_BlockingPopHonoursContext(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, data, err := s.BlockingPop(ctx, []string{"empty"}, 30*time.Second)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, data)
	assert.Less(t, time.Since(start), 5*time.Second)
}
