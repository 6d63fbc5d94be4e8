package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BranchIntl/goresque/errors"
	"github.com/BranchIntl/goresque/store"
	"github.com/BranchIntl/goresque/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return NewStore()
	})
}

func TestMemoryStore_Expiry(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	s := NewStore(WithClock(clock))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "job:1:status", []byte("{}")))
	require.NoError(t, s.Expire(ctx, "job:1:status", 24*time.Hour))
	assert.Equal(t, 24*time.Hour, s.TTL("job:1:status"))

	advance(23 * time.Hour)
	ok, err := s.Exists(ctx, "job:1:status")
	require.NoError(t, err)
	assert.True(t, ok)

	advance(time.Hour)
	ok, err = s.Exists(ctx, "job:1:status")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Duration(-1), s.TTL("job:1:status"))
}

func TestMemoryStore_SetClearsExpiry(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("a")))
	require.NoError(t, s.Expire(ctx, "k", time.Minute))
	require.NoError(t, s.Set(ctx, "k", []byte("b")))

	assert.Equal(t, time.Duration(-1), s.TTL("k"))
}

func TestMemoryStore_BlockingPopWakesOnPush(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = s.Push(ctx, "queue:late", []byte("job"))
	}()

	start := time.Now()
	key, v, err := s.BlockingPop(ctx, []string{"queue:late"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "queue:late", key)
	assert.Equal(t, []byte("job"), v)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMemoryStore_BlockingPopHonorsContext(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := s.BlockingPop(ctx, []string{"queue:none"}, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Close())

	_, err := s.Push(context.Background(), "q", []byte("x"))
	assert.ErrorIs(t, err, errors.ErrNotConnected)
}
