package stats

import (
	"context"
	"testing"

	"github.com/BranchIntl/goresque/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "stat:processed", Key(Processed, ""))
	assert.Equal(t, "stat:failed:host:1:mail", Key(Failed, "host:1:mail"))
}

func TestStats_IncrAndGet(t *testing.T) {
	s := New(memory.NewStore())
	ctx := context.Background()

	require.NoError(t, s.Incr(ctx, Processed, "w1"))
	require.NoError(t, s.Incr(ctx, Processed, "w2"))
	require.NoError(t, s.Incr(ctx, Failed, "w1"))
	require.NoError(t, s.Incr(ctx, Failed, ""))

	tests := []struct {
		name, worker string
		want         int64
	}{
		{Processed, "", 2},
		{Processed, "w1", 1},
		{Processed, "w2", 1},
		{Failed, "", 2},
		{Failed, "w1", 1},
		{Failed, "w2", 0},
	}
	for _, tt := range tests {
		got, err := s.Get(ctx, tt.name, tt.worker)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s/%s", tt.name, tt.worker)
	}

	require.NoError(t, s.Clear(ctx, Processed, "w1"))
	got, err := s.Get(ctx, Processed, "w1")
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestStats_GlobalStats(t *testing.T) {
	st := memory.NewStore()
	s := New(st)
	ctx := context.Background()

	require.NoError(t, st.SetAdd(ctx, "workers", "a"))
	require.NoError(t, s.Incr(ctx, Processed, "a"))

	g, err := s.GlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Global{Processed: 1, Failed: 0, Workers: 1}, g)
}
