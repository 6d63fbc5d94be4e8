package status

import (
	"context"
	"testing"
	"time"

	"github.com/BranchIntl/goresque/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestTracker_Lifecycle(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := memory.NewStore(memory.WithClock(clock.Now))
	ctx := context.Background()

	tr := NewTracker(s, "abc", clock.Now)
	require.NoError(t, tr.Create(ctx))

	rec, err := tr.GetAll(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, Queued, rec.Status)
	assert.Equal(t, int64(1_700_000_000), rec.Started)
	assert.Equal(t, rec.Started, rec.Updated)

	clock.Advance(time.Minute)
	require.NoError(t, tr.Update(ctx, Working, nil))
	st, err := tr.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, Working, st)
	assert.Equal(t, time.Duration(-1), s.TTL(Key("abc")), "non-terminal states do not expire")

	require.NoError(t, tr.Update(ctx, Completed, map[string]interface{}{"sent": true}))
	rec, err = tr.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Completed, rec.Status)
	assert.Equal(t, map[string]interface{}{"sent": true}, rec.Result)
	assert.Equal(t, 24*time.Hour, s.TTL(Key("abc")))

	clock.Advance(24*time.Hour - time.Second)
	st, err = tr.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, Completed, st)

	clock.Advance(time.Second)
	st, err = tr.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, st)
}

func TestTracker_NotTrackingIsSticky(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()

	tr := NewTracker(s, "late", nil)
	ok, err := tr.IsTracking(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// a record appearing later is ignored by this tracker
	require.NoError(t, NewTracker(s, "late", nil).Create(ctx))
	ok, err = tr.IsTracking(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tr.Update(ctx, Failed, nil))
	st, err := tr.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, st)
}

func TestTracker_UpdateUntrackedWritesNothing(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()

	require.NoError(t, NewTracker(s, "none", nil).Update(ctx, Working, nil))

	ok, err := s.Exists(ctx, Key("none"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTracker_Corrupt(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, Key("bad"), []byte("not json")))

	rec, err := NewTracker(s, "bad", nil).GetAll(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestTracker_Stop(t *testing.T) {
	s := memory.NewStore()
	ctx := context.Background()
	tr := NewTracker(s, "gone", nil)
	require.NoError(t, tr.Create(ctx))

	require.NoError(t, tr.Stop(ctx))

	ok, err := s.Exists(ctx, Key("gone"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, Failed.Terminal())
	assert.True(t, Completed.Terminal())
	assert.False(t, Queued.Terminal())
	assert.False(t, Working.Terminal())
}
