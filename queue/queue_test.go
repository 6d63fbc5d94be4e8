package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BranchIntl/goresque/errors"
	"github.com/BranchIntl/goresque/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenStore answers every blocking pop immediately with nothing
type brokenStore struct {
	*memory.MemoryStore
}

func (brokenStore) BlockingPop(ctx context.Context, keys []string, timeout time.Duration) (string, []byte, error) {
	return "", nil, nil
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return New(memory.NewStore())
}

func payload(t *testing.T, class string, args map[string]interface{}, id string) []byte {
	t.Helper()
	e := map[string]interface{}{"class": class, "args": []interface{}{args}}
	if id != "" {
		e["id"] = id
	}
	data, err := json.Marshal(e)
	require.NoError(t, err)
	return data
}

func drain(t *testing.T, q *Queue, name string) []string {
	t.Helper()
	var out []string
	for {
		raw, err := q.Pop(context.Background(), name)
		require.NoError(t, err)
		if raw == nil {
			return out
		}
		var e entry
		require.NoError(t, json.Unmarshal(raw, &e))
		out = append(out, e.Class+":"+e.Args[0]["to"].(string))
	}
}

func TestQueue_PushRegistersQueue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "mail", []byte(`{}`)))
	require.NoError(t, q.Push(ctx, "high", []byte(`{}`)))
	require.NoError(t, q.Push(ctx, "mail", []byte(`{}`)))

	names, err := q.Queues(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "mail"}, names)

	size, err := q.Size(ctx, "mail")
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	require.NoError(t, q.RemoveQueue(ctx, "mail"))
	names, err = q.Queues(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"high"}, names)
	size, err = q.Size(ctx, "mail")
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestQueue_BlockingPop(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, "low", []byte("job")))

	name, data, err := q.BlockingPop(ctx, []string{"high", "low"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "low", name)
	assert.Equal(t, []byte("job"), data)
}

func TestQueue_BlockingPopGuard(t *testing.T) {
	tests := []struct {
		name    string
		ratio   float64
		timeout time.Duration
		cancel  bool
		wantErr bool
	}{
		{"implausibly fast empty", DefaultGuardRatio, 10 * time.Second, false, true},
		{"guard disabled", 0, 10 * time.Second, false, false},
		{"non-blocking sweep", DefaultGuardRatio, 0, false, false},
		{"cancelled context", DefaultGuardRatio, 10 * time.Second, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New(brokenStore{memory.NewStore()}, WithGuardRatio(tt.ratio))
			ctx, cancel := context.WithCancel(context.Background())
			if tt.cancel {
				cancel()
			} else {
				defer cancel()
			}

			_, data, err := q.BlockingPop(ctx, []string{"mail"}, tt.timeout)
			assert.Nil(t, data)
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrImplausibleBlockingPop)
				var storeErr *errors.StoreError
				assert.ErrorAs(t, err, &storeErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQueue_BlockingPopGuardUsesElapsedTime(t *testing.T) {
	q := New(brokenStore{memory.NewStore()})
	base := time.Now()
	calls := 0
	q.now = func() time.Time {
		calls++
		if calls == 1 {
			return base
		}
		return base.Add(2 * time.Second)
	}

	_, _, err := q.BlockingPop(context.Background(), []string{"mail"}, 10*time.Second)
	assert.NoError(t, err, "an empty pop after 20% of the timeout is plausible")
}

func TestQueue_Exchanges(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Subscribe(ctx, "signups", "mail"))
	require.NoError(t, q.Subscribe(ctx, "signups", "analytics"))

	subs, err := q.Subscribers(ctx, "signups")
	require.NoError(t, err)
	assert.Equal(t, []string{"analytics", "mail"}, subs)

	require.NoError(t, q.Unsubscribe(ctx, "signups", "mail"))
	ok, err := q.IsSubscribed(ctx, "signups", "mail")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueue_DequeueWithoutMatchers(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Push(ctx, "mail", payload(t, "EmailJob", nil, "")))
	}

	n, err := q.Dequeue(ctx, "mail")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	size, err := q.Size(ctx, "mail")
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestQueue_DequeueByArgs(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, "mail", payload(t, "EmailJob", map[string]interface{}{"to": "a@x.com"}, "")))
	require.NoError(t, q.Push(ctx, "mail", payload(t, "EmailJob", map[string]interface{}{"to": "b@x.com"}, "")))

	n, err := q.Dequeue(ctx, "mail", Matcher{Class: "EmailJob", Args: map[string]interface{}{"to": "a@x.com"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []string{"EmailJob:b@x.com"}, drain(t, q, "mail"))
}

func TestQueue_DequeueKeepsOrder(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	seed := []struct{ class, to string }{
		{"EmailJob", "1"}, {"SmsJob", "2"}, {"EmailJob", "3"}, {"PushJob", "4"}, {"SmsJob", "5"},
	}
	for _, s := range seed {
		require.NoError(t, q.Push(ctx, "mixed", payload(t, s.class, map[string]interface{}{"to": s.to}, "")))
	}

	n, err := q.Dequeue(ctx, "mixed", Matcher{Class: "EmailJob"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, []string{"SmsJob:2", "PushJob:4", "SmsJob:5"}, drain(t, q, "mixed"))
}

func TestQueue_DequeueByID(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, "mail", payload(t, "EmailJob", map[string]interface{}{"to": "a"}, "id-1")))
	require.NoError(t, q.Push(ctx, "mail", payload(t, "EmailJob", map[string]interface{}{"to": "b"}, "id-2")))

	n, err := q.Dequeue(ctx, "mail", Matcher{Class: "EmailJob", ID: "id-2"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []string{"EmailJob:a"}, drain(t, q, "mail"))
}

func TestQueue_DequeueCleansTempLists(t *testing.T) {
	s := memory.NewStore()
	q := New(s)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, "mail", payload(t, "EmailJob", map[string]interface{}{"to": "a"}, "")))
	require.NoError(t, q.Push(ctx, "mail", payload(t, "Other", map[string]interface{}{"to": "b"}, "")))

	_, err := q.Dequeue(ctx, "mail", Matcher{Class: "EmailJob"})
	require.NoError(t, err)

	assert.Equal(t, []string{"queue:mail"}, s.Keys("queue:"), "only the source list should remain")
}

func TestMatcher_NormalizesArgs(t *testing.T) {
	e := entry{Class: "Resize", Args: []map[string]interface{}{{"width": float64(100)}}}

	assert.True(t, Matcher{Class: "Resize", Args: map[string]interface{}{"width": 100}}.matches(e))
	assert.False(t, Matcher{Class: "Resize", Args: map[string]interface{}{"width": 200}}.matches(e))
	assert.False(t, Matcher{Class: "Resize", Args: map[string]interface{}{}}.matches(e))
	assert.False(t, Matcher{Class: "Crop"}.matches(e))
}
