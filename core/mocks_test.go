package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BranchIntl/goresque/errors"
	"github.com/BranchIntl/goresque/failure"
	"github.com/BranchIntl/goresque/job"
	"github.com/BranchIntl/goresque/store/goredis"
	"github.com/BranchIntl/goresque/store/memory"
	"github.com/BranchIntl/goresque/strategy"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeProcesses is a fixed process table
type fakeProcesses struct {
	pids []int32
	err  error
}

func (p fakeProcesses) Pids(ctx context.Context) ([]int32, error) {
	return p.pids, p.err
}

// brokenStore fails every pop
type brokenStore struct {
	*memory.MemoryStore
}

func (s brokenStore) Pop(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.NewStoreError("lpop", key, errors.New("connection reset"))
}

// unregistrableStore refuses to add to any set
type unregistrableStore struct {
	*memory.MemoryStore
}

func (s unregistrableStore) SetAdd(ctx context.Context, key, member string) error {
	return errors.NewStoreError("sadd", key, errors.New("READONLY You can't write against a read only replica"))
}

// observerFunc adapts a function to Observer
type observerFunc func(ctx context.Context, j *job.Job)

func (f observerFunc) JobDone(ctx context.Context, j *job.Job) {
	f(ctx, j)
}

// fakeClock is a manually advanced clock shared by the store and runtime
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingStrategy counts calls instead of running jobs
type recordingStrategy struct {
	mu        sync.Mutex
	worker    strategy.Worker
	performed int
	shutdowns int
}

func (s *recordingStrategy) SetWorker(w strategy.Worker) {
	s.worker = w
}

func (s *recordingStrategy) Perform(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.performed++
	return nil
}

func (s *recordingStrategy) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns++
}

func (s *recordingStrategy) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.performed, s.shutdowns
}

type testSetup struct {
	rt    *job.Runtime
	store *memory.MemoryStore
	clock *fakeClock
}

func newTestSetup(t *testing.T) *testSetup {
	t.Helper()
	clock := newFakeClock()
	s := memory.NewStore(memory.WithClock(clock.Now))
	rt := job.NewRuntime(s)
	rt.Now = clock.Now
	return &testSetup{rt: rt, store: s, clock: clock}
}

// newWorker builds a worker as host:100 with signals off
func (ts *testSetup) newWorker(t *testing.T, queues []string, opts ...Option) *Worker {
	t.Helper()
	base := []Option{
		WithHostname("host"),
		WithPID(100),
		WithSignals(false),
		WithProcessLister(fakeProcesses{pids: []int32{1, 100}}),
	}
	w, err := NewWorker(ts.rt, queues, append(base, opts...)...)
	require.NoError(t, err)
	return w
}

func (ts *testSetup) failures(t *testing.T) []failure.Record {
	t.Helper()
	return failureRecords(t, ts.rt)
}

// newRedisRuntime backs a runtime with go-redis over miniredis. Unlike the
// memory store it refuses commands once their context is cancelled.
func newRedisRuntime(t *testing.T) (*job.Runtime, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return job.NewRuntime(goredis.NewWithClient(client, "resque:")), mr
}

func failureRecords(t *testing.T, rt *job.Runtime) []failure.Record {
	t.Helper()
	records, err := rt.Failures.(*failure.RedisBackend).All(context.Background(), 0, 100)
	require.NoError(t, err)
	return records
}
