// Package queue layers Resque queue semantics over a store.Store: named
// job lists, the set of known queues, exchange subscriber sets and
// filtered removal.
package queue

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BranchIntl/goresque/errors"
	"github.com/BranchIntl/goresque/store"
)

// DefaultGuardRatio is the share of a blocking-pop timeout that must elapse
// before an empty result is believed.
const DefaultGuardRatio = 0.1

// Queue is the queue facade over a Store
type Queue struct {
	store      store.Store
	guardRatio float64
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Queue
type Option func(*Queue)

// WithGuardRatio sets the implausible-empty threshold for BlockingPop.
// Zero disables the check.
func WithGuardRatio(ratio float64) Option {
	return func(q *Queue) {
		q.guardRatio = ratio
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// New creates a queue facade
func New(s store.Store, opts ...Option) *Queue {
	q := &Queue{
		store:      s,
		guardRatio: DefaultGuardRatio,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Store returns the underlying store
func (q *Queue) Store() store.Store {
	return q.store
}

// Key returns the list key for a queue name
func Key(name string) string {
	return "queue:" + name
}

const queuesKey = "queues"

// Push appends data to a queue and records the queue as known. A zero
// length reply from the store is reported as ErrEmptyPush.
func (q *Queue) Push(ctx context.Context, name string, data []byte) error {
	n, err := q.store.Push(ctx, Key(name), data)
	if err != nil {
		return err
	}
	if n < 1 {
		return errors.NewStoreError("push", Key(name), errors.ErrEmptyPush)
	}
	return q.store.SetAdd(ctx, queuesKey, name)
}

// Pop removes the head of a queue, nil when empty
func (q *Queue) Pop(ctx context.Context, name string) ([]byte, error) {
	return q.store.Pop(ctx, Key(name))
}

// BlockingPop waits up to timeout for a job on any of names and returns
// the queue it came from. An empty result that arrives well before the
// timeout, with ctx still live, means the store is not actually blocking
// and is returned as a fatal StoreError.
func (q *Queue) BlockingPop(ctx context.Context, names []string, timeout time.Duration) (string, []byte, error) {
	if len(names) == 0 {
		return "", nil, nil
	}

	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = Key(name)
	}

	start := q.now()
	key, data, err := q.store.BlockingPop(ctx, keys, timeout)
	if err != nil {
		return "", nil, err
	}
	if data != nil {
		return strings.TrimPrefix(key, "queue:"), data, nil
	}

	if timeout > 0 && q.guardRatio > 0 && ctx.Err() == nil {
		elapsed := q.now().Sub(start)
		if float64(elapsed) < float64(timeout)*q.guardRatio {
			q.logger.Error("Blocking pop returned early",
				"queues", names, "timeout", timeout, "elapsed", elapsed)
			return "", nil, errors.NewStoreError("blpop", keys[0], errors.ErrImplausibleBlockingPop)
		}
	}
	return "", nil, nil
}

// Size returns the number of jobs in a queue
func (q *Queue) Size(ctx context.Context, name string) (int64, error) {
	return q.store.Length(ctx, Key(name))
}

// Peek returns up to count jobs from start without removing them
func (q *Queue) Peek(ctx context.Context, name string, start, count int64) ([][]byte, error) {
	if count <= 0 {
		return [][]byte{}, nil
	}
	return q.store.Range(ctx, Key(name), start, start+count-1)
}

// Queues returns every known queue name, sorted
func (q *Queue) Queues(ctx context.Context) ([]string, error) {
	names, err := q.store.SetMembers(ctx, queuesKey)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// RemoveQueue deletes a queue's jobs and forgets the name
func (q *Queue) RemoveQueue(ctx context.Context, name string) error {
	if err := q.store.SetRemove(ctx, queuesKey, name); err != nil {
		return err
	}
	_, err := q.store.Delete(ctx, Key(name))
	return err
}
