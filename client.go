package goresque

import (
	"context"

	"github.com/BranchIntl/goresque/core"
	"github.com/BranchIntl/goresque/job"
	"github.com/BranchIntl/goresque/queue"
	"github.com/BranchIntl/goresque/stats"
	"github.com/BranchIntl/goresque/status"
)

// Client enqueues and inspects jobs. It needs only a runtime, so producers
// can use it without running a worker.
type Client struct {
	rt *job.Runtime
}

// NewClient creates a client over rt
func NewClient(rt *job.Runtime) *Client {
	return &Client{rt: rt}
}

// Runtime returns the client's runtime
func (c *Client) Runtime() *job.Runtime {
	return c.rt
}

// Enqueue creates a job on queueName and returns its id. args must encode
// as a JSON object; nil means no arguments. When track is set a status
// record is created and the id travels in the payload.
func (c *Client) Enqueue(ctx context.Context, queueName, class string, args interface{}, track bool) (string, error) {
	return job.Create(ctx, c.rt, queueName, class, args, track)
}

// Publish creates the job on every queue subscribed to exchange and
// returns the ids in queue order. Nothing is created when no queue is
// subscribed.
func (c *Client) Publish(ctx context.Context, exchange, class string, args interface{}, track bool) ([]string, error) {
	queues, err := c.rt.Queue.Subscribers(ctx, exchange)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(queues))
	for _, q := range queues {
		id, err := job.Create(ctx, c.rt, q, class, args, track)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Subscribe routes jobs published on exchange to queueName
func (c *Client) Subscribe(ctx context.Context, exchange, queueName string) error {
	return c.rt.Queue.Subscribe(ctx, exchange, queueName)
}

// Unsubscribe stops routing exchange to queueName
func (c *Client) Unsubscribe(ctx context.Context, exchange, queueName string) error {
	return c.rt.Queue.Unsubscribe(ctx, exchange, queueName)
}

// Dequeue removes matching jobs from queueName and returns how many were
// removed. With no matchers the whole queue is emptied.
func (c *Client) Dequeue(ctx context.Context, queueName string, matchers ...queue.Matcher) (int64, error) {
	return c.rt.Queue.Dequeue(ctx, queueName, matchers...)
}

// Size returns the number of jobs waiting on queueName
func (c *Client) Size(ctx context.Context, queueName string) (int64, error) {
	return c.rt.Queue.Size(ctx, queueName)
}

// Queues returns every known queue, sorted
func (c *Client) Queues(ctx context.Context) ([]string, error) {
	return c.rt.Queue.Queues(ctx)
}

// RemoveQueue deletes queueName and its jobs
func (c *Client) RemoveQueue(ctx context.Context, queueName string) error {
	return c.rt.Queue.RemoveQueue(ctx, queueName)
}

// Status returns the tracked status of job id, "" when untracked
func (c *Client) Status(ctx context.Context, id string) (status.Status, error) {
	return c.rt.Tracker(id).Get(ctx)
}

// Stats returns the global counters
func (c *Client) Stats(ctx context.Context) (stats.Global, error) {
	return c.rt.Stats.GlobalStats(ctx)
}

// Workers returns every registered worker
func (c *Client) Workers(ctx context.Context) ([]*core.Worker, error) {
	return core.All(ctx, c.rt)
}
