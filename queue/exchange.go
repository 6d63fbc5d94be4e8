package queue

import (
	"context"
	"sort"
)

func exchangeKey(name string) string {
	return "exchange:" + name
}

// Subscribe adds a queue to an exchange's subscriber set
func (q *Queue) Subscribe(ctx context.Context, exchange, name string) error {
	return q.store.SetAdd(ctx, exchangeKey(exchange), name)
}

// Unsubscribe removes a queue from an exchange's subscriber set
func (q *Queue) Unsubscribe(ctx context.Context, exchange, name string) error {
	return q.store.SetRemove(ctx, exchangeKey(exchange), name)
}

// IsSubscribed reports whether name receives jobs published to exchange
func (q *Queue) IsSubscribed(ctx context.Context, exchange, name string) (bool, error) {
	return q.store.SetIsMember(ctx, exchangeKey(exchange), name)
}

// Subscribers returns the queues subscribed to exchange, sorted
func (q *Queue) Subscribers(ctx context.Context, exchange string) ([]string, error) {
	names, err := q.store.SetMembers(ctx, exchangeKey(exchange))
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}
