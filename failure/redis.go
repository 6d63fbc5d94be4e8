package failure

import (
	"context"
	"encoding/json"

	"github.com/BranchIntl/goresque/store"
)

// Key is the list failures are appended to
const Key = "failed"

// RedisBackend appends JSON records to the failed list
type RedisBackend struct {
	store store.Store
}

// NewRedisBackend creates the default backend
func NewRedisBackend(s store.Store) *RedisBackend {
	return &RedisBackend{store: s}
}

// Save appends the failure
func (b *RedisBackend) Save(ctx context.Context, f Failure) error {
	data, err := json.Marshal(NewRecord(f))
	if err != nil {
		return err
	}
	_, err = b.store.Push(ctx, Key, data)
	return err
}

// Count returns the number of stored failures
func (b *RedisBackend) Count(ctx context.Context) (int64, error) {
	return b.store.Length(ctx, Key)
}

// All returns count records starting at start, oldest first. Entries that
// do not decode are skipped.
func (b *RedisBackend) All(ctx context.Context, start, count int64) ([]Record, error) {
	if count <= 0 {
		return []Record{}, nil
	}
	items, err := b.store.Range(ctx, Key, start, start+count-1)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(items))
	for _, item := range items {
		var r Record
		if err := json.Unmarshal(item, &r); err != nil {
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// Trim keeps the newest n failures and evicts the rest
func (b *RedisBackend) Trim(ctx context.Context, n int64) error {
	if n <= 0 {
		return b.Clear(ctx)
	}
	return b.store.Trim(ctx, Key, -n, -1)
}

// Clear removes every stored failure
func (b *RedisBackend) Clear(ctx context.Context) error {
	_, err := b.store.Delete(ctx, Key)
	return err
}
