// Package stats maintains the Resque processed/failed counters, globally
// and per worker.
package stats

import (
	"context"
	"strconv"

	"github.com/BranchIntl/goresque/store"
)

// Counter names
const (
	Processed = "processed"
	Failed    = "failed"
)

// Key returns the counter key. An empty worker id addresses the global
// counter.
func Key(name, workerID string) string {
	if workerID == "" {
		return "stat:" + name
	}
	return "stat:" + name + ":" + workerID
}

// Stats reads and writes counters through a store
type Stats struct {
	store store.Store
}

// New creates a stats accessor
func New(s store.Store) *Stats {
	return &Stats{store: s}
}

// Incr bumps the global counter and, when workerID is set, the worker's own
func (s *Stats) Incr(ctx context.Context, name, workerID string) error {
	if _, err := s.store.Incr(ctx, Key(name, "")); err != nil {
		return err
	}
	if workerID == "" {
		return nil
	}
	_, err := s.store.Incr(ctx, Key(name, workerID))
	return err
}

// Get returns a counter value, zero when unset
func (s *Stats) Get(ctx context.Context, name, workerID string) (int64, error) {
	data, err := s.store.Get(ctx, Key(name, workerID))
	if err != nil || data == nil {
		return 0, err
	}
	return strconv.ParseInt(string(data), 10, 64)
}

// Clear removes a counter
func (s *Stats) Clear(ctx context.Context, name, workerID string) error {
	_, err := s.store.Delete(ctx, Key(name, workerID))
	return err
}

// Global is a snapshot of the cluster-wide counters
type Global struct {
	Processed int64
	Failed    int64
	Workers   int
}

// GlobalStats returns the global counters and registered worker count
func (s *Stats) GlobalStats(ctx context.Context) (Global, error) {
	processed, err := s.Get(ctx, Processed, "")
	if err != nil {
		return Global{}, err
	}
	failed, err := s.Get(ctx, Failed, "")
	if err != nil {
		return Global{}, err
	}
	workers, err := s.store.SetMembers(ctx, "workers")
	if err != nil {
		return Global{}, err
	}
	return Global{Processed: processed, Failed: failed, Workers: len(workers)}, nil
}
