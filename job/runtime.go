package job

import (
	"context"
	"log/slog"
	"time"

	"github.com/BranchIntl/goresque/events"
	"github.com/BranchIntl/goresque/failure"
	"github.com/BranchIntl/goresque/queue"
	"github.com/BranchIntl/goresque/registry"
	"github.com/BranchIntl/goresque/stats"
	"github.com/BranchIntl/goresque/status"
	"github.com/BranchIntl/goresque/store"
)

// Runtime bundles the collaborators a job needs. One Runtime is built by
// the process entry point and shared by the worker and every job it runs.
type Runtime struct {
	Queue    *queue.Queue
	Events   *events.Bus
	Handlers *registry.Registry
	Failures failure.Backend
	Stats    *stats.Stats
	Logger   *slog.Logger
	Now      func() time.Time
}

// NewRuntime wires a runtime around s with default collaborators: an
// empty event bus and registry, the Redis failure backend and the wall
// clock.
func NewRuntime(s store.Store, opts ...queue.Option) *Runtime {
	return &Runtime{
		Queue:    queue.New(s, opts...),
		Events:   events.NewBus(),
		Handlers: registry.NewRegistry(),
		Failures: failure.NewRedisBackend(s),
		Stats:    stats.New(s),
		Logger:   slog.Default(),
		Now:      time.Now,
	}
}

// Store returns the store behind the queue facade
func (rt *Runtime) Store() store.Store {
	return rt.Queue.Store()
}

func (rt *Runtime) now() time.Time {
	if rt.Now == nil {
		return time.Now()
	}
	return rt.Now()
}

func (rt *Runtime) logger() *slog.Logger {
	if rt.Logger == nil {
		return slog.Default()
	}
	return rt.Logger
}

// Trigger fires an event on the runtime's bus, if any
func (rt *Runtime) Trigger(ctx context.Context, name events.Name, e *events.Event) (events.Verdict, error) {
	if rt.Events == nil {
		return events.Proceed, nil
	}
	return rt.Events.Trigger(ctx, name, e)
}

// Tracker returns a status tracker for id bound to the runtime clock
func (rt *Runtime) Tracker(id string) *status.Tracker {
	return status.NewTracker(rt.Store(), id, rt.Now)
}
