package core

import (
	"context"
	"log/slog"

	"github.com/BranchIntl/goresque/job"
	"github.com/BranchIntl/goresque/strategy"
	"github.com/shirou/gopsutil/v3/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// ProcessLister snapshots the pids running on this host
type ProcessLister interface {
	Pids(ctx context.Context) ([]int32, error)
}

// hostProcesses reads the process table through gopsutil
type hostProcesses struct{}

func (hostProcesses) Pids(ctx context.Context) ([]int32, error) {
	return process.PidsWithContext(ctx)
}

// Observer is told about every job the worker dispatched, once the
// strategy has returned. The job's Outcome says how it ended.
type Observer interface {
	JobDone(ctx context.Context, j *job.Job)
}

// Option is a function that modifies a worker
type Option func(*Worker)

// WithStrategy sets the execution strategy. The default runs jobs in
// process.
func WithStrategy(s strategy.Strategy) Option {
	return func(w *Worker) {
		w.strategy = s
	}
}

// WithHostname overrides the hostname part of the worker id
func WithHostname(hostname string) Option {
	return func(w *Worker) {
		w.hostname = hostname
	}
}

// WithPID overrides the pid part of the worker id
func WithPID(pid int) Option {
	return func(w *Worker) {
		w.pid = pid
	}
}

// WithProcessLister replaces the process table used by PruneDeadWorkers
func WithProcessLister(p ProcessLister) Option {
	return func(w *Worker) {
		w.processes = p
	}
}

// WithTracer sets the tracer used for per-job spans
func WithTracer(t trace.Tracer) Option {
	return func(w *Worker) {
		w.tracer = t
	}
}

// WithLogger sets the worker's logger
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithSignals toggles OS signal handling in Startup. It is on by default.
func WithSignals(enabled bool) Option {
	return func(w *Worker) {
		w.signals = enabled
	}
}

// WithObserver adds an observer of finished jobs
func WithObserver(o Observer) Option {
	return func(w *Worker) {
		w.observers = append(w.observers, o)
	}
}

func defaultTracer() trace.Tracer {
	return otel.Tracer("github.com/BranchIntl/goresque/core")
}
