// Package strategy holds the execution strategies a worker hands each job
// to: run inline, run in a child process, or run on a FastCGI executor.
package strategy

import (
	"context"

	"github.com/BranchIntl/goresque/job"
)

// Worker is the part of core.Worker a strategy calls back into
type Worker interface {
	ID() string
	// Perform runs a job in the current process and fails it on error.
	// It reports whether the job completed.
	Perform(ctx context.Context, j *job.Job) bool
	// Shutdown asks the worker loop to stop
	Shutdown()
}

// Strategy isolates job execution from the worker loop
type Strategy interface {
	SetWorker(w Worker)
	// Perform runs j to completion or failure. The returned error covers
	// bookkeeping only; job failures are recorded through j.Fail.
	Perform(ctx context.Context, j *job.Job) error
	// Shutdown tears down any in-flight execution
	Shutdown()
}

// InProcess runs jobs on the worker's own goroutine
type InProcess struct {
	worker Worker
}

// NewInProcess creates the inline strategy
func NewInProcess() *InProcess {
	return &InProcess{}
}

// SetWorker implements Strategy
func (s *InProcess) SetWorker(w Worker) {
	s.worker = w
}

// Perform implements Strategy
func (s *InProcess) Perform(ctx context.Context, j *job.Job) error {
	s.worker.Perform(ctx, j)
	return nil
}

// Shutdown is a no-op; there is nothing to kill
func (s *InProcess) Shutdown() {}
