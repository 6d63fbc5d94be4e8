// Package failure records job failures. The Backend a process uses is
// chosen once at startup and handed to every job.
package failure

import (
	"context"
	"time"

	"github.com/BranchIntl/goresque/errors"
)

// Failure describes one failed job execution
type Failure struct {
	Payload  interface{}
	Err      error
	Worker   string
	Queue    string
	FailedAt time.Time
}

// Record is the persisted shape of a Failure
type Record struct {
	FailedAt  string      `json:"failed_at"`
	Payload   interface{} `json:"payload"`
	Exception string      `json:"exception"`
	Error     string      `json:"error"`
	Backtrace []string    `json:"backtrace"`
	Worker    string      `json:"worker"`
	Queue     string      `json:"queue"`
}

// NewRecord flattens a Failure, deriving exception and backtrace from the
// error chain.
func NewRecord(f Failure) Record {
	at := f.FailedAt
	if at.IsZero() {
		at = time.Now()
	}
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return Record{
		FailedAt:  at.UTC().Format(time.RFC3339),
		Payload:   f.Payload,
		Exception: errors.Kind(f.Err),
		Error:     msg,
		Backtrace: errors.Backtrace(f.Err),
		Worker:    f.Worker,
		Queue:     f.Queue,
	}
}

// Backend is a sink for failures
type Backend interface {
	Save(ctx context.Context, f Failure) error
}

// Multi fans a failure out to several backends, stopping at the first error
type Multi []Backend

// Save implements Backend
func (m Multi) Save(ctx context.Context, f Failure) error {
	for _, b := range m {
		if err := b.Save(ctx, f); err != nil {
			return err
		}
	}
	return nil
}
