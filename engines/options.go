package engines

import (
	"database/sql"
	"io"
	"log/slog"

	"github.com/BranchIntl/goresque/core"
	"github.com/BranchIntl/goresque/notify"
	"github.com/BranchIntl/goresque/store"
	"github.com/BranchIntl/goresque/strategy"
)

// Option configures a ResqueEngine
type Option func(*ResqueEngine)

// WithLogger sets the logger shared by every component
func WithLogger(logger *slog.Logger) Option {
	return func(e *ResqueEngine) {
		e.logger = logger
	}
}

// WithStore uses an already connected store instead of dialing one from
// the configuration. The engine does not close it.
func WithStore(s store.Store) Option {
	return func(e *ResqueEngine) {
		e.store = s
		e.ownStore = false
	}
}

// WithDB uses db for the sql failure backend instead of opening
// FAILURE_DSN. The engine does not close it.
func WithDB(db *sql.DB) Option {
	return func(e *ResqueEngine) {
		e.db = db
		e.ownDB = false
	}
}

// WithPublisher relays events through p instead of dialing AMQP_URL
func WithPublisher(p notify.Publisher) Option {
	return func(e *ResqueEngine) {
		e.publisher = p
	}
}

// WithTraceWriter sets where spans are exported when tracing is on
func WithTraceWriter(w io.Writer) Option {
	return func(e *ResqueEngine) {
		e.traceWriter = w
	}
}

// WithForkOptions passes options to the fork strategy, typically the
// child command line
func WithForkOptions(opts ...strategy.ForkOption) Option {
	return func(e *ResqueEngine) {
		e.forkOptions = append(e.forkOptions, opts...)
	}
}

// WithFastCGIDialer replaces the FastCGI transport
func WithFastCGIDialer(d strategy.Dialer) Option {
	return func(e *ResqueEngine) {
		e.fastcgiDialer = d
	}
}

// WithWorkerOptions appends options applied to every worker the engine
// builds
func WithWorkerOptions(opts ...core.Option) Option {
	return func(e *ResqueEngine) {
		e.workerOptions = append(e.workerOptions, opts...)
	}
}

// WithChildMode opens the engine for a forked child performing one job.
// The child reports its outcome to the parent, so metrics, the event
// relay and failure table creation are left to the parent.
func WithChildMode() Option {
	return func(e *ResqueEngine) {
		e.child = true
	}
}
