package failure

import (
	"context"
	"log/slog"
)

// LogBackend writes one structured log record per failure and stores
// nothing.
type LogBackend struct {
	logger *slog.Logger
}

// NewLogBackend creates a log-only backend. A nil logger means slog.Default.
func NewLogBackend(logger *slog.Logger) *LogBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogBackend{logger: logger}
}

// Save logs the failure at error level
func (b *LogBackend) Save(ctx context.Context, f Failure) error {
	r := NewRecord(f)
	b.logger.ErrorContext(ctx, "Job failed",
		"queue", r.Queue,
		"worker", r.Worker,
		"exception", r.Exception,
		"error", r.Error,
		"failed_at", r.FailedAt,
		"payload", r.Payload,
		"backtrace", r.Backtrace,
	)
	return nil
}
