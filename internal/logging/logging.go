// Package logging builds the process logger from configuration.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Config selects the handler and level
type Config struct {
	Level     string `yaml:"level" env:"LOGLEVEL"`   // debug, info, warn, error
	Format    string `yaml:"format" env:"LOGFORMAT"` // console, json
	Output    string `yaml:"output" env:"LOGOUTPUT"` // stdout, stderr
	AddSource bool   `yaml:"add_source" env:"LOGSOURCE"`
	NoColor   bool   `yaml:"no_color" env:"LOGNOCOLOR"`
}

// New creates a logger writing to the configured output
func New(cfg Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.Output == "stdout" {
		w = os.Stdout
	}
	return NewWithWriter(cfg, w)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(cfg Config, w io.Writer) *slog.Logger {
	level := ParseLevel(cfg.Level)

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: cfg.AddSource,
		})
	default:
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  cfg.AddSource,
			TimeFormat: time.DateTime,
			NoColor:    cfg.NoColor,
		})
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
// A verbose flag in the Resque tradition ("1", "true") means debug.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "1", "true", "verbose":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
