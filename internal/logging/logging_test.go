package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		check func(t *testing.T, logger *slog.Logger, out *bytes.Buffer)
	}{
		{
			name: "json filters below level",
			cfg:  Config{Level: "warn", Format: "json"},
			check: func(t *testing.T, logger *slog.Logger, out *bytes.Buffer) {
				logger.Info("ignored")
				logger.Warn("Job failed", "queue", "mail")

				lines := strings.Split(strings.TrimSpace(out.String()), "\n")
				require.Len(t, lines, 1)
				var entry map[string]interface{}
				require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
				assert.Equal(t, "WARN", entry["level"])
				assert.Equal(t, "Job failed", entry["msg"])
				assert.Equal(t, "mail", entry["queue"])
			},
		},
		{
			name: "json with source",
			cfg:  Config{Level: "info", Format: "json", AddSource: true},
			check: func(t *testing.T, logger *slog.Logger, out *bytes.Buffer) {
				logger.Info("with source")
				var entry map[string]interface{}
				require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
				assert.Contains(t, entry, "source")
			},
		},
		{
			name: "console uses tint",
			cfg:  Config{Level: "debug", NoColor: true},
			check: func(t *testing.T, logger *slog.Logger, out *bytes.Buffer) {
				logger.Debug("Checking queue", "queue", "mail")
				assert.Contains(t, out.String(), "DBG")
				assert.Contains(t, out.String(), "Checking queue")
				assert.Contains(t, out.String(), "queue=mail")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			tt.check(t, NewWithWriter(tt.cfg, out), out)
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"1", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"loud", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.level))
		})
	}
}
