// Package logging builds the process-wide structured logger. All three
// binaries (server, consumer, settler) emit JSON lines to stdout so the
// aggregator can correlate a rescue across them by rescue_id.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a JSON slog logger tagged with the component name.
// slog keeps the standard-library feel while emitting structured
// records any backend can ingest.
func New(component, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler).With("component", component)
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
