// Package logging provides structured logging for relayline components.
package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger so components share one logging surface.
type Logger struct {
	*slog.Logger
}

// New creates a Logger with the given level and output format.
// format can be "json" or "text" (default is json).
func New(level slog.Level, format string) *Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		// Source location only matters when something went wrong.
		AddSource: level <= slog.LevelError,
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// Default returns a Logger backed by slog.Default.
func Default() *Logger {
	return &Logger{Logger: slog.Default()}
}

// With returns a new logger with the given attributes added.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// ParseLevel converts a string log level to slog.Level.
// Valid values: "debug", "info", "warn", "error".
// Returns slog.LevelInfo for invalid values.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetDefault installs l as the process-wide default logger.
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}
