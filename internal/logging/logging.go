// Package logging provides structured logging for the tunnel client and
// server.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New creates a structured logger for the given level and format.
// Supported levels: debug, info, warn, error. Supported formats: text, json.
func New(level, format string) *slog.Logger {
	return NewWithWriter(level, format, os.Stderr)
}

// NewWithWriter creates a structured logger writing to w, for tests and
// embedding.
func NewWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// Nop returns a logger that discards all output.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Common attribute keys, kept consistent across the dispatchers, dialer,
// and idle watcher.
const (
	KeyConnectionID = "connection_id"
	KeyComponent    = "component"
	KeyRemoteAddr   = "remote_addr"
	KeyLocalAddr    = "local_addr"
	KeyStage        = "stage"
	KeyError        = "error"
	KeyBytes        = "bytes"
	KeyReason       = "reason"
	KeyDuration     = "duration"
)
