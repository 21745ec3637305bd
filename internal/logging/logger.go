// Package logging constructs the daemon's slog loggers. Every part of
// atlasd writes JSON records to a single writer and tags them with a
// component name ("scheduler", "dispatch", "http") so the log stream for
// one subsystem can be filtered out of the combined output.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options selects the minimum level, the destination, and the component
// tag for a new logger. Level accepts the same names as the log_level
// config key; unknown names fall back to info.
type Options struct {
	Level     string
	Writer    io.Writer
	Component string
}

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// NewLogger returns a JSON logger honoring opts. A nil Writer logs to
// stderr. A non-empty Component is attached as a "component" attribute
// on every record the logger emits.
func NewLogger(opts Options) *slog.Logger {
	out := opts.Writer
	if out == nil {
		out = os.Stderr
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: parseLevel(opts.Level),
	})
	logger := slog.New(handler)
	if component := strings.TrimSpace(opts.Component); component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

func parseLevel(name string) slog.Level {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return lvl
	}
	return slog.LevelInfo
}
