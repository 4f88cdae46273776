// Package logging configures the relay's structured logger and carries the
// teacher-style Logger interface used by the rest of the codebase so that
// components log through an interface, not a global.
package logging

import (
	"log/slog"
	"os"

	"github.com/2gc-dev/wgx/pkg/types"
)

// Logger is the minimal leveled-logging surface every relay component logs
// through.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// slogLogger adapts *slog.Logger to Logger.
type slogLogger struct {
	l *slog.Logger
}

func (s *slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

// New builds a Logger from the relay's logging configuration: level
// (debug/info/warn/error) and format (json/text), writing to stdout.
func New(cfg types.LoggingConfig) Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return &slogLogger{l: slog.New(handler)}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a Logger that prefixes every record with the given
// key/value fields, mirroring the per-component child loggers the teacher's
// relayLogger wrapped (e.g. one per subsystem).
func With(l Logger, args ...any) Logger {
	if sl, ok := l.(*slogLogger); ok {
		return &slogLogger{l: sl.l.With(args...)}
	}
	return l
}
