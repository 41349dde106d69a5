package s3mmap

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with s3mmap-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithURL adds the object URL to the logger.
func (l *Logger) WithURL(url string) *Logger {
	return &Logger{
		Logger: l.Logger.With("url", url),
	}
}

// LogMap logs a map operation.
func (l *Logger) LogMap(ctx context.Context, url string, size int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "map failed",
			"url", url,
			"error", err,
			"code", CodeOf(err).String(),
		)
	} else {
		l.DebugContext(ctx, "map completed",
			"url", url,
			"size", size,
		)
	}
}

// LogUnmap logs an unmap operation.
func (l *Logger) LogUnmap(ctx context.Context, url string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "unmap failed",
			"url", url,
			"error", err,
			"code", CodeOf(err).String(),
		)
	} else {
		l.DebugContext(ctx, "unmap completed",
			"url", url,
		)
	}
}
