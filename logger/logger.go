// Package logger provides the process-wide structured logger for ruled.
//
// It wraps log/slog with a global logger configured once at startup:
//
//	logFile, err := logger.Initialize(cfg.Logging)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if logFile != nil {
//		defer logFile.Close()
//	}
//
// Components log through the package-level helpers with a "Component: message"
// prefix and key/value pairs:
//
//	logger.Info("Outbox: dispatched batch", "published", n, "failed", f)
//
// Outputs: stdout, stderr, syslog or a file path. Formats: json or console.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"log/syslog"
	"os"
	"runtime"
	"strings"

	"github.com/migadu/ruled/config"
)

var globalLogger *slog.Logger

// syslogHandler wraps syslog.Writer to implement slog.Handler
type syslogHandler struct {
	writer *syslog.Writer
	level  slog.Level
	attrs  []slog.Attr
}

func (h *syslogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *syslogHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	write := func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
		return true
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(write)
	msg := b.String()

	switch {
	case r.Level >= slog.LevelError:
		return h.writer.Err(msg)
	case r.Level >= slog.LevelWarn:
		return h.writer.Warning(msg)
	case r.Level >= slog.LevelInfo:
		return h.writer.Info(msg)
	default:
		return h.writer.Debug(msg)
	}
}

func (h *syslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &syslogHandler{writer: h.writer, level: h.level, attrs: merged}
}

// Groups are flattened; syslog lines carry no structure.
func (h *syslogHandler) WithGroup(string) slog.Handler {
	return h
}

func streamHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Initialize sets up the global logger based on configuration. When output is
// a file path the opened file is returned so the caller can close it.
func Initialize(cfg config.LoggingConfig) (*os.File, error) {
	output := cfg.Output
	if output == "" {
		output = "stderr"
	}
	format := cfg.Format
	if format == "" {
		format = "console"
	}
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	var logFile *os.File

	switch output {
	case "stdout":
		handler = streamHandler(os.Stdout, format, opts)
	case "stderr":
		handler = streamHandler(os.Stderr, format, opts)
	case "syslog":
		if runtime.GOOS == "windows" {
			fmt.Fprintf(os.Stderr, "WARNING: syslog is not supported on Windows. Falling back to stderr.\n")
			handler = streamHandler(os.Stderr, format, opts)
			break
		}
		w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, "ruled")
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to connect to syslog: %v. Falling back to stderr.\n", err)
			handler = streamHandler(os.Stderr, format, opts)
			break
		}
		handler = &syslogHandler{writer: w, level: level}
	default:
		f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to open log file '%s': %v. Falling back to stderr.\n", output, err)
			handler = streamHandler(os.Stderr, format, opts)
			break
		}
		logFile = f
		handler = streamHandler(f, format, opts)
	}

	globalLogger = slog.New(handler)
	slog.SetDefault(globalLogger)
	return logFile, nil
}

// SetOutput replaces the global logger with one writing to w. Tests use it to
// capture log lines.
func SetOutput(w io.Writer, format string, level slog.Level) {
	globalLogger = slog.New(streamHandler(w, format, &slog.HandlerOptions{Level: level}))
}

// ParseLevel converts a level name to slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
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

// Get returns the global logger instance
func Get() *slog.Logger {
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

func Info(msg string, args ...any)  { Get().Info(msg, args...) }
func Debug(msg string, args ...any) { Get().Debug(msg, args...) }
func Warn(msg string, args ...any)  { Get().Warn(msg, args...) }
func Error(msg string, args ...any) { Get().Error(msg, args...) }

func InfoContext(ctx context.Context, msg string, args ...any) {
	Get().InfoContext(ctx, msg, args...)
}

func DebugContext(ctx context.Context, msg string, args ...any) {
	Get().DebugContext(ctx, msg, args...)
}

func WarnContext(ctx context.Context, msg string, args ...any) {
	Get().WarnContext(ctx, msg, args...)
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	Get().ErrorContext(ctx, msg, args...)
}

// Fatal logs at error level and exits
func Fatal(msg string, args ...any) {
	Get().Error(msg, args...)
	os.Exit(1)
}

// With returns a logger with the given attributes
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}

func Infof(format string, args ...any)  { Get().Info(fmt.Sprintf(format, args...)) }
func Debugf(format string, args ...any) { Get().Debug(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { Get().Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { Get().Error(fmt.Sprintf(format, args...)) }

// Fatalf logs a formatted message and exits
func Fatalf(format string, args ...any) {
	Get().Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}
