package ops

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/wiredove/wiredove/internal/config"
)

// Logger is a structured logger wrapper
type Logger struct {
	*slog.Logger
	level  slog.Level
	format string
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// NewLogger creates a new structured logger writing to stdout
func NewLogger(cfg *config.Logging) *Logger {
	return NewLoggerWithWriter(cfg, os.Stdout)
}

// NewLoggerWithWriter creates a logger with a custom writer
func NewLoggerWithWriter(cfg *config.Logging, w io.Writer) *Logger {
	level := parseLevel(cfg.Level)

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  level,
		format: cfg.Format,
	}
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() *Logger {
	return NewLoggerWithWriter(&config.Logging{Level: "error", Format: "text"}, io.Discard)
}

// WithComponent adds a component field to all log messages
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
		level:  l.level,
		format: l.format,
	}
}

// WithFields adds custom fields to the logger
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(fields...),
		level:  l.level,
		format: l.format,
	}
}

// IsDebugEnabled returns true if debug logging is enabled
func (l *Logger) IsDebugEnabled() bool {
	return l.level <= slog.LevelDebug
}

// LogStorageOperation logs a persistent storage operation
func (l *Logger) LogStorageOperation(op string, key string, duration time.Duration, err error) {
	if err != nil {
		l.Warn("storage operation failed",
			"operation", op,
			"key", key,
			"duration_ms", duration.Milliseconds(),
			"error", err)
	} else {
		l.Debug("storage operation completed",
			"operation", op,
			"key", key,
			"duration_ms", duration.Milliseconds())
	}
}

// LogDispatch logs a network queue dispatch
func (l *Logger) LogDispatch(key string, socket, swarm bool, done bool) {
	l.Debug("queue dispatch",
		"key", shortKey(key),
		"socket", socket,
		"swarm", swarm,
		"done", done)
}

// LogSyncRequest logs a scheduler request for a peer log
func (l *Logger) LogSyncRequest(pubkey string, tier string) {
	l.Debug("peer log requested",
		"peer", shortKey(pubkey),
		"tier", tier)
}

// LogCacheOperation logs a cache operation
func (l *Logger) LogCacheOperation(op string, key string, hit bool) {
	l.Debug("cache operation",
		"operation", op,
		"key", shortKey(key),
		"hit", hit)
}

// LogStartup logs application startup information
func (l *Logger) LogStartup(version, commit string, fields map[string]interface{}) {
	l.Info("wiredove starting",
		"version", version,
		"commit", commit,
		"config", fields)
}

// LogShutdown logs application shutdown
func (l *Logger) LogShutdown(reason string) {
	l.Info("wiredove shutting down",
		"reason", reason)
}

// LogPanic logs a panic with stack trace
func (l *Logger) LogPanic(recovered interface{}, stack string) {
	l.Error("panic recovered",
		"panic", fmt.Sprintf("%v", recovered),
		"stack", stack)
}

func shortKey(k string) string {
	if len(k) > 12 {
		return k[:12] + "..."
	}
	return k
}

// Default logger configuration
var defaultLogger *Logger

func init() {
	defaultLogger = NewLogger(&config.Logging{
		Level:  "info",
		Format: "text",
	})
}

// Default returns the default logger
func Default() *Logger {
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(l *Logger) {
	defaultLogger = l
}
