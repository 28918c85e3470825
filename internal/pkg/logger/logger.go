// Package logger is the structured logger of the render service: log/slog
// with a fixed service attribute, UTC timestamps and helpers for the
// attributes most lines carry (request, generation, key, worker).
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type contextKey string

const (
	// RequestIDKey carries the id of the HTTP request.
	RequestIDKey contextKey = "request_id"
	// GenerationIDKey carries the id of the running generation.
	GenerationIDKey contextKey = "generation_id"
)

// contextAttrs are copied from a context onto a logger by FromContext.
var contextAttrs = []contextKey{RequestIDKey, GenerationIDKey}

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

type Logger struct {
	*slog.Logger
}

type Config struct {
	// Level is one of debug, info, warn, error. Unknown levels mean info.
	Level string
	// Format is json (default) or text.
	Format string
	// Output defaults to os.Stdout.
	Output io.Writer
	// AddSource adds the calling file and line.
	AddSource bool
	// ServiceName is attached to every line as "service".
	ServiceName string
}

// DefaultConfig reads LOG_LEVEL, LOG_FORMAT, LOG_SOURCE and SERVICE_NAME.
func DefaultConfig() Config {
	return Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Format:      getEnv("LOG_FORMAT", "json"),
		Output:      os.Stdout,
		AddSource:   getEnv("LOG_SOURCE", "false") == "true",
		ServiceName: getEnv("SERVICE_NAME", "giftext"),
	}
}

func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: utcTime,
	}

	var handler slog.Handler = slog.NewJSONHandler(cfg.Output, opts)
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}
	if cfg.ServiceName != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.ServiceName)})
	}
	return &Logger{Logger: slog.New(handler)}
}

func NewDefault() *Logger {
	return New(DefaultConfig())
}

// NewWorker is the logger of a worker process. Its stdout carries frame
// data, so it writes to stderr, where the service forwards it.
func NewWorker(pid int) *Logger {
	cfg := DefaultConfig()
	cfg.Output = os.Stderr
	cfg.ServiceName = "giftext-worker"
	return New(cfg).WithWorker(pid)
}

// Discard drops everything below error and writes nothing.
func Discard() *Logger {
	return New(Config{Output: io.Discard, Level: "error"})
}

func (l *Logger) with(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

func (l *Logger) WithRequestID(id string) *Logger {
	return l.with(slog.String(string(RequestIDKey), id))
}

func (l *Logger) WithGenerationID(id string) *Logger {
	return l.with(slog.String(string(GenerationIDKey), id))
}

// WithKey tags the logger with a generation key, the normalized text.
func (l *Logger) WithKey(key string) *Logger {
	return l.with(slog.String("key", key))
}

func (l *Logger) WithWorker(pid int) *Logger {
	return l.with(slog.Int("worker_pid", pid))
}

func (l *Logger) WithComponent(component string) *Logger {
	return l.with(slog.String("component", component))
}

// WithError returns l unchanged for a nil err.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with(slog.String("error", err.Error()))
}

// FromContext attaches the request and generation ids found in ctx.
func (l *Logger) FromContext(ctx context.Context) *Logger {
	var args []any
	for _, k := range contextAttrs {
		if v, ok := ctx.Value(k).(string); ok && v != "" {
			args = append(args, slog.String(string(k), v))
		}
	}
	if len(args) == 0 {
		return l
	}
	return l.with(args...)
}

// LogFatal logs at error level and exits with status 1.
func (l *Logger) LogFatal(msg string, err error, args ...any) {
	if err != nil {
		args = append(args, "error", err.Error())
	}
	l.Error(msg, args...)
	os.Exit(1)
}

func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func ContextWithGenerationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, GenerationIDKey, id)
}

func utcTime(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
		}
	}
	return a
}

func parseLevel(level string) slog.Level {
	if l, ok := levels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return l
	}
	return slog.LevelInfo
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
