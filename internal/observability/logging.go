// Package observability provides the structured logger and Prometheus
// metrics shared by every runtime component.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/courier-ai/courier/internal/redact"
)

// Logger wraps slog with turn correlation and secret redaction. Anything
// logged through it passes the same redaction patterns as transport output,
// so a secret that leaks into a log line is scrubbed the same way it would
// be on the wire.
type Logger struct {
	logger   *slog.Logger
	redactor *redact.Redactor
}

// LogConfig configures logger construction.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string
	// Format is "json" (production default) or "text".
	Format string
	// Output defaults to os.Stdout.
	Output io.Writer
	// ExtraRedactPatterns extend the default redaction set.
	ExtraRedactPatterns []string
}

// ContextKey is the type for correlation values stored in a context.
type ContextKey string

const (
	// TurnIDKey correlates all log lines of one prompt-to-answer turn.
	TurnIDKey ContextKey = "turn_id"
	// SessionKeyKey identifies the chat session.
	SessionKeyKey ContextKey = "session_key"
	// UserIDKey identifies the requesting user.
	UserIDKey ContextKey = "user_id"
)

// NewLogger builds a redacting structured logger.
func NewLogger(cfg LogConfig) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	return &Logger{
		logger:   slog.New(handler),
		redactor: redact.New(cfg.ExtraRedactPatterns...),
	}
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

// WithFields returns a logger with the given key-value pairs attached to
// every record it emits.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), redactor: l.redactor}
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	attrs := make([]any, 0, len(args)+6)
	if v, ok := ctx.Value(TurnIDKey).(string); ok && v != "" {
		attrs = append(attrs, "turn_id", v)
	}
	if v, ok := ctx.Value(SessionKeyKey).(string); ok && v != "" {
		attrs = append(attrs, "session_key", v)
	}
	if v, ok := ctx.Value(UserIDKey).(string); ok && v != "" {
		attrs = append(attrs, "user_id", v)
	}
	for _, a := range args {
		attrs = append(attrs, l.redactArg(a))
	}
	l.logger.Log(ctx, level, l.redactor.String(msg), attrs...)
}

func (l *Logger) redactArg(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactor.String(val)
	case error:
		return l.redactor.String(val.Error())
	case []byte:
		return l.redactor.String(string(val))
	default:
		return v
	}
}

// WithTurnID stores a turn ID in the context for log correlation.
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, TurnIDKey, turnID)
}

// TurnIDFrom returns the turn ID stored in the context, if any.
func TurnIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(TurnIDKey).(string); ok {
		return v
	}
	return ""
}

// WithSessionKey stores the session key in the context.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, key)
}

// WithUserID stores the user ID in the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
