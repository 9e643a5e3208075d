package logging

import (
	"context"
	"io"
	"log/slog"
	"runtime/debug"
)

// Outcome values attached to every event.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeWarning = "warning"
	OutcomeSkipped = "skipped"
)

// Logger emits one JSON event per significant action with a fixed schema:
// level, timestamp, action, outcome, message, plus any request context fields
// bound via With (request_id, user_id, chat_id, message_id).
type Logger struct {
	base *slog.Logger
}

func New(w io.Writer) *Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				a.Key = "timestamp"
			case slog.MessageKey:
				a.Key = "message"
			case slog.LevelKey:
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == slog.LevelWarn {
					a.Value = slog.StringValue("WARNING")
				}
			}
			return a
		},
	})
	return &Logger{base: slog.New(h)}
}

// With returns a logger carrying additional persistent fields. Used once per
// request to bind request_id, user_id, chat_id and message_id.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{base: l.base.With(args...)}
}

// Log emits an event with an explicit outcome.
func (l *Logger) Log(level slog.Level, action, outcome, msg string, args ...any) {
	attrs := append([]any{"action", action, "outcome", outcome}, args...)
	l.base.Log(context.Background(), level, msg, attrs...)
}

func (l *Logger) Info(action, msg string, args ...any) {
	l.Log(slog.LevelInfo, action, OutcomeSuccess, msg, args...)
}

func (l *Logger) Warn(action, msg string, args ...any) {
	l.Log(slog.LevelWarn, action, OutcomeWarning, msg, args...)
}

// Error logs a failure with the error text and a stack trace.
func (l *Logger) Error(action, msg string, err error, args ...any) {
	if err != nil {
		args = append(args, "error", err.Error(), "stack_trace", string(debug.Stack()))
	}
	l.Log(slog.LevelError, action, OutcomeFailure, msg, args...)
}
