// Package log is the structured logger used across ledger-signer.
//
// Loggers are created from a Config (usually read from LOG_* environment
// variables) and carried through a context.Context with SetContextLogger and
// FromContext. Code that receives no logger gets a NoopLogger.
package log

import "context"

// Logger is a leveled, key-value logger
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	// Fatal logs and exits the process for zap backed loggers.
	Fatal(msg string, keysAndValues ...any)
	// WithKV returns a logger that adds key=value to every entry
	WithKV(key string, value any) Logger
	// WithName returns a logger named after a component, dot separated
	WithName(name string) Logger
	Name() string
}

// Level is the minimum severity a logger emits
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

type contextKey struct{}

// SetContextLogger returns a copy of ctx carrying lg. A nil lg stores a NoopLogger.
func SetContextLogger(ctx context.Context, lg Logger) context.Context {
	if lg == nil {
		lg = NewNoopLogger()
	}
	return context.WithValue(ctx, contextKey{}, lg)
}

// FromContext returns the logger stored in ctx, or a NoopLogger
func FromContext(ctx context.Context) Logger {
	if lg, ok := ctx.Value(contextKey{}).(Logger); ok {
		return lg
	}
	return NewNoopLogger()
}
