// Package logger provides structured logging for the timing engine.
// Every loop transition, strategy swap and emergency action should be traceable through this.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls how the underlying zap logger is built.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// JSON selects the production JSON encoder instead of the console one.
	JSON bool
}

// Logger provides structured logging with context.
type Logger struct {
	z *zap.Logger
}

// New builds a logger from options.
func New(opts Options) (*Logger, error) {
	var cfg zap.Config
	if opts.JSON {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	if opts.Level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	z, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return &Logger{z: z}, nil
}

// NewFromZap wraps an existing zap logger, e.g. one built by zaptest.
func NewFromZap(z *zap.Logger) *Logger {
	return &Logger{z: z}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// Debug logs verbose diagnostics.
func (l *Logger) Debug(msg string, fields ...zap.Field) {
	l.z.Debug(msg, fields...)
}

// Info logs informational messages.
func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.z.Info(msg, fields...)
}

// Warn logs warning messages.
func (l *Logger) Warn(msg string, fields ...zap.Field) {
	l.z.Warn(msg, fields...)
}

// Error logs error messages.
func (l *Logger) Error(msg string, fields ...zap.Field) {
	l.z.Error(msg, fields...)
}

// Event logs a specific engine event for later auditing.
func (l *Logger) Event(eventType string, actorID string, details string) {
	l.z.Info(details, zap.String("event", eventType), zap.String("actor", actorID))
}

// With returns a child logger carrying the given fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

// Named returns a child logger with the given name segment.
func (l *Logger) Named(name string) *Logger {
	return &Logger{z: l.z.Named(name)}
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.z.Sync()
}
