package es

import "context"

// Logger provides a minimal interface for observability and debugging.
// It is optional and non-blocking, with zero overhead when disabled.
// The logging package provides a logrus-backed implementation; users
// can supply their own.
type Logger interface {
	// Debug logs detailed troubleshooting information.
	Debug(ctx context.Context, msg string, keyvals ...interface{})

	// Info logs significant events during normal operation.
	Info(ctx context.Context, msg string, keyvals ...interface{})

	// Error logs failures that require attention.
	Error(ctx context.Context, msg string, keyvals ...interface{})
}

// NoOpLogger is a logger that does nothing. It is the default wherever
// a Logger is accepted.
type NoOpLogger struct{}

// Debug implements Logger.
func (NoOpLogger) Debug(_ context.Context, _ string, _ ...interface{}) {}

// Info implements Logger.
func (NoOpLogger) Info(_ context.Context, _ string, _ ...interface{}) {}

// Error implements Logger.
func (NoOpLogger) Error(_ context.Context, _ string, _ ...interface{}) {}
