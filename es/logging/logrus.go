// Package logging adapts logrus to the es.Logger interface.
package logging

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/chunkstream/chunkstream/es"
)

// LogrusLogger bridges a logrus entry to es.Logger. Key/value pairs
// become structured fields on every line.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps an existing logrus logger.
func NewLogrusLogger(logger *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{entry: logrus.NewEntry(logger)}
}

// NewLogrusEntryLogger wraps a logrus entry, preserving any fields
// already attached to it.
func NewLogrusEntryLogger(entry *logrus.Entry) *LogrusLogger {
	return &LogrusLogger{entry: entry}
}

// Debug implements es.Logger.
func (l *LogrusLogger) Debug(ctx context.Context, msg string, keyvals ...interface{}) {
	l.entry.WithContext(ctx).WithFields(fields(keyvals)).Debug(msg)
}

// Info implements es.Logger.
func (l *LogrusLogger) Info(ctx context.Context, msg string, keyvals ...interface{}) {
	l.entry.WithContext(ctx).WithFields(fields(keyvals)).Info(msg)
}

// Error implements es.Logger.
func (l *LogrusLogger) Error(ctx context.Context, msg string, keyvals ...interface{}) {
	l.entry.WithContext(ctx).WithFields(fields(keyvals)).Error(msg)
}

// fields converts alternating key/value pairs into logrus fields. A
// trailing key without a value is kept under "!BADKEY" rather than
// dropped.
func fields(keyvals []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(keyvals)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = "!BADKEY"
		}
		if i+1 < len(keyvals) {
			f[key] = keyvals[i+1]
		} else {
			f[key] = "(MISSING)"
		}
	}
	return f
}

var _ es.Logger = (*LogrusLogger)(nil)
