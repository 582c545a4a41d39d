// Package log provides the structured logger used across sit. Components receive a Logger
// explicitly; there is no package-level logger.
package log

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

const (
	// JSONFormat is the name of the JSON log format.
	JSONFormat = "json"
	// TextFormat is the name of the human readable log format.
	TextFormat = "text"
)

// Fields contains key-value pairs of structured logging data.
type Fields = logrus.Fields

// Logger is the logging interface used throughout sit.
type Logger interface {
	WithField(key string, value any) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger

	Trace(msg string)
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)

	InfoContext(ctx context.Context, msg string)
	ErrorContext(ctx context.Context, msg string)
}

// LogrusLogger is an implementation of the Logger interface that is implemented via a
// `logrus.FieldLogger`.
type LogrusLogger struct {
	entry *logrus.Entry
}

// FromLogrusEntry constructs a new sit-specific Logger from a `logrus.Entry`.
func FromLogrusEntry(entry *logrus.Entry) LogrusLogger {
	return LogrusLogger{entry: entry}
}

// Configure configures a new logger writing to out. The format must be one of "text" or
// "json", and the level must be a level name understood by logrus.
func Configure(out io.Writer, format string, level string) (LogrusLogger, error) {
	logger := logrus.New() //nolint:forbidigo
	logger.Out = out

	switch format {
	case JSONFormat:
		logger.Formatter = &logrus.JSONFormatter{}
	case TextFormat, "":
		logger.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	default:
		return LogrusLogger{}, fmt.Errorf("invalid logger format %q", format)
	}

	if level == "" {
		level = logrus.InfoLevel.String()
	}

	parsedLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return LogrusLogger{}, fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(parsedLevel)

	return FromLogrusEntry(logrus.NewEntry(logger)), nil
}

// LogrusEntry returns the `logrus.Entry` that backs this logger.
func (l LogrusLogger) LogrusEntry() *logrus.Entry {
	return l.entry
}

// WithField creates a new logger with the given field appended.
func (l LogrusLogger) WithField(key string, value any) Logger {
	return LogrusLogger{entry: l.entry.WithField(key, value)}
}

// WithFields creates a new logger with the given fields appended.
func (l LogrusLogger) WithFields(fields Fields) Logger {
	return LogrusLogger{entry: l.entry.WithFields(fields)}
}

// WithError creates a new logger with an appended error field.
func (l LogrusLogger) WithError(err error) Logger {
	return LogrusLogger{entry: l.entry.WithError(err)}
}

// Trace writes a log message at trace level.
func (l LogrusLogger) Trace(msg string) {
	l.entry.Trace(msg)
}

// Debug writes a log message at debug level.
func (l LogrusLogger) Debug(msg string) {
	l.entry.Debug(msg)
}

// Info writes a log message at info level.
func (l LogrusLogger) Info(msg string) {
	l.entry.Info(msg)
}

// Warn writes a log message at warn level.
func (l LogrusLogger) Warn(msg string) {
	l.entry.Warn(msg)
}

// Error writes a log message at error level.
func (l LogrusLogger) Error(msg string) {
	l.entry.Error(msg)
}

// InfoContext writes a log message at info level.
func (l LogrusLogger) InfoContext(ctx context.Context, msg string) {
	l.entry.WithContext(ctx).Info(msg)
}

// ErrorContext writes a log message at error level.
func (l LogrusLogger) ErrorContext(ctx context.Context, msg string) {
	l.entry.WithContext(ctx).Error(msg)
}
