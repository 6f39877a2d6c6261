// Package logger wraps logrus with a small field-oriented interface shared by
// the service packages.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
}

type Field struct {
	Key   string
	Value interface{}
}

type Fields map[string]interface{}

// Err is shorthand for an error field; nil errors are logged as an empty string.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: ""}
	}
	return Field{Key: "error", Value: err.Error()}
}

const (
	FormatJSON = "json"
	FormatText = "text"
)

type entryLogger struct {
	entry *logrus.Entry
}

// New builds a stdout logger. Unknown levels fall back to info, unknown formats to text.
func New(level string, format string) Logger {
	return NewWithOutput(level, format, os.Stdout)
}

func NewWithOutput(level string, format string, out io.Writer) Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetLevel(parseLevel(level))
	base.SetFormatter(formatter(format))
	return &entryLogger{entry: logrus.NewEntry(base)}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	base.SetLevel(logrus.PanicLevel)
	return &entryLogger{entry: logrus.NewEntry(base)}
}

func parseLevel(level string) logrus.Level {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}

func formatter(format string) logrus.Formatter {
	if format == FormatJSON {
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	}
	return &logrus.TextFormatter{TimestampFormat: time.RFC3339Nano, FullTimestamp: true}
}

func (l *entryLogger) Debug(msg string, fields ...Field) { l.with(fields).Debug(msg) }
func (l *entryLogger) Info(msg string, fields ...Field)  { l.with(fields).Info(msg) }
func (l *entryLogger) Warn(msg string, fields ...Field)  { l.with(fields).Warning(msg) }
func (l *entryLogger) Error(msg string, fields ...Field) { l.with(fields).Error(msg) }
func (l *entryLogger) Fatal(msg string, fields ...Field) { l.with(fields).Fatal(msg) }

func (l *entryLogger) WithField(key string, value interface{}) Logger {
	return &entryLogger{entry: l.entry.WithField(key, value)}
}

func (l *entryLogger) WithFields(fields Fields) Logger {
	return &entryLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

func (l *entryLogger) with(fields []Field) *logrus.Entry {
	if len(fields) == 0 {
		return l.entry
	}
	lf := make(logrus.Fields, len(fields))
	for _, f := range fields {
		lf[f.Key] = f.Value
	}
	return l.entry.WithFields(lf)
}

var defaultLogger = New("info", FormatJSON)

func SetDefault(l Logger) { defaultLogger = l }

func Default() Logger { return defaultLogger }

func Info(msg string, fields ...Field)  { defaultLogger.Info(msg, fields...) }
func Warn(msg string, fields ...Field)  { defaultLogger.Warn(msg, fields...) }
func Error(msg string, fields ...Field) { defaultLogger.Error(msg, fields...) }
func Fatal(msg string, fields ...Field) { defaultLogger.Fatal(msg, fields...) }
