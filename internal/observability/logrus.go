package observability

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogrusLogger adapts a logrus logger to the Logger interface.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger wraps the supplied logrus logger, tagging every entry with component.
func NewLogrusLogger(base *logrus.Logger, component string) *LogrusLogger {
	if base == nil {
		base = logrus.New()
	}
	entry := logrus.NewEntry(base)
	if c := strings.TrimSpace(component); c != "" {
		entry = entry.WithField("component", c)
	}
	return &LogrusLogger{entry: entry}
}

// NewJSONLogrus builds a logrus logger emitting JSON lines at the requested level.
// Unknown levels fall back to info.
func NewJSONLogrus(out io.Writer, level string) *logrus.Logger {
	logger := logrus.New()
	if out != nil {
		logger.SetOutput(out)
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	return logger
}

// With returns a child logger carrying the extra fields.
func (l *LogrusLogger) With(fields ...Field) *LogrusLogger {
	return &LogrusLogger{entry: l.entry.WithFields(toLogrusFields(fields))}
}

// Debug implements Logger.
func (l *LogrusLogger) Debug(msg string, fields ...Field) {
	l.entry.WithFields(toLogrusFields(fields)).Debug(msg)
}

// Info implements Logger.
func (l *LogrusLogger) Info(msg string, fields ...Field) {
	l.entry.WithFields(toLogrusFields(fields)).Info(msg)
}

// Error implements Logger.
func (l *LogrusLogger) Error(msg string, fields ...Field) {
	l.entry.WithFields(toLogrusFields(fields)).Error(msg)
}

func toLogrusFields(fields []Field) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for _, f := range fields {
		key := strings.TrimSpace(f.Key)
		if key == "" {
			continue
		}
		out[key] = f.Value
	}
	return out
}
