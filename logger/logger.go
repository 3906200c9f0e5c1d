package logger

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Logger interface definition
type Logger interface {
	Fatal(format string, a ...any)
	Err(format string, a ...any)
	Warn(format string, a ...any)
	Info(format string, a ...any)
	Debug(format string, a ...any)
}

// NilLogger is a logger implementation that doesn't write any logs
type NilLogger struct{}

// Fatal panics with the formatted message
func (n *NilLogger) Fatal(format string, a ...any) { panic(fmt.Sprintf(format, a...)) }

// Err does nothing
func (n *NilLogger) Err(format string, a ...any) {}

// Warn does nothing
func (n *NilLogger) Warn(format string, a ...any) {}

// Info does nothing
func (n *NilLogger) Info(format string, a ...any) {}

// Debug does nothing
func (n *NilLogger) Debug(format string, a ...any) {}

// LogrusLogger adapts a logrus entry to the Logger interface.
type LogrusLogger struct {
	entry *logrus.Entry
}

// NewLogrus wraps l. Every line carries component=carrot.
func NewLogrus(l *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{entry: l.WithField("component", "carrot")}
}

// WithField returns a logger that adds key=value to every line.
func (l *LogrusLogger) WithField(key string, value any) *LogrusLogger {
	return &LogrusLogger{entry: l.entry.WithField(key, value)}
}

func (l *LogrusLogger) Fatal(format string, a ...any) { l.entry.Fatalf(format, a...) }
func (l *LogrusLogger) Err(format string, a ...any)   { l.entry.Errorf(format, a...) }
func (l *LogrusLogger) Warn(format string, a ...any)  { l.entry.Warnf(format, a...) }
func (l *LogrusLogger) Info(format string, a ...any)  { l.entry.Infof(format, a...) }
func (l *LogrusLogger) Debug(format string, a ...any) { l.entry.Debugf(format, a...) }

// ParseLogrusLevel maps CLI level names onto logrus levels, defaulting to info.
func ParseLogrusLevel(level string) logrus.Level {
	parsed, err := logrus.ParseLevel(level)
	if err != nil || level == "" {
		return logrus.InfoLevel
	}
	return parsed
}
