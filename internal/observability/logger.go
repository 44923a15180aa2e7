// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// String builds a string-valued field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Int builds an int-valued field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Err builds an error-valued field under the "error" key.
func Err(err error) Field { return Field{Key: "error", Value: err} }

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts the standard library logger to the Logger interface.
type StdLogger struct {
	logger *log.Logger
	debug  bool
}

// NewStdLogger wraps a *log.Logger. A nil logger uses the process default.
// When debug is false Debug lines are suppressed.
func NewStdLogger(logger *log.Logger, debug bool) *StdLogger {
	if logger == nil {
		logger = log.Default()
	}
	return &StdLogger{logger: logger, debug: debug}
}

func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.logger.Printf("DEBUG %s%s", msg, formatFields(fields))
}

func (l *StdLogger) Info(msg string, fields ...Field) {
	l.logger.Printf("INFO %s%s", msg, formatFields(fields))
}

func (l *StdLogger) Error(msg string, fields ...Field) {
	l.logger.Printf("ERROR %s%s", msg, formatFields(fields))
}

func formatFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(" ")
		b.WriteString(f.Key)
		b.WriteString("=")
		fmt.Fprintf(&b, "%v", f.Value)
	}
	return b.String()
}
