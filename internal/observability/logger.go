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

// F constructs a logging field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

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
	out   *log.Logger
	debug bool
}

// NewStdLogger wraps a standard library logger. Debug lines are suppressed
// unless debug is true.
func NewStdLogger(out *log.Logger, debug bool) *StdLogger {
	if out == nil {
		out = log.Default()
	}
	return &StdLogger{out: out, debug: debug}
}

func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.write("DEBUG", msg, fields)
}

func (l *StdLogger) Info(msg string, fields ...Field) {
	l.write("INFO", msg, fields)
}

func (l *StdLogger) Error(msg string, fields ...Field) {
	l.write("ERROR", msg, fields)
}

func (l *StdLogger) write(level, msg string, fields []Field) {
	if len(fields) == 0 {
		l.out.Printf("%s %s", level, msg)
		return
	}
	var b strings.Builder
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", f.Value)
	}
	l.out.Printf("%s %s%s", level, msg, b.String())
}
