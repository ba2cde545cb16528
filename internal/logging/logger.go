// Package logging provides structured logging with trace-id propagation,
// used throughout the memory engine in place of ad-hoc fmt.Println calls.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Logger is a structured, component- and trace-scoped logging interface.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})

	DebugContext(ctx context.Context, msg string, fields ...interface{})
	InfoContext(ctx context.Context, msg string, fields ...interface{})
	WarnContext(ctx context.Context, msg string, fields ...interface{})
	ErrorContext(ctx context.Context, msg string, fields ...interface{})

	WithComponent(component string) Logger
}

// Level is a logging severity threshold.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// ParseLevel converts a level name, defaulting to INFO when unrecognized.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

type traceKey struct{}

// WithTraceID attaches a trace id to ctx, generating one if empty.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = uuid.New().String()
	}
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts the trace id from ctx, if any.
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(traceKey{}).(string); ok {
		return id
	}
	return ""
}

type entry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Message   string                 `json:"message"`
	Caller    string                 `json:"caller,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// structuredLogger is a JSON-lines logger; set MEMORIA_LOG_JSON=false for a
// human-readable line format instead.
type structuredLogger struct {
	level     Level
	component string
	asJSON    bool
}

// New creates a Logger at the given level.
func New(level Level) Logger {
	return &structuredLogger{level: level, asJSON: envBool("MEMORIA_LOG_JSON", true)}
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "1" || strings.EqualFold(v, "true")
}

func (l *structuredLogger) WithComponent(component string) Logger {
	return &structuredLogger{level: l.level, component: component, asJSON: l.asJSON}
}

func (l *structuredLogger) log(level Level, name, traceID, msg string, fields ...interface{}) {
	if level < l.level {
		return
	}
	fm := make(map[string]interface{}, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		fm[fmt.Sprintf("%v", fields[i])] = fields[i+1]
	}
	caller := ""
	if _, file, line, ok := runtime.Caller(3); ok {
		parts := strings.Split(file, "/")
		caller = fmt.Sprintf("%s:%d", parts[len(parts)-1], line)
	}
	e := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     name,
		Component: l.component,
		TraceID:   traceID,
		Message:   msg,
		Caller:    caller,
		Fields:    fm,
	}
	if l.asJSON {
		data, err := json.Marshal(e)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logging: marshal failed: %v\n", err)
			return
		}
		fmt.Println(string(data))
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]", e.Timestamp, e.Level)
	if e.Component != "" {
		fmt.Fprintf(&b, " %s", e.Component)
	}
	if e.TraceID != "" {
		fmt.Fprintf(&b, " trace=%s", e.TraceID)
	}
	fmt.Fprintf(&b, " %s", e.Message)
	for k, v := range fm {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	fmt.Println(b.String())
}

func (l *structuredLogger) Debug(msg string, fields ...interface{}) { l.log(DEBUG, "DEBUG", "", msg, fields...) }
func (l *structuredLogger) Info(msg string, fields ...interface{})  { l.log(INFO, "INFO", "", msg, fields...) }
func (l *structuredLogger) Warn(msg string, fields ...interface{})  { l.log(WARN, "WARN", "", msg, fields...) }
func (l *structuredLogger) Error(msg string, fields ...interface{}) { l.log(ERROR, "ERROR", "", msg, fields...) }

func (l *structuredLogger) DebugContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(DEBUG, "DEBUG", TraceID(ctx), msg, fields...)
}
func (l *structuredLogger) InfoContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(INFO, "INFO", TraceID(ctx), msg, fields...)
}
func (l *structuredLogger) WarnContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(WARN, "WARN", TraceID(ctx), msg, fields...)
}
func (l *structuredLogger) ErrorContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log(ERROR, "ERROR", TraceID(ctx), msg, fields...)
}

// Noop is a Logger that discards everything, useful in tests.
type Noop struct{}

func (Noop) Debug(string, ...interface{})                         {}
func (Noop) Info(string, ...interface{})                          {}
func (Noop) Warn(string, ...interface{})                          {}
func (Noop) Error(string, ...interface{})                         {}
func (Noop) DebugContext(context.Context, string, ...interface{}) {}
func (Noop) InfoContext(context.Context, string, ...interface{})  {}
func (Noop) WarnContext(context.Context, string, ...interface{})  {}
func (Noop) ErrorContext(context.Context, string, ...interface{}) {}
func (n Noop) WithComponent(string) Logger                        { return n }
