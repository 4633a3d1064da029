package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// Logger emits one JSON object per line. It is safe for concurrent use.
type Logger struct {
	mu        sync.Mutex
	out       io.Writer
	service   string
	component string
}

func NewLogger(out io.Writer, service string) *Logger {
	if out == nil {
		out = io.Discard
	}
	return &Logger{out: out, service: strings.TrimSpace(service)}
}

// WithComponent returns a logger that tags every entry with the component
// name, sharing the parent's output.
func (l *Logger) WithComponent(component string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{out: l.out, service: l.service, component: strings.TrimSpace(component)}
}

// WithCorrelationID stores a correlation identifier in the context so
// every log entry produced while handling one connection can be tied
// back to it.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationIDKey, strings.TrimSpace(id))
}

func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}

func (l *Logger) Infof(ctx context.Context, format string, v ...any) {
	l.log(ctx, "info", fmt.Sprintf(format, v...))
}

func (l *Logger) Warnf(ctx context.Context, format string, v ...any) {
	l.log(ctx, "warn", fmt.Sprintf(format, v...))
}

func (l *Logger) Errorf(ctx context.Context, format string, v ...any) {
	l.log(ctx, "error", fmt.Sprintf(format, v...))
}

func (l *Logger) Fatalf(ctx context.Context, format string, v ...any) {
	if l != nil {
		l.log(ctx, "fatal", fmt.Sprintf(format, v...))
	}
	os.Exit(1)
}

type entry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Service   string `json:"service,omitempty"`
	Component string `json:"component,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

func (l *Logger) log(ctx context.Context, level, msg string) {
	if l == nil {
		return
	}

	rec := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Service:   l.service,
		Component: l.component,
		TraceID:   CorrelationIDFromContext(ctx),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(data, '\n'))
}
