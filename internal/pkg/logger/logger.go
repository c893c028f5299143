package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var zerologLevels = map[Level]zerolog.Level{
	DEBUG: zerolog.DebugLevel,
	INFO:  zerolog.InfoLevel,
	WARN:  zerolog.WarnLevel,
	ERROR: zerolog.ErrorLevel,
}

// ParseLevel maps a config string to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	}
	return INFO
}

// Logger provides structured JSON logging with optional PII redaction.
type Logger struct {
	mu        sync.RWMutex
	zl        zerolog.Logger
	redactPII bool
}

// New builds a logger writing JSON lines to w tagged with the service name.
func New(w io.Writer, service string) *Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zl := zerolog.New(w).With().Timestamp().Str("service", service).Logger().Level(zerolog.InfoLevel)
	return &Logger{zl: zl, redactPII: true}
}

var defaultLogger = New(os.Stderr, "deliverytrack")

// Default returns the process-wide logger.
func Default() *Logger { return defaultLogger }

// Init replaces the default logger's service tag and level. Called once from main.
func Init(service string, level Level) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.zl = defaultLogger.zl.With().Str("service", service).Logger().Level(zerologLevels[level])
}

// SetOutput redirects the default logger, used by tests.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.zl = defaultLogger.zl.Output(w)
}

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.zl = defaultLogger.zl.Level(zerologLevels[l])
}

// SetRedactPII enables or disables PII redaction for the default logger.
func SetRedactPII(r bool) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.redactPII = r
}

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...interface{}) { defaultLogger.log(nil, DEBUG, msg, fields...) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...interface{}) { defaultLogger.log(nil, INFO, msg, fields...) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...interface{}) { defaultLogger.log(nil, WARN, msg, fields...) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...interface{}) { defaultLogger.log(nil, ERROR, msg, fields...) }

// InfoCtx is Info with trace and span ids taken from ctx.
func InfoCtx(ctx context.Context, msg string, fields ...interface{}) {
	defaultLogger.log(ctx, INFO, msg, fields...)
}

// WarnCtx is Warn with trace and span ids taken from ctx.
func WarnCtx(ctx context.Context, msg string, fields ...interface{}) {
	defaultLogger.log(ctx, WARN, msg, fields...)
}

// ErrorCtx is Error with trace and span ids taken from ctx.
func ErrorCtx(ctx context.Context, msg string, fields ...interface{}) {
	defaultLogger.log(ctx, ERROR, msg, fields...)
}

func (l *Logger) log(ctx context.Context, level Level, msg string, fields ...interface{}) {
	l.mu.RLock()
	zl := l.zl
	redact := l.redactPII
	l.mu.RUnlock()

	ev := zl.WithLevel(zerologLevels[level])
	if ev == nil {
		return
	}
	if ctx != nil {
		sc := trace.SpanContextFromContext(ctx)
		if sc.HasTraceID() {
			ev = ev.Str("trace_id", sc.TraceID().String())
		}
		if sc.HasSpanID() {
			ev = ev.Str("span_id", sc.SpanID().String())
		}
	}

	// Parse key-value pairs from fields
	for i := 0; i < len(fields)-1; i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		if err, ok := fields[i+1].(error); ok && key == "error" {
			ev = ev.Str(key, scrub(redact, key, err.Error()))
			continue
		}
		val := fmt.Sprintf("%v", fields[i+1])
		ev = ev.Str(key, scrub(redact, key, val))
	}
	ev.Msg(scrub(redact, "msg", msg))
}

func scrub(redact bool, key, val string) string {
	if !redact {
		return val
	}
	return redactPIIValue(key, val)
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	// Redact email fields
	if strings.Contains(key, "email") || strings.Contains(key, "recipient") {
		return RedactEmail(val)
	}
	// Redact any embedded emails in generic fields
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
