// Package obslog is the ambient logging layer: a general-purpose logrus
// logger for process/scheduler events, a zerolog append-only per-session
// writer, and a zap diagnostic logger scoped to audit-write failures. Each
// is bound to one concern rather than merged into a single logger.
package obslog

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey namespaces values this package stores on a context.
type ContextKey string

const (
	// SessionIDKey is the context key carrying the current session id.
	SessionIDKey ContextKey = "session_id"
	// ModelKey is the context key carrying the current model name.
	ModelKey ContextKey = "model"
)

// Logger wraps logrus.Logger with the service's field conventions.
type Logger struct {
	*logrus.Logger
	service string
}

// New builds a logger writing JSON or text lines to stdout at the given
// level.
func New(service, level, format string) *Logger {
	l := logrus.New()

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)

	if format == "text" {
		l.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, service: service}
}

// WithContext attaches the service name and any session/model found on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if sid, ok := ctx.Value(SessionIDKey).(string); ok && sid != "" {
		entry = entry.WithField("session_id", sid)
	}
	if model, ok := ctx.Value(ModelKey).(string); ok && model != "" {
		entry = entry.WithField("model", model)
	}
	return entry
}

// WithSession attaches a session id without requiring a context.Value
// round-trip.
func (l *Logger) WithSession(sid string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"service": l.service, "session_id": sid})
}

// WithFields attaches caller-supplied fields plus the service name.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// LogSchedulerTick records one pass of a scheduler's main loop.
func (l *Logger) LogSchedulerTick(scheduler string, dequeued int, duration time.Duration) {
	l.WithFields(logrus.Fields{
		"scheduler":   scheduler,
		"dequeued":    dequeued,
		"duration_ms": duration.Milliseconds(),
	}).Debug("scheduler tick")
}

// LogJobOutcome records a job's terminal state.
func (l *Logger) LogJobOutcome(sid, outcome, detail string) {
	entry := l.WithSession(sid).WithField("outcome", outcome)
	if detail != "" {
		entry = entry.WithField("detail", detail)
	}
	if outcome == "job_failed" {
		entry.Warn("job settled")
	} else {
		entry.Info("job settled")
	}
}

// LogHTTPRequest records one inbound HTTP request.
func (l *Logger) LogHTTPRequest(method, path string, status int, duration time.Duration) {
	l.WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status_code": status,
		"duration_ms": duration.Milliseconds(),
	}).Info("http request")
}

// WithSessionContext returns a context carrying sid for downstream
// WithContext calls.
func WithSessionContext(ctx context.Context, sid string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sid)
}

// WithModelContext returns a context carrying model for downstream
// WithContext calls.
func WithModelContext(ctx context.Context, model string) context.Context {
	return context.WithValue(ctx, ModelKey, model)
}

var defaultLogger *Logger

// InitDefault initializes the package-level default logger. Call once at
// process startup.
func InitDefault(service, level, format string) {
	defaultLogger = New(service, level, format)
}

// Default returns the package-level logger, falling back to a sane default
// if InitDefault was never called (useful in tests).
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("segserve", "info", "json")
	}
	return defaultLogger
}
