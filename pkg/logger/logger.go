// Package logger provides structured logging using slog with request context support.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// RequestIDKey is the context key for request ID.
	RequestIDKey contextKey = "request_id"
	// DeploymentIDKey is the context key for deployment ID.
	DeploymentIDKey contextKey = "deployment_id"
	// ProjectIDKey is the context key for project ID.
	ProjectIDKey contextKey = "project_id"
)

// Logger wraps slog.Logger with additional context-aware methods.
type Logger struct {
	*slog.Logger
}

// New creates a new Logger with the specified level and format.
func New(level slog.Level, json bool) *Logger {
	return NewWithWriter(os.Stdout, level, json)
}

// NewWithWriter creates a new Logger writing to w.
func NewWithWriter(w io.Writer, level slog.Level, json bool) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}
}

// Wrap adapts an injected *slog.Logger, falling back to slog.Default().
func Wrap(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{Logger: l}
}

// FromEnv creates a logger configured by LOG_LEVEL (debug, info, warn, error)
// and LOG_FORMAT (json, text).
func FromEnv() *Logger {
	return New(ParseLevel(os.Getenv("LOG_LEVEL")), !strings.EqualFold(os.Getenv("LOG_FORMAT"), "text"))
}

// ParseLevel converts a level name to a slog.Level, defaulting to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithContext returns a new Logger with fields extracted from the context.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		logger = logger.With("request_id", requestID)
	}

	if deploymentID, ok := ctx.Value(DeploymentIDKey).(string); ok && deploymentID != "" {
		logger = logger.With("deployment_id", deploymentID)
	}

	if projectID, ok := ctx.Value(ProjectIDKey).(string); ok && projectID != "" {
		logger = logger.With("project_id", projectID)
	}

	return &Logger{Logger: logger}
}

// WithDeployment returns a new Logger scoped to a project deployment.
func (l *Logger) WithDeployment(projectID, deploymentID string) *Logger {
	return &Logger{
		Logger: l.Logger.With("project_id", projectID, "deployment_id", deploymentID),
	}
}

// WithComponent returns a new Logger with the component field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", component),
	}
}

// WithError returns a new Logger with the error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		Logger: l.Logger.With("error", err.Error()),
	}
}

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// ContextWithDeployment adds project and deployment IDs to the context.
func ContextWithDeployment(ctx context.Context, projectID, deploymentID string) context.Context {
	ctx = context.WithValue(ctx, ProjectIDKey, projectID)
	return context.WithValue(ctx, DeploymentIDKey, deploymentID)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
