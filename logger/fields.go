package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across herald.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldPostID    = "post_id"
	FieldJobID     = "job_id"
	FieldContentID = "content_id"
	FieldRequestID = "request_id"

	// Components
	FieldComponent = "component"
	FieldEngine    = "engine"
	FieldWorkerID  = "worker_id"

	// Dispatch
	FieldPlatform   = "platform"
	FieldAttempt    = "attempt"
	FieldRetryCount = "retry_count"
	FieldOutcome    = "outcome"
	FieldExternalID = "external_id"

	// Timing
	FieldDurationMS    = "duration_ms"
	FieldScheduledTime = "scheduled_time"
	FieldRunAt         = "run_at"

	// Errors
	FieldError      = "error"
	FieldErrorClass = "error_class"

	// Counts and status
	FieldCount  = "count"
	FieldStatus = "status"
)

// Context keys for propagating logging context
type contextKey string

const (
	postIDKey    contextKey = "logger_post_id"
	jobIDKey     contextKey = "logger_job_id"
	requestIDKey contextKey = "logger_request_id"
	componentKey contextKey = "logger_component"
)

// WithPostID adds a scheduled post ID to the context for logging
func WithPostID(ctx context.Context, postID string) context.Context {
	return context.WithValue(ctx, postIDKey, postID)
}

// WithJobID adds a broker job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if postID, ok := ctx.Value(postIDKey).(string); ok && postID != "" {
		fields = append(fields, FieldPostID, postID)
	}
	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base (or the global Logger when base is nil) with the
// fields carried by ctx attached.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	poller := schedule.NewPoller(dispatcher, control, cfg, logger.ComponentLogger("pulse.poller"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
