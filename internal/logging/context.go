package logging

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextKey is a type for context keys to avoid collisions
type ContextKey string

const (
	// CorrelationIDKey is the key used to store and retrieve correlation IDs from context
	CorrelationIDKey ContextKey = "correlation_id"

	// RequestIDKey is the key used to store and retrieve request IDs from context
	RequestIDKey ContextKey = "request_id"
)

// WithCorrelationID returns a new context with the correlation ID set
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// WithRequestID returns a new context with the request ID set
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// NewCorrelationID returns ctx unchanged when it already carries an id,
// otherwise a child context with a fresh one.
func NewCorrelationID(ctx context.Context) (context.Context, string) {
	if id := GetCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.New().String()
	return WithCorrelationID(ctx, id), id
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// FromContext adds correlation and request id fields found in ctx to logger.
func FromContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	var fields []zapcore.Field
	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		fields = append(fields, zap.String("correlation_id", correlationID))
	}
	if requestID := GetRequestID(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	if len(fields) > 0 {
		return logger.With(fields...)
	}
	return logger
}

// TaskFields are attached to every log line about one accepted task.
func TaskFields(taskID, internalID string) []zapcore.Field {
	return []zapcore.Field{
		zap.String("task_id", taskID),
		zap.String("task_internal_id", internalID),
	}
}
