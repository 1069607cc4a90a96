package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across agentpulse.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID     = "job_id"
	FieldTaskID    = "task_id"
	FieldRunID     = "run_id"
	FieldRuleID    = "rule_id"
	FieldUserID    = "user_id"
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"

	// Components
	FieldComponent = "component"
	FieldPlugin    = "plugin"
	FieldSubagent  = "subagent"

	// Operations
	FieldStep      = "step"
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldKey       = "key"
	FieldModes     = "schedule_modes"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldNextRun    = "next_run_at"
	FieldUntil      = "window_until"

	// Errors
	FieldError = "error"

	// Counts and sizes
	FieldCount     = "count"
	FieldBatchSize = "batch_size"

	// Status
	FieldStatus = "status"
	FieldState  = "state"

	// Network
	FieldAddress = "address"
	FieldHost    = "host"
	FieldURL     = "url"

	FieldSymbol = "symbol"
)

// Context keys for propagating logging context
type contextKey string

const (
	taskIDKey    contextKey = "logger_task_id"
	runIDKey     contextKey = "logger_run_id"
	requestIDKey contextKey = "logger_request_id"
)

// WithTaskID adds a scheduled task ID to the context for logging
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// WithRunID adds a run ID to the context for logging
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if v, ok := ctx.Value(taskIDKey).(string); ok && v != "" {
		fields = append(fields, FieldTaskID, v)
	}
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		fields = append(fields, FieldRunID, v)
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		fields = append(fields, FieldRequestID, v)
	}

	return fields
}

// FromContext returns base (or the global logger) with fields extracted from context.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	l := OrGlobal(base)
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type Dispatcher struct {
//	    log *zap.SugaredLogger
//	}
//
//	func NewDispatcher() *Dispatcher {
//	    return &Dispatcher{log: logger.ComponentLogger("pulse.dispatch")}
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
