package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldTaskID is the standardized key for task identifiers.
	FieldTaskID = "task_id"
	// FieldWorkerID is the standardized key for worker identifiers.
	FieldWorkerID = "worker_id"
	// FieldTaskType is the standardized key for task types.
	FieldTaskType = "task_type"
	// FieldEventType classifies a record for filtering (e.g. "lease_expired").
	FieldEventType = "event_type"
	// FieldErrorHint suggests the operator's next step.
	FieldErrorHint = "error_hint"
	// FieldImpact is the user-facing consequence of a warning.
	FieldImpact = "impact"
)

type contextKey int

const (
	taskIDKey contextKey = iota
	workerIDKey
)

// WithTaskID returns a context carrying the task being processed.
func WithTaskID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// WithWorkerID returns a context carrying the worker identity.
func WithWorkerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workerIDKey, id)
}

// TaskIDFromContext extracts the task id set by WithTaskID.
func TaskIDFromContext(ctx context.Context) (int64, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(taskIDKey).(int64)
	return id, ok && id > 0
}

// WorkerIDFromContext extracts the worker id set by WithWorkerID.
func WorkerIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(workerIDKey).(string)
	return id, ok && id != ""
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	fields := make([]slog.Attr, 0, 2)
	if id, ok := TaskIDFromContext(ctx); ok {
		fields = append(fields, TaskID(id))
	}
	if id, ok := WorkerIDFromContext(ctx); ok {
		fields = append(fields, WorkerID(id))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
