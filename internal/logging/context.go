package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	scheduleIDKey ctxKey = iota
	operationKey
	stepKey
	resourceIDKey
)

// WithScheduleID returns a context with the schedule ID set.
func WithScheduleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, scheduleIDKey, id)
}

// WithOperation returns a context with the operation name set.
func WithOperation(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, operationKey, name)
}

// WithStep returns a context with the step name set.
func WithStep(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stepKey, name)
}

// WithResourceID returns a context with the managed resource ID set.
func WithResourceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, resourceIDKey, id)
}

// WithSchedule sets schedule ID and operation name at once.
func WithSchedule(ctx context.Context, scheduleID, operation string) context.Context {
	return WithOperation(WithScheduleID(ctx, scheduleID), operation)
}

func ScheduleID(ctx context.Context) string {
	v, _ := ctx.Value(scheduleIDKey).(string)
	return v
}

func Operation(ctx context.Context) string {
	v, _ := ctx.Value(operationKey).(string)
	return v
}

func Step(ctx context.Context) string {
	v, _ := ctx.Value(stepKey).(string)
	return v
}

func ResourceID(ctx context.Context) string {
	v, _ := ctx.Value(resourceIDKey).(string)
	return v
}

// attrs returns the non-empty correlation values carried by ctx.
func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	if v := ScheduleID(ctx); v != "" {
		out = append(out, slog.String("schedule_id", v))
	}
	if v := Operation(ctx); v != "" {
		out = append(out, slog.String("operation", v))
	}
	if v := Step(ctx); v != "" {
		out = append(out, slog.String("step", v))
	}
	if v := ResourceID(ctx); v != "" {
		out = append(out, slog.String("resource_id", v))
	}
	return out
}

// CorrelationHandler wraps an slog.Handler and injects the correlation
// values found in the record's context. Callers use logger.InfoContext(ctx, ...).
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with correlation injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
