package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	stepIDKey
	organizationIDKey
	activityIDKey
)

// correlation lists the context keys stamped on records, in output order.
var correlation = []struct {
	key  ctxKey
	attr string
}{
	{organizationIDKey, "organization_id"},
	{runIDKey, "run_id"},
	{stepIDKey, "step_id"},
	{activityIDKey, "activity_id"},
}

// WithRunID returns a context carrying the playbook run id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithStepID returns a context carrying the step id.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithOrganizationID returns a context carrying the organization id.
func WithOrganizationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, organizationIDKey, id)
}

// WithActivityID returns a context carrying the tracing activity id.
func WithActivityID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, activityIDKey, id)
}

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// RunID extracts the run id from the context, or "" if absent.
func RunID(ctx context.Context) string { return value(ctx, runIDKey) }

// StepID extracts the step id from the context, or "" if absent.
func StepID(ctx context.Context) string { return value(ctx, stepIDKey) }

// OrganizationID extracts the organization id from the context, or "" if absent.
func OrganizationID(ctx context.Context) string { return value(ctx, organizationIDKey) }

// ActivityID extracts the activity id from the context, or "" if absent.
func ActivityID(ctx context.Context) string { return value(ctx, activityIDKey) }

func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, c := range correlation {
		if v := value(ctx, c.key); v != "" {
			out = append(out, slog.String(c.attr, v))
		}
	}
	return out
}

// LogWith returns a logger enriched with the correlation ids present in ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and adds the correlation ids found
// in the record's context. Log with logger.InfoContext(ctx, ...) to get them.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner.
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

func (h *CorrelationHandler) WithAttrs(a []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(a)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
