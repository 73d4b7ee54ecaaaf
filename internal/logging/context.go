package logging

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// Fields are the correlation ids attached to log records.
type Fields struct {
	ExecutionID string
	WorkflowID  string
	DocumentID  string
	StepID      string
	UserID      string
}

// merge overlays the non-empty values of o onto f.
func (f Fields) merge(o Fields) Fields {
	if o.ExecutionID != "" {
		f.ExecutionID = o.ExecutionID
	}
	if o.WorkflowID != "" {
		f.WorkflowID = o.WorkflowID
	}
	if o.DocumentID != "" {
		f.DocumentID = o.DocumentID
	}
	if o.StepID != "" {
		f.StepID = o.StepID
	}
	if o.UserID != "" {
		f.UserID = o.UserID
	}
	return f
}

func (f Fields) attrs() []slog.Attr {
	var out []slog.Attr
	for _, kv := range [...]struct{ k, v string }{
		{"execution_id", f.ExecutionID},
		{"workflow_id", f.WorkflowID},
		{"document_id", f.DocumentID},
		{"step_id", f.StepID},
		{"user_id", f.UserID},
	} {
		if kv.v != "" {
			out = append(out, slog.String(kv.k, kv.v))
		}
	}
	return out
}

// WithFields returns a context carrying f merged over any fields already
// present.
func WithFields(ctx context.Context, f Fields) context.Context {
	return context.WithValue(ctx, ctxKey{}, FieldsFrom(ctx).merge(f))
}

// WithExecution is shorthand for the ids every execution log line carries.
func WithExecution(ctx context.Context, executionID, workflowID, documentID, userID string) context.Context {
	return WithFields(ctx, Fields{ExecutionID: executionID, WorkflowID: workflowID, DocumentID: documentID, UserID: userID})
}

// WithStep adds the step id.
func WithStep(ctx context.Context, stepID string) context.Context {
	return WithFields(ctx, Fields{StepID: stepID})
}

// FieldsFrom extracts the correlation fields, zero if absent.
func FieldsFrom(ctx context.Context) Fields {
	f, _ := ctx.Value(ctxKey{}).(Fields)
	return f
}

// LogWith returns logger enriched with the context's correlation ids.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := FieldsFrom(ctx).attrs()
	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

// CorrelationHandler injects the context's correlation ids into every
// record, so logger.InfoContext(ctx, ...) carries them without LogWith.
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
	r.AddAttrs(FieldsFrom(ctx).attrs()...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
