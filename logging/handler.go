package logging

import (
	"context"
	"log/slog"
)

const (
	componentKey = "component"
	opIDKey      = "op_id"
)

type opIDContextKey struct{}

// WithOpID returns a context whose log records carry id as "op_id".
// The control server tags every request this way.
func WithOpID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, opIDContextKey{}, id)
}

// OpID returns the operation id stored in ctx, if any.
func OpID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(opIDContextKey{}).(string)
	return id, ok
}

// filteringHandler drops records below the level its Spec sets for
// the logger's component, and adds the context's op_id.
type filteringHandler struct {
	inner     slog.Handler
	spec      *Spec
	component string
}

// NewFilteringHandler wraps inner with per-component filtering.
func NewFilteringHandler(inner slog.Handler, spec *Spec) slog.Handler {
	return &filteringHandler{
		inner: inner,
		spec:  spec,
	}
}

func (h *filteringHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.spec.LevelFor(h.component).ToSlog()
}

func (h *filteringHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.Enabled(ctx, r.Level) {
		return nil
	}
	if id, ok := OpID(ctx); ok {
		r = r.Clone()
		r.AddAttrs(slog.String(opIDKey, id))
	}
	return h.inner.Handle(ctx, r)
}

// WithAttrs picks up a "component" attribute for filtering.
func (h *filteringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &filteringHandler{
		inner:     h.inner.WithAttrs(attrs),
		spec:      h.spec,
		component: h.component,
	}
	for _, attr := range attrs {
		if attr.Key == componentKey {
			next.component = attr.Value.String()
			break
		}
	}
	return next
}

func (h *filteringHandler) WithGroup(name string) slog.Handler {
	return &filteringHandler{
		inner:     h.inner.WithGroup(name),
		spec:      h.spec,
		component: h.component,
	}
}
