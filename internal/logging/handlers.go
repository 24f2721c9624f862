package logging

import (
	"context"
	"errors"
	"log/slog"
	"slices"
)

// ContextProvider returns attributes describing the live server state.
type ContextProvider func() []slog.Attr

// TeeHandler writes every record to each enabled branch. A failing branch
// does not keep the record from the others.
type TeeHandler struct {
	branches []slog.Handler
}

// NewTeeHandler creates a TeeHandler. Nil branches are skipped.
func NewTeeHandler(branches ...slog.Handler) *TeeHandler {
	return &TeeHandler{branches: slices.DeleteFunc(slices.Clone(branches), func(h slog.Handler) bool {
		return h == nil
	})}
}

func (t *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return slices.ContainsFunc(t.branches, func(h slog.Handler) bool { return h.Enabled(ctx, level) })
}

// Handle returns the joined errors of all failing branches.
func (t *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t.branches {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return t.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (t *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return t
	}
	return t.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (t *TeeHandler) each(fn func(slog.Handler) slog.Handler) *TeeHandler {
	out := make([]slog.Handler, len(t.branches))
	for i, h := range t.branches {
		out[i] = fn(h)
	}
	return &TeeHandler{branches: out}
}

// stateHandler appends the provider's attributes as a "state" group.
type stateHandler struct {
	slog.Handler
	provider ContextProvider
}

// WithState wraps inner so every record carries the current server state.
func WithState(inner slog.Handler, provider ContextProvider) slog.Handler {
	if provider == nil {
		return inner
	}
	return &stateHandler{Handler: inner, provider: provider}
}

func (h *stateHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := h.provider(); len(attrs) > 0 {
		r.AddAttrs(slog.Attr{Key: "state", Value: slog.GroupValue(attrs...)})
	}
	return h.Handler.Handle(ctx, r)
}

func (h *stateHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &stateHandler{Handler: h.Handler.WithAttrs(attrs), provider: h.provider}
}

func (h *stateHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &stateHandler{Handler: h.Handler.WithGroup(name), provider: h.provider}
}
