package correlation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
)

// maxInboundLength bounds request IDs accepted from clients.
const maxInboundLength = 64

type contextKey struct{}

// NewID returns eight random hex characters.
func NewID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// ID reports the correlation ID on ctx. An empty ID counts as absent.
func ID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// Adopt tags ctx with inbound when a client sent a usable request ID and with a
// fresh one otherwise. IDs that are too long or contain anything but letters,
// digits, '-' and '_' are replaced so they cannot garble log lines.
func Adopt(ctx context.Context, inbound string) (context.Context, string) {
	id := inbound
	if !acceptable(id) {
		id = NewID()
	}
	return WithID(ctx, id), id
}

// Fork tags ctx with a fresh ID, for work that starts on its own such as a
// dashboard fetch sequence or a poll tick.
func Fork(ctx context.Context) context.Context {
	return WithID(ctx, NewID())
}

func acceptable(id string) bool {
	if id == "" || len(id) > maxInboundLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// Handler is a slog.Handler decorator: records logged with a context that
// carries an ID get a "correlation_id" attribute.
type Handler struct {
	inner slog.Handler
}

func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ID(ctx); ok {
		r.AddAttrs(slog.String("correlation_id", id))
	}
	if err := h.inner.Handle(ctx, r); err != nil {
		return fmt.Errorf("correlation handler: %w", err)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}
