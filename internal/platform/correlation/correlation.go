// Package correlation carries request and connection identifiers through a
// context and stamps them onto every log record written with that context.
package correlation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
)

type contextKey struct{}

type fields struct {
	id     string
	connID domain.ConnID
	userID domain.UserID
}

// NewID generates an 8-character hex correlation ID.
func NewID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func from(ctx context.Context) fields {
	f, _ := ctx.Value(contextKey{}).(fields)
	return f
}

// WithID returns a new context carrying the given correlation ID.
func WithID(ctx context.Context, id string) context.Context {
	f := from(ctx)
	f.id = id
	return context.WithValue(ctx, contextKey{}, f)
}

// WithConnection tags ctx with the connection and its principal. Every inbound
// websocket frame runs under such a context.
func WithConnection(ctx context.Context, connID domain.ConnID, userID domain.UserID) context.Context {
	f := from(ctx)
	f.connID = connID
	f.userID = userID
	return context.WithValue(ctx, contextKey{}, f)
}

// ID extracts the correlation ID from ctx.
func ID(ctx context.Context) (string, bool) {
	id := from(ctx).id
	return id, id != ""
}

// Connection extracts the connection tagged by WithConnection.
func Connection(ctx context.Context) (domain.ConnID, domain.UserID, bool) {
	f := from(ctx)
	return f.connID, f.userID, f.connID != ""
}

// Handler wraps an slog.Handler and appends correlation_id, conn_id and user_id
// when the record's context carries them.
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
	f := from(ctx)
	if f.id != "" {
		r.AddAttrs(slog.String("correlation_id", f.id))
	}
	if f.connID != "" {
		r.AddAttrs(slog.String("conn_id", string(f.connID)), slog.Int64("user_id", int64(f.userID)))
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
