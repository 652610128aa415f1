package chat

import (
	"context"

	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/protocol"
)

// Handler processes one message kind for an active connection. A returned
// error is logged; it does not close the connection.
type Handler interface {
	Kind() protocol.Kind
	Handle(ctx context.Context, c *Conn, m *protocol.Message) error
}

type handlerFunc struct {
	kind protocol.Kind
	fn   func(ctx context.Context, c *Conn, m *protocol.Message) error
}

func (h handlerFunc) Kind() protocol.Kind { return h.kind }
func (h handlerFunc) Handle(ctx context.Context, c *Conn, m *protocol.Message) error {
	return h.fn(ctx, c, m)
}

// HandlerFunc adapts fn to a Handler for kind.
func HandlerFunc(kind protocol.Kind, fn func(ctx context.Context, c *Conn, m *protocol.Message) error) Handler {
	return handlerFunc{kind: kind, fn: fn}
}

// Dispatcher routes decoded messages to the handler registered for their
// kind. Register before serving; the table is read without locking.
type Dispatcher struct {
	handlers map[protocol.Kind]Handler
}

func NewDispatcher(hs ...Handler) *Dispatcher {
	d := &Dispatcher{handlers: make(map[protocol.Kind]Handler)}
	for _, h := range hs {
		d.Register(h)
	}
	return d
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Kind()] = h }

// Dispatch never fails the connection: protocol violations, unknown kinds
// and handler errors are logged and skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Conn, m *protocol.Message) {
	if err := m.Validate(); err != nil {
		logger.Warn("protocol violation",
			zap.Uint64("user_id", c.UserID()), zap.Stringer("kind", m.Kind), zap.Error(err))
		return
	}
	h, ok := d.handlers[m.Kind]
	if !ok {
		logger.Warn("no handler for kind", zap.Uint64("user_id", c.UserID()), zap.Stringer("kind", m.Kind))
		return
	}
	if err := h.Handle(ctx, c, m); err != nil {
		logger.Warn("handler failed",
			zap.Uint64("user_id", c.UserID()), zap.Stringer("kind", m.Kind), zap.Error(err))
	}
}
