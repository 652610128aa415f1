// Package handlers holds the message handlers of an active connection.
package handlers

import (
	"context"

	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/chat"
	"PPChat/service/protocol"
	"PPChat/tools/ids"
)

// Publisher hands accepted chats to the broker. chat.Bridge implements it.
type Publisher interface {
	Publish(ctx context.Context, m *protocol.Message) error
}

// Default returns a dispatcher with the gateway's handlers. presence may be nil.
func Default(pub Publisher, presence chat.Presence) *chat.Dispatcher {
	return chat.NewDispatcher(
		NewConnectHandler(),
		NewPingHandler(presence),
		NewChatHandler(pub),
	)
}

// ConnectHandler ignores a repeated Connect on an authenticated socket.
type ConnectHandler struct{}

func NewConnectHandler() *ConnectHandler { return &ConnectHandler{} }

func (h *ConnectHandler) Kind() protocol.Kind { return protocol.KindConnect }

func (h *ConnectHandler) Handle(_ context.Context, c *chat.Conn, _ *protocol.Message) error {
	logger.Warn("connect on active connection ignored", zap.Uint64("user_id", c.UserID()))
	return nil
}

// PingHandler answers with Pong and renews presence.
type PingHandler struct {
	presence chat.Presence
}

func NewPingHandler(presence chat.Presence) *PingHandler { return &PingHandler{presence: presence} }

func (h *PingHandler) Kind() protocol.Kind { return protocol.KindPing }

func (h *PingHandler) Handle(ctx context.Context, c *chat.Conn, m *protocol.Message) error {
	if h.presence != nil {
		if err := h.presence.Refresh(ctx, c.UserID()); err != nil {
			logger.Warn("presence refresh failed", zap.Uint64("user_id", c.UserID()), zap.Error(err))
		}
	}
	return c.Send(protocol.NewMessage(m.ID, &protocol.Pong{}))
}

// ChatHandler stamps an inbound chat and publishes it. Publish failures
// drop the chat; the sender gets no error frame.
type ChatHandler struct {
	pub Publisher
}

func NewChatHandler(pub Publisher) *ChatHandler { return &ChatHandler{pub: pub} }

func (h *ChatHandler) Kind() protocol.Kind { return protocol.KindChat }

func (h *ChatHandler) Handle(ctx context.Context, c *chat.Conn, m *protocol.Message) error {
	msg := m.Chat()
	uid := c.UserID()
	if !c.Allow() {
		logger.Warn("chat rate limited, dropped", zap.Uint64("user_id", uid), zap.Uint64("session", msg.Session))
		return nil
	}
	if msg.Sender != uid {
		if msg.Sender != 0 {
			logger.Warn("chat sender rewritten", zap.Uint64("claimed", msg.Sender), zap.Uint64("user_id", uid))
		}
		msg.Sender = uid
	}
	now := protocol.NowMillis()
	if msg.Timestamp == 0 {
		msg.Timestamp = now
	}
	m.Timestamp = now
	if m.ID == 0 {
		m.ID = ids.Generate()
	}
	if err := h.pub.Publish(ctx, m); err != nil {
		logger.Error("publish chat failed, dropped",
			zap.Uint64("user_id", uid), zap.Uint64("msg_id", m.ID), zap.Uint64("session", msg.Session), zap.Error(err))
		return nil
	}
	logger.Debug("chat published", zap.Uint64("user_id", uid), zap.Uint64("msg_id", m.ID), zap.Uint64("session", msg.Session))
	return nil
}
