package natsx

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/broker"
	"PPChat/tools/errs"
)

func toMsg(m broker.Message) *nats.Msg {
	msg := nats.NewMsg(m.Topic)
	msg.Data = m.Data
	for k, v := range m.Header {
		msg.Header.Set(k, v)
	}
	return msg
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// Publish 在 Core 连接上直接发送；开启 JetStream 时等待 stream ack。
// JetStream 依据 Nats-Msg-Id 头去重。
func (c *Client) Publish(ctx context.Context, m broker.Message) error {
	msg := toMsg(m)
	if c.js == nil {
		if err := c.nc.PublishMsg(msg); err != nil {
			return errs.ErrBroker.WrapMsg("nats publish failed", "subject", m.Topic, "err", err)
		}
		return nil
	}
	ack, err := c.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return errs.ErrBroker.WrapMsg("jetstream publish failed", "subject", m.Topic, "err", err)
	}
	logger.Debug("jetstream published",
		zap.String("stream", ack.Stream), zap.Uint64("seq", ack.Sequence), zap.Bool("dup", ack.Duplicate))
	return nil
}
