package natsx

import (
	"context"

	"github.com/nats-io/nats.go"

	"PPChat/service/broker"
	"PPChat/tools/errs"
)

// Consume 以 group 为队列组订阅 topic，阻塞到 ctx 结束。
// JetStream 模式下 group 同时作为 durable 名；handler 成功则 ack，失败 nak 等待重投。
func (c *Client) Consume(ctx context.Context, topic, group string, h broker.Handler) error {
	queue := DurableName(group)
	var (
		sub *nats.Subscription
		err error
	)
	if c.js == nil {
		sub, err = c.nc.QueueSubscribe(topic, queue, func(m *nats.Msg) {
			_ = h(ctx, fromMsg(m))
		})
		if err == nil {
			_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
		}
	} else {
		sub, err = c.js.QueueSubscribe(topic, queue, func(m *nats.Msg) {
			if h(ctx, fromMsg(m)) == nil {
				_ = m.Ack()
			} else {
				_ = m.Nak()
			}
		},
			nats.ManualAck(),
			nats.Durable(queue),
			nats.AckWait(c.cfg.AckWait),
			nats.MaxAckPending(c.cfg.MaxAckPending),
		)
	}
	if err != nil {
		return errs.ErrBroker.WrapMsg("nats subscribe failed", "subject", topic, "group", group, "err", err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()

	<-ctx.Done()
	_ = sub.Unsubscribe()
	return nil
}

func fromMsg(m *nats.Msg) broker.Message {
	return broker.Message{
		Topic:  m.Subject,
		Data:   append([]byte(nil), m.Data...),
		Header: headerToMap(m.Header),
	}
}
