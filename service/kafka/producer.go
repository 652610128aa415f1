package kafka

import (
	"context"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/broker"
	"PPChat/tools/errs"
)

func toProducerMessage(m broker.Message) *sarama.ProducerMessage {
	pm := &sarama.ProducerMessage{
		Topic: m.Topic,
		Value: sarama.ByteEncoder(m.Data),
	}
	if m.Key != "" {
		pm.Key = sarama.StringEncoder(m.Key)
	}
	for k, v := range m.Header {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return pm
}

// Publish 同步发送，等待所有 ISR 副本确认。
func (c *Client) Publish(ctx context.Context, m broker.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	partition, offset, err := c.prod.SendMessage(toProducerMessage(m))
	if err != nil {
		return errs.ErrBroker.WrapMsg("kafka send failed", "topic", m.Topic, "err", err)
	}
	logger.Debug("kafka sent",
		zap.String("topic", m.Topic), zap.Int32("partition", partition), zap.Int64("offset", offset))
	return nil
}
