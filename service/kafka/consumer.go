package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/broker"
	"PPChat/tools/errs"
)

type groupHandler struct {
	group string
	h     broker.Handler
}

func (g *groupHandler) Setup(s sarama.ConsumerGroupSession) error {
	logger.Info("kafka group setup", zap.String("group", g.group), zap.String("member", s.MemberID()))
	return nil
}

func (g *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	logger.Info("kafka group cleanup", zap.String("group", g.group))
	return nil
}

// ConsumeClaim 无论处理成功与否都提交位点，失败只记日志。
func (g *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := g.h(session.Context(), fromConsumerMessage(msg)); err != nil {
			logger.Warn("kafka handler error",
				zap.String("topic", msg.Topic), zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset), zap.Error(err))
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func fromConsumerMessage(msg *sarama.ConsumerMessage) broker.Message {
	m := broker.Message{
		Topic: msg.Topic,
		Key:   string(msg.Key),
		Data:  append([]byte(nil), msg.Value...),
	}
	if len(msg.Headers) > 0 {
		m.Header = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			if h != nil {
				m.Header[string(h.Key)] = string(h.Value)
			}
		}
	}
	return m
}

// Consume 加入消费组并阻塞到 ctx 结束；每次 rebalance 后重新加入。
func (c *Client) Consume(ctx context.Context, topic, group string, h broker.Handler) error {
	if c.client == nil {
		return errs.New("kafka client is publish-only")
	}
	cg, err := sarama.NewConsumerGroupFromClient(group, c.client)
	if err != nil {
		return errs.ErrBroker.WrapMsg("kafka consumer group", "group", group, "err", err)
	}
	c.mu.Lock()
	c.groups = append(c.groups, cg)
	c.mu.Unlock()

	go func() {
		for err := range cg.Errors() {
			logger.Warn("kafka consumer group error", zap.String("group", group), zap.Error(err))
		}
	}()

	handler := &groupHandler{group: group, h: h}
	for ctx.Err() == nil {
		if err := cg.Consume(ctx, []string{topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			logger.Warn("kafka consume error", zap.String("topic", topic), zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
	return nil
}
