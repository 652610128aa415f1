// Package kafka is the Kafka backend of broker.Broker, built on sarama.
package kafka

import (
	"context"
	"sync"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/broker"
	"PPChat/tools/errs"
)

type Client struct {
	cfg    Config
	client sarama.Client
	prod   sarama.SyncProducer
	admin  sarama.ClusterAdmin

	mu     sync.Mutex
	groups []sarama.ConsumerGroup
}

var _ broker.Broker = (*Client)(nil)

// New 连接集群，并在共享 client 上创建同步 producer。
func New(c Config) (*Client, error) {
	if len(c.Brokers) == 0 {
		return nil, errs.New("kafka brokers missing")
	}
	sc, err := BuildBaseConfig(c)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka config", "version", c.Version)
	}
	client, err := sarama.NewClient(c.Brokers, sc)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka connect")
	}
	prod, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errs.WrapMsg(err, "kafka producer")
	}
	kc := &Client{cfg: c, client: client, prod: prod}
	if c.AutoCreateTopics {
		admin, err := sarama.NewClusterAdminFromClient(client)
		if err != nil {
			_ = prod.Close()
			_ = client.Close()
			return nil, errs.WrapMsg(err, "kafka admin")
		}
		kc.admin = admin
	}
	logger.Info("kafka connected", zap.Strings("brokers", c.Brokers), zap.Int("brokers_seen", len(client.Brokers())))
	return kc, nil
}

// NewWithProducer 只用于发布（测试里注入 mock producer）。
func NewWithProducer(c Config, p sarama.SyncProducer) *Client {
	return &Client{cfg: c, prod: p}
}

// Declare 在开启自动建 topic 时创建缺失的 topic。
func (c *Client) Declare(_ context.Context, topics ...string) error {
	if c.admin == nil {
		return nil
	}
	return EnsureTopics(c.admin, topics, c.cfg)
}

func (c *Client) Close() error {
	c.mu.Lock()
	groups := c.groups
	c.groups = nil
	c.mu.Unlock()
	for _, g := range groups {
		_ = g.Close()
	}
	var first error
	if c.prod != nil {
		first = c.prod.Close()
	}
	if c.client != nil && !c.client.Closed() {
		if err := c.client.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
