// Package natsx is the NATS backend of broker.Broker. Core mode is
// at-most-once fan-out over queue groups; JetStream mode persists topics
// in streams and consumes through durable queue consumers.
package natsx

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/broker"
	"PPChat/tools/errs"
)

// Config 客户端配置
type Config struct {
	Servers         []string      `mapstructure:"servers"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	JetStream       bool          `mapstructure:"jetstream"` // false 为 Core 模式，无持久化
	ReconnectWait   time.Duration `mapstructure:"reconnect_wait"`
	Timeout         time.Duration `mapstructure:"timeout"`
	PublishAsyncMax int           `mapstructure:"publish_async_max"`
	AckWait         time.Duration `mapstructure:"ack_wait"`
	MaxAckPending   int           `mapstructure:"max_ack_pending"`
	MaxAge          time.Duration `mapstructure:"max_age"`
}

// Client 统一客户端，实现 broker.Broker
type Client struct {
	cfg Config
	nc  *nats.Conn
	js  nats.JetStreamContext

	mu   sync.Mutex
	subs []*nats.Subscription
}

var _ broker.Broker = (*Client)(nil)

func withDefaults(cfg Config) Config {
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.PublishAsyncMax == 0 {
		cfg.PublishAsyncMax = 4096
	}
	if cfg.AckWait == 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxAckPending == 0 {
		cfg.MaxAckPending = 1024
	}
	return cfg
}

// Connect 连接 NATS；开启 JetStream 时同时初始化 JS 上下文。
func Connect(cfg Config) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errs.New("nats servers missing")
	}
	cfg = withDefaults(cfg)
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect", "servers", strings.Join(cfg.Servers, ","))
	}
	c := &Client{cfg: cfg, nc: nc}
	if cfg.JetStream {
		js, err := nc.JetStream(nats.PublishAsyncMaxPending(cfg.PublishAsyncMax))
		if err != nil {
			nc.Close()
			return nil, errs.WrapMsg(err, "init jetstream")
		}
		c.js = js
	}
	return c, nil
}

// Declare 确保每个 topic 都有对应 stream；Core 模式下什么都不做。
func (c *Client) Declare(ctx context.Context, topics ...string) error {
	if c.js == nil {
		return nil
	}
	for _, topic := range topics {
		name := StreamName(topic)
		_, err := c.js.StreamInfo(name, nats.Context(ctx))
		if err == nil {
			continue
		}
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return errs.WrapMsg(err, "stream info", "stream", name)
		}
		_, err = c.js.AddStream(&nats.StreamConfig{
			Name:     name,
			Subjects: []string{topic},
			Storage:  nats.FileStorage,
			MaxAge:   c.cfg.MaxAge,
		}, nats.Context(ctx))
		if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return errs.WrapMsg(err, "add stream", "stream", name, "subject", topic)
		}
		logger.Info("nats stream declared", zap.String("stream", name), zap.String("subject", topic))
	}
	return nil
}

// Close 优雅关闭：先 drain 订阅再 drain 连接
func (c *Client) Close() error {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

// StreamName maps a subject to a valid stream or durable name.
func StreamName(subject string) string {
	r := strings.NewReplacer(".", "_", "*", "ANY", ">", "ALL", " ", "_")
	return strings.ToUpper(r.Replace(subject))
}

// DurableName maps a consumer group to a valid durable name.
func DurableName(group string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(group)
}
