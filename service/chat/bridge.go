package chat

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/broker"
	"PPChat/service/protocol"
	"PPChat/tools/errs"
)

// Router delivers an encoded envelope to one user. Registry implements it.
type Router interface {
	SendPayload(userID uint64, payload []byte) (Outcome, error)
}

// MemberResolver lists a session's members for chats without receivers.
type MemberResolver interface {
	Members(ctx context.Context, session uint64) ([]uint64, error)
}

type BridgeOptions struct {
	PublishTopic    string
	DeliveryTopic   string
	DeadLetterTopic string
	// Group is this gateway's consumer group; one per instance so every
	// gateway sees every delivery.
	Group string
}

// Bridge publishes accepted chats and routes deliveries back to local
// connections.
type Bridge struct {
	b       broker.Broker
	router  Router
	members MemberResolver
	opts    BridgeOptions
}

func NewBridge(b broker.Broker, router Router, members MemberResolver, opts BridgeOptions) *Bridge {
	if opts.DeliveryTopic == "" {
		opts.DeliveryTopic = opts.PublishTopic
	}
	return &Bridge{b: b, router: router, members: members, opts: opts}
}

// Declare creates the bridge's topics. Idempotent.
func (br *Bridge) Declare(ctx context.Context) error {
	topics := []string{br.opts.PublishTopic}
	if br.opts.DeliveryTopic != br.opts.PublishTopic {
		topics = append(topics, br.opts.DeliveryTopic)
	}
	if br.opts.DeadLetterTopic != "" {
		topics = append(topics, br.opts.DeadLetterTopic)
	}
	return br.b.Declare(ctx, topics...)
}

// Publish sends m to the publish topic, keyed by session so a session's
// chats keep their order on partitioned brokers.
func (br *Bridge) Publish(ctx context.Context, m *protocol.Message) error {
	payload, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	key := ""
	if c := m.Chat(); c != nil {
		key = strconv.FormatUint(c.Session, 10)
	}
	return br.b.Publish(ctx, broker.Message{
		Topic:  br.opts.PublishTopic,
		Key:    key,
		Data:   payload,
		Header: map[string]string{broker.HeaderMsgID: uuid.NewString()},
	})
}

// Run consumes the delivery topic until ctx is done.
func (br *Bridge) Run(ctx context.Context) error {
	logger.Info("bridge consuming",
		zap.String("topic", br.opts.DeliveryTopic), zap.String("group", br.opts.Group))
	return br.b.Consume(ctx, br.opts.DeliveryTopic, br.opts.Group, br.HandleDelivery)
}

// HandleDelivery always returns nil: a delivery is acknowledged whether or
// not it could be decoded or routed. Undecodable ones go to the dead-letter
// topic when configured.
func (br *Bridge) HandleDelivery(ctx context.Context, msg broker.Message) error {
	m, err := protocol.Unmarshal(msg.Data)
	if err == nil {
		err = m.Validate()
	}
	if err == nil && m.Kind != protocol.KindChat {
		err = errs.ErrProtocol.WrapMsg("delivery is not a chat", "kind", m.Kind)
	}
	if err != nil {
		logger.Warn("dropping undecodable delivery",
			zap.String("topic", msg.Topic), zap.String("msg_id", broker.MsgID(msg.Header)), zap.Error(err))
		br.deadLetter(ctx, msg, err)
		return nil
	}
	br.Route(ctx, m)
	return nil
}

func (br *Bridge) deadLetter(ctx context.Context, msg broker.Message, cause error) {
	if br.opts.DeadLetterTopic == "" {
		return
	}
	hdr := make(map[string]string, len(msg.Header)+2)
	for k, v := range msg.Header {
		hdr[k] = v
	}
	hdr["x-origin-topic"] = msg.Topic
	hdr["x-error"] = cause.Error()
	err := br.b.Publish(ctx, broker.Message{Topic: br.opts.DeadLetterTopic, Key: msg.Key, Data: msg.Data, Header: hdr})
	if err != nil {
		logger.Error("dead letter publish failed", zap.String("topic", br.opts.DeadLetterTopic), zap.Error(err))
	}
}

// Delivery is the result of routing to one recipient.
type Delivery struct {
	UserID  uint64
	Outcome Outcome
	Err     error
}

// Recipients resolves who should receive c.
func (br *Bridge) Recipients(ctx context.Context, c *protocol.Chat) []uint64 {
	var members []uint64
	if len(c.Receivers) == 0 && br.members != nil {
		var err error
		members, err = br.members.Members(ctx, c.Session)
		if err != nil {
			logger.Warn("resolve session members failed", zap.Uint64("session", c.Session), zap.Error(err))
		}
	}
	return protocol.Recipients(c, members)
}

// Route sends m once to every recipient. Offline recipients are an
// expected outcome, not an error.
func (br *Bridge) Route(ctx context.Context, m *protocol.Message) []Delivery {
	c := m.Chat()
	if c == nil {
		return nil
	}
	recipients := br.Recipients(ctx, c)
	if len(recipients) == 0 {
		return nil
	}
	payload, err := protocol.Marshal(m)
	if err != nil {
		logger.Warn("re-encode delivery failed", zap.Uint64("msg_id", m.ID), zap.Error(err))
		return nil
	}
	out := make([]Delivery, 0, len(recipients))
	for _, uid := range recipients {
		outcome, err := br.router.SendPayload(uid, payload)
		out = append(out, Delivery{UserID: uid, Outcome: outcome, Err: err})
		switch outcome {
		case Delivered:
			logger.Debug("delivered", zap.Uint64("msg_id", m.ID), zap.Uint64("to", uid))
		case Offline:
			logger.Debug("recipient offline", zap.Uint64("msg_id", m.ID), zap.Uint64("to", uid))
		default:
			logger.Warn("delivery failed", zap.Uint64("msg_id", m.ID), zap.Uint64("to", uid), zap.Error(err))
		}
	}
	return out
}
