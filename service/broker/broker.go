// Package broker is the publish/consume seam between gateways and the
// services behind them. Backends: in-process memory, NATS (service/natsx)
// and Kafka (service/kafka).
package broker

import (
	"context"
)

// HeaderMsgID carries the publisher's message id. JetStream deduplicates on it.
const HeaderMsgID = "Nats-Msg-Id"

// Message is one broker record.
type Message struct {
	Topic  string
	Key    string
	Data   []byte
	Header map[string]string
}

// Handler processes one delivery. Whether a returned error leads to
// redelivery depends on the backend; see each implementation.
type Handler func(ctx context.Context, msg Message) error

// Middleware decorates a Handler (logging, dedup, ...).
type Middleware func(Handler) Handler

// Chain wraps h so that mws[0] runs first.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

type Broker interface {
	Publisher
	// Declare creates topics (streams) if they do not exist yet. Idempotent.
	Declare(ctx context.Context, topics ...string) error
	// Consume delivers topic records to h until ctx is cancelled. Consumers
	// sharing a group split the records; every group sees every record.
	Consume(ctx context.Context, topic, group string, h Handler) error
	Close() error
}

// MsgID returns the publisher's message id header, if any.
func MsgID(h map[string]string) string {
	for _, k := range []string{HeaderMsgID, "nats-msg-id", "X-Msg-Id", "x-msg-id"} {
		if v, ok := h[k]; ok && v != "" {
			return v
		}
	}
	return ""
}
