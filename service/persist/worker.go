package persist

import (
	"context"
	"time"

	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/broker"
	"PPChat/service/protocol"
)

// PresenceLookup tells whether a user is connected to any gateway.
type PresenceLookup interface {
	Lookup(ctx context.Context, userID uint64) (gatewayID string, online bool, err error)
}

// MemberResolver lists a session's members.
type MemberResolver interface {
	Members(ctx context.Context, session uint64) ([]uint64, error)
}

// OfflineEnqueuer queues an encoded envelope for a user.
type OfflineEnqueuer interface {
	Enqueue(ctx context.Context, userID uint64, payload []byte) error
}

type WorkerOptions struct {
	Topic string
	Group string
	// DedupTTL drops redeliveries of an already saved message id.
	DedupTTL time.Duration
}

// Worker consumes published chats, saves them and queues them for
// recipients that are offline everywhere.
type Worker struct {
	b        broker.Broker
	store    Store
	opts     WorkerOptions
	presence PresenceLookup
	members  MemberResolver
	offline  OfflineEnqueuer
}

type WorkerOption func(*Worker)

// WithOfflineQueue enables offline queuing; presence decides who is offline.
func WithOfflineQueue(p PresenceLookup, q OfflineEnqueuer) WorkerOption {
	return func(w *Worker) { w.presence, w.offline = p, q }
}

func WithMembers(m MemberResolver) WorkerOption { return func(w *Worker) { w.members = m } }

func NewWorker(b broker.Broker, store Store, opts WorkerOptions, options ...WorkerOption) *Worker {
	if opts.Group == "" {
		opts.Group = "persister"
	}
	w := &Worker{b: b, store: store, opts: opts}
	for _, o := range options {
		o(w)
	}
	return w
}

func (w *Worker) Run(ctx context.Context) error {
	h := broker.Handler(w.Handle)
	if w.opts.DedupTTL > 0 {
		h = broker.Chain(h, broker.Dedup(broker.NewMemIdem(w.opts.DedupTTL), w.opts.DedupTTL))
	}
	logger.Info("persist worker consuming", zap.String("topic", w.opts.Topic), zap.String("group", w.opts.Group))
	return w.b.Consume(ctx, w.opts.Topic, w.opts.Group, h)
}

// Handle saves one delivery. Undecodable input is dropped; a store error
// is returned so backends that support it can redeliver.
func (w *Worker) Handle(ctx context.Context, msg broker.Message) error {
	m, err := protocol.Unmarshal(msg.Data)
	if err == nil {
		err = m.Validate()
	}
	if err != nil || m.Kind != protocol.KindChat {
		logger.Warn("persist: skipping non-chat delivery", zap.String("topic", msg.Topic), zap.Error(err))
		return nil
	}
	rec := NewRecord(m, broker.MsgID(msg.Header))
	if err := w.store.Save(ctx, rec); err != nil {
		logger.Error("persist: save failed", zap.String("key", rec.Key), zap.Error(err))
		return err
	}
	logger.Debug("persist: saved", zap.String("key", rec.Key), zap.Uint64("session", rec.Session))
	w.queueOffline(ctx, m, msg.Data)
	return nil
}

func (w *Worker) queueOffline(ctx context.Context, m *protocol.Message, payload []byte) {
	if w.offline == nil || w.presence == nil {
		return
	}
	c := m.Chat()
	var members []uint64
	if len(c.Receivers) == 0 && w.members != nil {
		var err error
		if members, err = w.members.Members(ctx, c.Session); err != nil {
			logger.Warn("persist: resolve members failed", zap.Uint64("session", c.Session), zap.Error(err))
		}
	}
	for _, uid := range protocol.Recipients(c, members) {
		_, online, err := w.presence.Lookup(ctx, uid)
		if err != nil {
			logger.Warn("persist: presence lookup failed", zap.Uint64("user_id", uid), zap.Error(err))
			continue
		}
		if online {
			continue
		}
		if err := w.offline.Enqueue(ctx, uid, payload); err != nil {
			logger.Warn("persist: offline enqueue failed", zap.Uint64("user_id", uid), zap.Error(err))
		}
	}
}
