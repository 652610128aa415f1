package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PPChat/service/broker"
	"PPChat/service/protocol"
)

type recordingRouter struct {
	mu     sync.Mutex
	online map[uint64]bool
	calls  []uint64
}

func (r *recordingRouter) SendPayload(userID uint64, payload []byte) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, userID)
	if r.online[userID] {
		return Delivered, nil
	}
	return Offline, nil
}

func (r *recordingRouter) called() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.calls...)
}

type staticMembers map[uint64][]uint64

func (s staticMembers) Members(_ context.Context, session uint64) ([]uint64, error) {
	m, ok := s[session]
	if !ok {
		return nil, errors.New("unknown session")
	}
	return m, nil
}

func chatMsg(sender, session uint64, receivers ...uint64) *protocol.Message {
	return protocol.NewMessage(77, &protocol.Chat{
		Sender: sender, Session: session, Receivers: receivers, Payload: []byte("hi"),
	})
}

func TestRouteFansOutToEveryReceiver(t *testing.T) {
	router := &recordingRouter{online: map[uint64]bool{2: true, 4: true}}
	br := NewBridge(broker.NewMemory(0), router, nil, BridgeOptions{PublishTopic: "im.chat"})

	res := br.Route(context.Background(), chatMsg(1, 7, 2, 3, 4, 2, 1))
	calls := router.called()
	if len(calls) != 3 || calls[0] != 2 || calls[1] != 3 || calls[2] != 4 {
		t.Fatalf("SendPayload calls = %v, want [2 3 4]", calls)
	}
	want := []Outcome{Delivered, Offline, Delivered}
	for i, d := range res {
		if d.Outcome != want[i] || d.Err != nil {
			t.Fatalf("delivery %d = %+v", i, d)
		}
	}
}

func TestRouteResolvesSessionMembers(t *testing.T) {
	router := &recordingRouter{}
	br := NewBridge(broker.NewMemory(0), router, staticMembers{7: {1, 5, 6}}, BridgeOptions{PublishTopic: "im.chat"})
	br.Route(context.Background(), chatMsg(1, 7))
	if calls := router.called(); len(calls) != 2 || calls[0] != 5 || calls[1] != 6 {
		t.Fatalf("calls = %v, want [5 6]", calls)
	}

	router.calls = nil
	br.Route(context.Background(), chatMsg(1, 8))
	if calls := router.called(); len(calls) != 0 {
		t.Fatalf("unknown session routed to %v", calls)
	}
}

func TestOfflineDeliveryDoesNotStopConsumer(t *testing.T) {
	reg := NewRegistry()
	c, peer := pipeConn(t)
	c.authenticate(3)
	reg.Add(3, c)
	got := make(chan *protocol.Message, 1)
	go func() {
		m, err := protocol.ReadMessage(protocol.NewFrameReader(peer, 0))
		if err == nil {
			got <- m
		}
	}()

	br := NewBridge(broker.NewMemory(0), reg, nil, BridgeOptions{PublishTopic: "im.chat"})
	res := br.Route(context.Background(), chatMsg(1, 7, 2, 3))
	if len(res) != 2 || res[0].Outcome != Offline || res[0].Err != nil || res[1].Outcome != Delivered {
		t.Fatalf("deliveries = %+v", res)
	}
	select {
	case m := <-got:
		if m.Chat().Sender != 1 || string(m.Chat().Payload) != "hi" {
			t.Fatalf("delivered %+v", m.Chat())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("user 3 got nothing")
	}
}

func TestPublishAndConsume(t *testing.T) {
	mem := broker.NewMemory(0)
	defer mem.Close()
	router := &recordingRouter{online: map[uint64]bool{43: true}}
	br := NewBridge(mem, router, nil, BridgeOptions{PublishTopic: "im.chat", Group: "gw-test"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := br.Declare(ctx); err != nil {
		t.Fatal(err)
	}
	go func() { _ = br.Run(ctx) }()

	if err := br.Publish(ctx, chatMsg(42, 7, 43)); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool {
		calls := router.called()
		return len(calls) == 1 && calls[0] == 43
	}, "delivery to 43")
}

func TestUndecodableDeliveryIsAckedAndDeadLettered(t *testing.T) {
	mem := broker.NewMemory(0)
	defer mem.Close()
	router := &recordingRouter{}
	br := NewBridge(mem, router, nil, BridgeOptions{PublishTopic: "im.chat", DeadLetterTopic: "im.chat.dlq"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bad := broker.Message{Topic: "im.chat", Data: []byte{0xff, 0xff, 0xff}, Header: map[string]string{broker.HeaderMsgID: "m-1"}}
	if err := br.HandleDelivery(ctx, bad); err != nil {
		t.Fatalf("HandleDelivery = %v, want nil (always ack)", err)
	}
	ping, _ := protocol.Marshal(protocol.NewMessage(1, &protocol.Ping{}))
	if err := br.HandleDelivery(ctx, broker.Message{Topic: "im.chat", Data: ping}); err != nil {
		t.Fatalf("HandleDelivery(ping) = %v", err)
	}

	dlq := make(chan broker.Message, 2)
	go func() {
		_ = mem.Consume(ctx, "im.chat.dlq", "inspect", func(_ context.Context, m broker.Message) error {
			dlq <- m
			return nil
		})
	}()
	for i := 0; i < 2; i++ {
		select {
		case m := <-dlq:
			if m.Header["x-origin-topic"] != "im.chat" || m.Header["x-error"] == "" {
				t.Fatalf("dead letter headers = %v", m.Header)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("dead letter not published")
		}
	}
	if len(router.called()) != 0 {
		t.Fatal("undecodable delivery was routed")
	}
}
