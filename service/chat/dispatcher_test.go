package chat

import (
	"context"
	"errors"
	"testing"

	"PPChat/service/protocol"
)

func TestDispatchRoutesByKind(t *testing.T) {
	var pings, chats int
	d := NewDispatcher(
		HandlerFunc(protocol.KindPing, func(context.Context, *Conn, *protocol.Message) error {
			pings++
			return nil
		}),
	)
	d.Register(HandlerFunc(protocol.KindChat, func(context.Context, *Conn, *protocol.Message) error {
		chats++
		return errors.New("boom")
	}))

	c, _ := pipeConn(t)
	c.authenticate(1)
	ctx := context.Background()
	d.Dispatch(ctx, c, protocol.NewMessage(1, &protocol.Ping{}))
	d.Dispatch(ctx, c, protocol.NewMessage(2, &protocol.Chat{Sender: 1}))
	d.Dispatch(ctx, c, protocol.NewMessage(3, &protocol.Kick{Reason: "x"}))
	d.Dispatch(ctx, c, &protocol.Message{ID: 4, Kind: protocol.KindPing, Content: &protocol.Chat{}})

	if pings != 1 || chats != 1 {
		t.Fatalf("pings = %d, chats = %d; want 1, 1", pings, chats)
	}
	if c.State() == StateClosed {
		t.Fatal("dispatch errors must not close the connection")
	}
}
