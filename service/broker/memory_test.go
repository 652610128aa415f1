package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func collect(t *testing.T, b Broker, ctx context.Context, topic, group string) <-chan Message {
	t.Helper()
	out := make(chan Message, 64)
	go func() {
		_ = b.Consume(ctx, topic, group, func(_ context.Context, msg Message) error {
			out <- msg
			return nil
		})
	}()
	return out
}

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return Message{}
}

func TestMemoryEveryGroupSeesEveryRecord(t *testing.T) {
	b := NewMemory(0)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Declare(ctx, "im.chat"); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, Message{Topic: "im.chat", Data: []byte("one")}); err != nil {
		t.Fatal(err)
	}
	gw1 := collect(t, b, ctx, "im.chat", "gw-1")
	gw2 := collect(t, b, ctx, "im.chat", "gw-2")
	if err := b.Publish(ctx, Message{Topic: "im.chat", Data: []byte("two")}); err != nil {
		t.Fatal(err)
	}
	for _, ch := range []<-chan Message{gw1, gw2} {
		if got := string(recv(t, ch).Data); got != "one" {
			t.Fatalf("first = %q", got)
		}
		if got := string(recv(t, ch).Data); got != "two" {
			t.Fatalf("second = %q", got)
		}
	}
}

func TestMemoryGroupMembersShareRecords(t *testing.T) {
	b := NewMemory(0)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	wg.Add(20)
	for i := 0; i < 20; i++ {
		_ = b.Publish(ctx, Message{Topic: "t", Data: []byte{byte(i)}})
	}
	for _, who := range []string{"a", "b"} {
		who := who
		go func() {
			_ = b.Consume(ctx, "t", "workers", func(context.Context, Message) error {
				mu.Lock()
				counts[who]++
				mu.Unlock()
				wg.Done()
				return nil
			})
		}()
	}
	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if counts["a"]+counts["b"] != 20 {
		t.Fatalf("deliveries = %v, want 20 in total", counts)
	}
}

func TestMemoryConsumeStopsOnCancel(t *testing.T) {
	b := NewMemory(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Consume(ctx, "t", "g", func(context.Context, Message) error { return nil }) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Consume = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not return after cancel")
	}
	_ = b.Close()
	if err := b.Publish(context.Background(), Message{Topic: "t"}); err == nil {
		t.Fatal("publish after close must fail")
	}
}

func TestMemoryRetention(t *testing.T) {
	b := NewMemory(3)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 5; i++ {
		_ = b.Publish(ctx, Message{Topic: "t", Data: []byte{byte(i)}})
	}
	ch := collect(t, b, ctx, "t", "late")
	if got := recv(t, ch).Data[0]; got != 2 {
		t.Fatalf("oldest retained = %d, want 2", got)
	}
}

func TestDedup(t *testing.T) {
	calls := 0
	h := Chain(func(context.Context, Message) error {
		calls++
		return nil
	}, Dedup(NewMemIdem(time.Minute), 0))

	msg := Message{Topic: "t", Header: map[string]string{HeaderMsgID: "m-1"}}
	_ = h(context.Background(), msg)
	_ = h(context.Background(), msg)
	_ = h(context.Background(), Message{Topic: "t"})
	_ = h(context.Background(), Message{Topic: "t"})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDedupRetriesAfterFailure(t *testing.T) {
	calls := 0
	h := Chain(func(context.Context, Message) error {
		calls++
		if calls == 1 {
			return errors.New("store down")
		}
		return nil
	}, Dedup(NewMemIdem(time.Minute), 0))

	msg := Message{Topic: "t", Header: map[string]string{HeaderMsgID: "m-2"}}
	if err := h(context.Background(), msg); err == nil {
		t.Fatal("first attempt should fail")
	}
	if err := h(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	_ = h(context.Background(), msg)
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}
