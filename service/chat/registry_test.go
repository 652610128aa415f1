package chat

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"PPChat/service/protocol"
)

func pipeConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	return NewConn(a, ConnOptions{WriteTimeout: 2 * time.Second}), b
}

func TestSendOfflineIsNotAnError(t *testing.T) {
	r := NewRegistry()
	out, err := r.Send(43, protocol.NewMessage(1, &protocol.Ping{}))
	if out != Offline || err != nil {
		t.Fatalf("Send = %v, %v; want offline, nil", out, err)
	}
}

func TestAddReplaceRelease(t *testing.T) {
	r := NewRegistry()
	old, _ := pipeConn(t)
	cur, _ := pipeConn(t)
	old.authenticate(7)
	cur.authenticate(7)

	if replaced := r.Add(7, old); replaced != nil {
		t.Fatal("first Add replaced something")
	}
	if replaced := r.Add(7, cur); replaced != old {
		t.Fatal("second Add should return the previous connection")
	}
	if r.Release(old) {
		t.Fatal("releasing a replaced connection must not remove its successor")
	}
	if got, ok := r.Get(7); !ok || got != cur {
		t.Fatal("successor evicted")
	}
	if !r.Release(cur) {
		t.Fatal("Release(cur) = false")
	}
	if r.Len() != 0 {
		t.Fatal("registry not empty")
	}
	r.Add(7, cur)
	r.Remove(7)
	if _, ok := r.Get(7); ok {
		t.Fatal("Remove left the entry")
	}
}

// Concurrent sends to one user must produce whole frames back to back.
func TestWriteSerialization(t *testing.T) {
	r := NewRegistry()
	c, peer := pipeConn(t)
	c.authenticate(42)
	r.Add(42, c)

	const writers, perWriter = 4, 100
	got := make(chan []*protocol.Message, 1)
	go func() {
		fr := protocol.NewFrameReader(peer, 0)
		var msgs []*protocol.Message
		for len(msgs) < writers*perWriter {
			m, err := protocol.ReadMessage(fr)
			if err != nil {
				break
			}
			msgs = append(msgs, m)
		}
		got <- msgs
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte('a' + w)}, 512*(w+1))
			for i := 0; i < perWriter; i++ {
				m := protocol.NewMessage(uint64(w*perWriter+i), &protocol.Chat{Sender: 1, Receivers: []uint64{42}, Payload: payload})
				if out, err := r.Send(42, m); out != Delivered || err != nil {
					t.Errorf("Send = %v, %v", out, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	msgs := <-got
	if len(msgs) != writers*perWriter {
		t.Fatalf("decoded %d messages, want %d", len(msgs), writers*perWriter)
	}
	seen := make(map[uint64]bool)
	for _, m := range msgs {
		ch := m.Chat()
		if ch == nil {
			t.Fatalf("message %d is %v", m.ID, m.Kind)
		}
		w := int(m.ID) / perWriter
		if len(ch.Payload) != 512*(w+1) || !bytes.Equal(ch.Payload, bytes.Repeat([]byte{byte('a' + w)}, len(ch.Payload))) {
			t.Fatalf("message %d has a corrupted payload", m.ID)
		}
		seen[m.ID] = true
	}
	if len(seen) != writers*perWriter {
		t.Fatalf("duplicates: %d unique ids", len(seen))
	}
}

func TestSendAfterCloseIsOffline(t *testing.T) {
	r := NewRegistry()
	c, _ := pipeConn(t)
	c.authenticate(5)
	r.Add(5, c)
	_ = c.Close()
	out, err := r.Send(5, protocol.NewMessage(1, &protocol.Ping{}))
	if out != Offline || err != nil {
		t.Fatalf("Send on closed conn = %v, %v", out, err)
	}
}

func TestSweepKicksIdle(t *testing.T) {
	r := NewRegistry()
	idle, idlePeer := pipeConn(t)
	fresh, _ := pipeConn(t)
	idle.authenticate(1)
	fresh.authenticate(2)
	r.Add(1, idle)
	r.Add(2, fresh)
	go func() { _, _ = io.Copy(io.Discard, idlePeer) }()

	idle.lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())
	if n := r.Sweep(time.Minute); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	if idle.State() != StateClosed {
		t.Fatal("idle connection not closed")
	}
	if fresh.State() == StateClosed {
		t.Fatal("fresh connection closed")
	}
	if snap := r.Snapshot(); len(snap) != 2 || snap[0].UserID != 1 {
		t.Fatalf("Snapshot = %+v", snap)
	}
}

func TestKickDoesNotWaitForBlockedWriter(t *testing.T) {
	a, _ := net.Pipe()
	t.Cleanup(func() { _ = a.Close() })
	c := NewConn(a, ConnOptions{WriteTimeout: 5 * time.Second})
	c.authenticate(3)

	writing := make(chan error, 1)
	go func() { writing <- c.Send(protocol.NewMessage(1, &protocol.Ping{})) }()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	c.Kick("bye")
	if d := time.Since(start); d > time.Second {
		t.Fatalf("Kick took %v behind a blocked writer", d)
	}
	select {
	case err := <-writing:
		if err == nil {
			t.Fatal("blocked Send succeeded after Kick")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Send not released by Kick")
	}
}

func TestKickCapsNoticeWrite(t *testing.T) {
	a, _ := net.Pipe()
	t.Cleanup(func() { _ = a.Close() })
	c := NewConn(a, ConnOptions{WriteTimeout: 5 * time.Second})
	start := time.Now()
	c.Kick("bye")
	if d := time.Since(start); d > KickTimeout+500*time.Millisecond {
		t.Fatalf("Kick took %v, want about %v", d, KickTimeout)
	}
	if c.State() != StateClosed {
		t.Fatal("kicked connection still open")
	}
}

func TestConnStateOnlyMovesForward(t *testing.T) {
	c, _ := pipeConn(t)
	if c.State() != StateAwaitingConnect {
		t.Fatal("new connection not awaiting connect")
	}
	c.authenticate(9)
	c.advance(StateActive)
	if c.advance(StateAuthenticated) {
		t.Fatal("moved backwards")
	}
	_ = c.Close()
	if c.advance(StateActive) || c.State() != StateClosed {
		t.Fatal("left closed state")
	}
	if err := c.Send(protocol.NewMessage(1, &protocol.Ping{})); err != ErrConnClosed {
		t.Fatalf("Send after close = %v", err)
	}
}

func TestRateLimit(t *testing.T) {
	a, _ := net.Pipe()
	defer a.Close()
	c := NewConn(a, ConnOptions{ChatRate: 1, ChatBurst: 2})
	if !c.Allow() || !c.Allow() {
		t.Fatal("burst not honoured")
	}
	if c.Allow() {
		t.Fatal("third chat within a second allowed")
	}
}
