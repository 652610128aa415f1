package chat

import (
	"context"
	"net"
	"testing"
	"time"

	"PPChat/service/auth"
	"PPChat/service/protocol"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.ID = "gw-test"
	opts.HandshakeTimeout = 2 * time.Second
	opts.SweepEvery = 0
	opts.ChatRate = 0
	return opts
}

func startServer(t *testing.T, opts Options, disp *Dispatcher, tokens map[string]uint64) (*Server, string) {
	t.Helper()
	if disp == nil {
		disp = NewDispatcher()
	}
	srv := NewServer(opts, NewRegistry(), disp, auth.NewStaticVerifier(tokens))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, ln.Addr().String()
}

type client struct {
	t  *testing.T
	nc net.Conn
	fr *protocol.FrameReader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	nc, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = nc.Close() })
	return &client{t: t, nc: nc, fr: protocol.NewFrameReader(nc, 0)}
}

func (c *client) send(m *protocol.Message) {
	c.t.Helper()
	b, err := protocol.MarshalFrame(m)
	if err != nil {
		c.t.Fatal(err)
	}
	if _, err := c.nc.Write(b); err != nil {
		c.t.Fatal(err)
	}
}

// read returns the next message or the read error, waiting at most 3s.
func (c *client) read() (*protocol.Message, error) {
	_ = c.nc.SetReadDeadline(time.Now().Add(3 * time.Second))
	return protocol.ReadMessage(c.fr)
}

func (c *client) mustRead() *protocol.Message {
	c.t.Helper()
	m, err := c.read()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return m
}

func (c *client) connect(token string) *protocol.ConnectAck {
	c.t.Helper()
	c.send(protocol.NewMessage(1, &protocol.Connect{Token: token}))
	m := c.mustRead()
	ack, ok := m.Content.(*protocol.ConnectAck)
	if !ok {
		c.t.Fatalf("first reply is %v, want connect ack", m.Kind)
	}
	return ack
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	return ln
}

func staticVerifier(tokens map[string]uint64) auth.Verifier {
	return auth.NewStaticVerifier(tokens)
}
