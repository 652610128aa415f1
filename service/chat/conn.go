package chat

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"PPChat/service/protocol"
	"PPChat/tools/errs"
	"PPChat/tools/ids"
)

// State of a connection. Transitions only move forward.
type State int32

const (
	StateAwaitingConnect State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingConnect:
		return "awaiting_connect"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var ErrConnClosed = errs.New("connection closed")

type ConnOptions struct {
	MaxFrameSize int
	WriteTimeout time.Duration
	// ChatRate is chat frames per second; zero disables limiting.
	ChatRate  float64
	ChatBurst int
}

// Conn is one client socket. Reads happen only on the connection's own
// goroutine; writes from any goroutine serialize on wmu.
type Conn struct {
	id     uint64
	userID atomic.Uint64
	state  atomic.Int32
	raw    net.Conn
	fr     *protocol.FrameReader

	wmu          sync.Mutex
	writeTimeout time.Duration

	limiter   *rate.Limiter
	createdAt time.Time
	lastSeen  atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func NewConn(raw net.Conn, opts ConnOptions) *Conn {
	now := time.Now()
	c := &Conn{
		id:           ids.Generate(),
		raw:          raw,
		fr:           protocol.NewFrameReader(raw, opts.MaxFrameSize),
		writeTimeout: opts.WriteTimeout,
		createdAt:    now,
		done:         make(chan struct{}),
	}
	if opts.ChatRate > 0 {
		burst := opts.ChatBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.ChatRate), burst)
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

func (c *Conn) ID() uint64 { return c.id }
func (c *Conn) UserID() uint64 { return c.userID.Load() }
func (c *Conn) State() State { return State(c.state.Load()) }
func (c *Conn) CreatedAt() time.Time { return c.createdAt }
func (c *Conn) Done() <-chan struct{} { return c.done }
func (c *Conn) RemoteAddr() string {
	if a := c.raw.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// advance moves the state forward; it never leaves StateClosed.
func (c *Conn) advance(to State) bool {
	for {
		cur := c.state.Load()
		if State(cur) >= to {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

func (c *Conn) authenticate(userID uint64) {
	c.userID.Store(userID)
	c.advance(StateAuthenticated)
}

func (c *Conn) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

func (c *Conn) Touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// Allow reports whether one more chat frame fits the rate limit.
func (c *Conn) Allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// ReadMessage decodes the next frame. Only the read loop may call it.
func (c *Conn) ReadMessage() (*protocol.Message, error) {
	m, err := protocol.ReadMessage(c.fr)
	if err != nil {
		return nil, err
	}
	c.Touch()
	return m, nil
}

func (c *Conn) SetReadDeadline(t time.Time) error { return c.raw.SetReadDeadline(t) }

// Send encodes m and writes it as one frame under the write lock.
func (c *Conn) Send(m *protocol.Message) error {
	return c.sendAfter(m, nil)
}

// sendAfter runs fn and then writes m without releasing the write lock in
// between, so no other frame can slip in ahead of m.
func (c *Conn) sendAfter(m *protocol.Message, fn func()) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if fn != nil {
		fn()
	}
	payload, err := protocol.Marshal(m)
	if err != nil {
		return err
	}
	return c.writeLocked(payload, c.writeTimeout)
}

// WritePayload writes an already encoded envelope as one frame.
func (c *Conn) WritePayload(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.writeLocked(payload, c.writeTimeout)
}

// writeLocked 必须在持有 wmu 时调用；timeout<=0 表示不设写超时。
func (c *Conn) writeLocked(payload []byte, timeout time.Duration) error {
	if c.State() == StateClosed {
		return ErrConnClosed
	}
	if timeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(timeout))
	}
	return protocol.WriteFrame(c.raw, payload)
}

// KickTimeout caps the Kick notice write.
const KickTimeout = 500 * time.Millisecond

// Kick sends a best-effort notice and closes the socket. The notice is
// skipped when another writer holds the socket, and never waits longer
// than KickTimeout.
func (c *Conn) Kick(reason string) {
	if c.State() != StateClosed && c.wmu.TryLock() {
		timeout := KickTimeout
		if c.writeTimeout > 0 && c.writeTimeout < timeout {
			timeout = c.writeTimeout
		}
		if payload, err := protocol.Marshal(protocol.NewMessage(0, &protocol.Kick{Reason: reason})); err == nil {
			_ = c.writeLocked(payload, timeout)
		}
		c.wmu.Unlock()
	}
	_ = c.Close()
}

// Close is idempotent and unblocks a pending read or write.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		err = c.raw.Close()
	})
	return err
}
