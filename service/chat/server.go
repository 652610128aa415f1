// Package chat is the connection gateway: it accepts sockets, runs the
// Connect handshake, keeps the user registry and dispatches frames.
package chat

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/auth"
	"PPChat/service/protocol"
	"PPChat/tools/errs"
	"PPChat/tools/safe"
)

type Options struct {
	ID               string
	MaxConns         int
	MaxFrameSize     int
	HandshakeTimeout time.Duration
	VerifyTimeout    time.Duration
	IdleTimeout      time.Duration
	SweepEvery       time.Duration
	WriteTimeout     time.Duration
	ChatRate         float64
	ChatBurst        int
	// OfflineDrain bounds how many queued frames are replayed after login;
	// zero disables replay.
	OfflineDrain int
}

func DefaultOptions() Options {
	return Options{
		ID:               "gw-1",
		MaxConns:         10000,
		MaxFrameSize:     protocol.DefaultMaxFrameSize,
		HandshakeTimeout: 10 * time.Second,
		VerifyTimeout:    3 * time.Second,
		IdleTimeout:      90 * time.Second,
		SweepEvery:       10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ChatRate:         20,
		ChatBurst:        40,
		OfflineDrain:     200,
	}
}

// Presence publishes which gateway holds a user.
type Presence interface {
	Online(ctx context.Context, userID uint64) error
	Refresh(ctx context.Context, userID uint64) error
	Offline(ctx context.Context, userID uint64) error
}

// OfflineStore queues encoded envelopes for users who were not connected.
type OfflineStore interface {
	Enqueue(ctx context.Context, userID uint64, payload []byte) error
	Drain(ctx context.Context, userID uint64, n int) ([][]byte, error)
}

type Option func(*Server)

func WithPresence(p Presence) Option { return func(s *Server) { s.presence = p } }

func WithOfflineStore(o OfflineStore) Option { return func(s *Server) { s.offline = o } }

type Server struct {
	opts     Options
	reg      *Registry
	disp     *Dispatcher
	verifier auth.Verifier
	presence Presence
	offline  OfflineStore

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	sweepOnce sync.Once

	wg       sync.WaitGroup
	active   atomic.Int64
	accepted atomic.Uint64
	rejected atomic.Uint64
	closing  atomic.Bool
}

func NewServer(opts Options, reg *Registry, disp *Dispatcher, verifier auth.Verifier, options ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:      opts,
		reg:       reg,
		disp:      disp,
		verifier:  verifier,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *Server) Registry() *Registry { return s.reg }
func (s *Server) Presence() Presence  { return s.presence }

type Stats struct {
	Gateway    string `json:"gateway"`
	Registered int    `json:"registered"`
	Active     int64  `json:"active"`
	Accepted   uint64 `json:"accepted"`
	Rejected   uint64 `json:"rejected"`
}

func (s *Server) Stats() Stats {
	return Stats{
		Gateway:    s.opts.ID,
		Registered: s.reg.Len(),
		Active:     s.active.Load(),
		Accepted:   s.accepted.Load(),
		Rejected:   s.rejected.Load(),
	}
}

var ErrServerClosed = errs.New("chat: server closed")

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errs.WrapMsg(err, "listen", "addr", addr)
	}
	return s.Serve(ln)
}

// Serve accepts sockets on ln until Shutdown. Every socket gets its own
// goroutine; the handshake runs there too, so a slow verifier never stalls
// the accept loop.
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln, true) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer s.trackListener(ln, false)
	s.sweepOnce.Do(func() {
		safe.Go("registry-sweeper", func() {
			s.reg.RunSweeper(s.ctx, s.opts.SweepEvery, s.opts.IdleTimeout)
		})
	})
	logger.Info("gateway listening", zap.String("gateway", s.opts.ID), zap.String("addr", ln.Addr().String()))

	var backoff time.Duration
	for {
		raw, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return errs.WrapMsg(err, "accept")
			}
			// EMFILE, ECONNABORTED and friends are transient; keep serving.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			logger.Warn("accept error, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return ErrServerClosed
			}
			continue
		}
		backoff = 0
		go s.ServeConn(raw)
	}
}

func (s *Server) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closing.Load() {
			return false
		}
		s.listeners[ln] = struct{}{}
	} else {
		delete(s.listeners, ln)
	}
	return true
}

// admit applies the max_conns gate.
func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	if n := s.active.Add(1); s.opts.MaxConns > 0 && n > int64(s.opts.MaxConns) {
		s.active.Add(-1)
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) leave() {
	s.active.Add(-1)
	s.wg.Done()
}

// ServeConn runs one socket through handshake and read loop and returns
// when it is closed. TCP and WebSocket sockets both end up here.
func (s *Server) ServeConn(raw net.Conn) {
	if !s.admit() {
		s.rejected.Add(1)
		logger.Warn("connection rejected", zap.String("remote", raw.RemoteAddr().String()), zap.Int("max_conns", s.opts.MaxConns))
		_ = raw.Close()
		return
	}
	s.accepted.Add(1)
	defer s.leave()
	defer safe.Recover("conn")

	c := NewConn(raw, ConnOptions{
		MaxFrameSize: s.opts.MaxFrameSize,
		WriteTimeout: s.opts.WriteTimeout,
		ChatRate:     s.opts.ChatRate,
		ChatBurst:    s.opts.ChatBurst,
	})
	defer c.Close()

	if err := s.handshake(s.ctx, c); err != nil {
		logger.Info("handshake failed", zap.String("remote", c.RemoteAddr()), zap.Error(err))
		return
	}
	defer s.teardown(c)
	s.afterLogin(c)
	s.readLoop(c)
}

// handshake expects Connect as the first frame. Anything else closes the
// socket silently; a rejected token gets a ConnectAck with a non-zero code.
func (s *Server) handshake(ctx context.Context, c *Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	if s.opts.HandshakeTimeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	}
	m, err := c.ReadMessage()
	if err != nil {
		return errs.WrapMsg(err, "read connect")
	}
	connect, ok := m.Content.(*protocol.Connect)
	if m.Kind != protocol.KindConnect || !ok {
		return errs.ErrProtocol.WrapMsg("first frame is not connect", "kind", m.Kind)
	}

	vctx := ctx
	if s.opts.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		vctx, cancel = context.WithTimeout(ctx, s.opts.VerifyTimeout)
		defer cancel()
	}
	uid, err := s.verifier.Verify(vctx, connect.Token)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			err = errs.ErrAuthUnavailable.WrapMsg("verify timed out")
		}
		code := errs.Code(err, errs.CodeTokenInvalid)
		_ = c.Send(protocol.NewMessage(m.ID, &protocol.ConnectAck{Code: int32(code), Message: ackMessage(err)}))
		return err
	}
	_ = c.SetReadDeadline(time.Time{})
	c.authenticate(uid)

	var replaced *Conn
	err = c.sendAfter(protocol.NewMessage(m.ID, &protocol.ConnectAck{Code: 0, Message: "ok", UserID: uid}), func() {
		replaced = s.reg.Add(uid, c)
	})
	if replaced != nil {
		logger.Info("replacing previous connection",
			zap.Uint64("user_id", uid), zap.Uint64("old_conn", replaced.ID()), zap.Uint64("new_conn", c.ID()))
		safe.Go("kick-replaced", func() { replaced.Kick("replaced by a new connection") })
	}
	if err != nil {
		s.reg.Release(c)
		return errs.WrapMsg(err, "write connect ack")
	}
	c.advance(StateActive)
	logger.Info("user connected",
		zap.Uint64("user_id", uid), zap.Uint64("conn_id", c.ID()), zap.String("remote", c.RemoteAddr()))
	return nil
}

func ackMessage(err error) string {
	var ce errs.CodeError
	if errors.As(err, &ce) {
		return ce.Msg
	}
	return "connect rejected"
}

func (s *Server) afterLogin(c *Conn) {
	uid := c.UserID()
	if s.presence != nil {
		if err := s.presence.Online(s.ctx, uid); err != nil {
			logger.Warn("presence online failed", zap.Uint64("user_id", uid), zap.Error(err))
		}
	}
	if s.offline == nil || s.opts.OfflineDrain <= 0 {
		return
	}
	frames, err := s.offline.Drain(s.ctx, uid, s.opts.OfflineDrain)
	if err != nil {
		logger.Warn("offline drain failed", zap.Uint64("user_id", uid), zap.Error(err))
		return
	}
	for _, payload := range frames {
		if err := c.WritePayload(payload); err != nil {
			logger.Info("offline replay aborted", zap.Uint64("user_id", uid), zap.Error(err))
			return
		}
	}
	if len(frames) > 0 {
		logger.Debug("offline frames replayed", zap.Uint64("user_id", uid), zap.Int("count", len(frames)))
	}
}

// readLoop processes frames strictly in arrival order until the socket
// fails or is closed.
func (s *Server) readLoop(c *Conn) {
	for {
		m, err := c.ReadMessage()
		if err != nil {
			s.logReadEnd(c, err)
			return
		}
		s.disp.Dispatch(s.ctx, c, m)
	}
}

func (s *Server) logReadEnd(c *Conn, err error) {
	fields := []zap.Field{zap.Uint64("user_id", c.UserID()), zap.Uint64("conn_id", c.ID())}
	switch {
	case c.State() == StateClosed:
		logger.Debug("connection closed locally", fields...)
	case errors.Is(err, protocol.ErrIncompleteFrame), errors.Is(err, protocol.ErrOversizeFrame), errs.ErrProtocol.Is(err):
		logger.Warn("protocol error, closing", append(fields, zap.Error(err))...)
	default:
		logger.Info("peer disconnected", append(fields, zap.Error(err))...)
	}
}

// teardown drops the registry entry (if still ours) and presence.
func (s *Server) teardown(c *Conn) {
	_ = c.Close()
	if !s.reg.Release(c) {
		return
	}
	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.presence.Offline(ctx, c.UserID()); err != nil {
			logger.Warn("presence offline failed", zap.Uint64("user_id", c.UserID()), zap.Error(err))
		}
	}
}

// Shutdown stops accepting, kicks every registered connection and waits
// for connection goroutines to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing.Store(true)
	for ln := range s.listeners {
		_ = ln.Close()
	}
	s.mu.Unlock()

	kicked := make(chan struct{})
	go func() {
		s.reg.CloseAll("server shutting down")
		close(kicked)
	}()
	select {
	case <-kicked:
	case <-ctx.Done():
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("gateway stopped", zap.String("gateway", s.opts.ID))
		return nil
	case <-ctx.Done():
		// 超时后直接关闭剩余 socket，不再等待 Kick 通知写完。
		s.reg.CloseConns()
		return ctx.Err()
	}
}
