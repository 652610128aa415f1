package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"PPChat/logger"
	"PPChat/service/protocol"
)

// Outcome of a single delivery attempt.
type Outcome int

const (
	Delivered Outcome = iota
	// Offline means no connection is registered for the user. Expected and
	// never retried.
	Offline
	// Failed means the write failed; the connection has been closed and its
	// teardown releases the entry.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Offline:
		return "offline"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Registry maps user ids to their live connection. The map lock is held
// only for lookups and mutation, never while writing to a socket.
type Registry struct {
	mu     sync.RWMutex
	byUser map[uint64]*Conn
}

func NewRegistry() *Registry {
	return &Registry{byUser: make(map[uint64]*Conn)}
}

// Add registers c for userID and returns the connection it replaced, if
// any. The caller decides what to do with the replaced one.
func (r *Registry) Add(userID uint64, c *Conn) (replaced *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byUser[userID]; ok && old != c {
		replaced = old
	}
	r.byUser[userID] = c
	return replaced
}

// Remove deletes whatever is registered for userID.
func (r *Registry) Remove(userID uint64) {
	r.mu.Lock()
	delete(r.byUser, userID)
	r.mu.Unlock()
}

// Release deletes c's entry only if it still points at c, so a replaced
// socket's teardown cannot evict its successor.
func (r *Registry) Release(c *Conn) bool {
	uid := c.UserID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byUser[uid]; ok && cur == c {
		delete(r.byUser, uid)
		return true
	}
	return false
}

func (r *Registry) Get(userID uint64) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUser[userID]
	return c, ok
}

// Send delivers m to userID's connection.
func (r *Registry) Send(userID uint64, m *protocol.Message) (Outcome, error) {
	c, ok := r.Get(userID)
	if !ok {
		return Offline, nil
	}
	return r.finish(c, c.Send(m))
}

// SendPayload delivers an encoded envelope; used by fan-out so the message
// is marshalled once for all recipients.
func (r *Registry) SendPayload(userID uint64, payload []byte) (Outcome, error) {
	c, ok := r.Get(userID)
	if !ok {
		return Offline, nil
	}
	return r.finish(c, c.WritePayload(payload))
}

func (r *Registry) finish(c *Conn, err error) (Outcome, error) {
	if err == nil {
		return Delivered, nil
	}
	if err == ErrConnClosed {
		// Lost the race with teardown.
		return Offline, nil
	}
	_ = c.Close()
	return Failed, err
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

type ConnInfo struct {
	UserID   uint64    `json:"user_id"`
	ConnID   uint64    `json:"conn_id"`
	Remote   string    `json:"remote"`
	Since    time.Time `json:"since"`
	LastSeen time.Time `json:"last_seen"`
}

// Snapshot lists registered connections ordered by user id.
func (r *Registry) Snapshot() []ConnInfo {
	r.mu.RLock()
	out := make([]ConnInfo, 0, len(r.byUser))
	for uid, c := range r.byUser {
		out = append(out, ConnInfo{
			UserID:   uid,
			ConnID:   c.ID(),
			Remote:   c.RemoteAddr(),
			Since:    c.CreatedAt(),
			LastSeen: c.LastSeen(),
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Registry) conns() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.byUser))
	for _, c := range r.byUser {
		out = append(out, c)
	}
	return out
}

// CloseAll kicks every connection concurrently, so it returns within
// KickTimeout however many peers stopped reading. Entries are released by
// each connection's own teardown.
func (r *Registry) CloseAll(reason string) {
	kickAll(r.conns(), reason)
}

// CloseConns closes every registered socket without a notice.
func (r *Registry) CloseConns() {
	for _, c := range r.conns() {
		_ = c.Close()
	}
}

func kickAll(cs []*Conn, reason string) {
	var wg sync.WaitGroup
	for _, c := range cs {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			c.Kick(reason)
		}(c)
	}
	wg.Wait()
}

// Sweep kicks connections silent for longer than idle and returns how many.
// Entries are released by each connection's teardown.
func (r *Registry) Sweep(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	deadline := time.Now().Add(-idle)
	var stale []*Conn
	for _, c := range r.conns() {
		if c.LastSeen().Before(deadline) {
			logger.Info("evicting idle connection",
				zap.Uint64("user_id", c.UserID()), zap.Uint64("conn_id", c.ID()), zap.Time("last_seen", c.LastSeen()))
			stale = append(stale, c)
		}
	}
	kickAll(stale, "idle timeout")
	return len(stale)
}

// RunSweeper calls Sweep every period until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, every, idle time.Duration) {
	if every <= 0 || idle <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.Sweep(idle); n > 0 {
				logger.Debug("sweep done", zap.Int("evicted", n), zap.Int("remaining", r.Len()))
			}
		}
	}
}
