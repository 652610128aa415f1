package broker

import (
	"context"
	"sync"
	"time"
)

// IdemStore remembers message ids for a while.
type IdemStore interface {
	SeenOnce(key string, ttl time.Duration) (seen bool, err error)
	Forget(key string)
}

type memIdem struct {
	mu  sync.Mutex
	m   map[string]time.Time
	ttl time.Duration
	now func() time.Time
}

// NewMemIdem returns a single-process IdemStore. Expired keys are dropped
// lazily once the map grows past a threshold.
func NewMemIdem(defaultTTL time.Duration) IdemStore {
	return &memIdem{m: make(map[string]time.Time), ttl: defaultTTL, now: time.Now}
}

func (mi *memIdem) SeenOnce(key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	now := mi.now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if exp, ok := mi.m[key]; ok && exp.After(now) {
		return true, nil
	}
	if len(mi.m) >= 4096 {
		for k, exp := range mi.m {
			if !exp.After(now) {
				delete(mi.m, k)
			}
		}
	}
	mi.m[key] = now.Add(ttl)
	return false, nil
}

func (mi *memIdem) Forget(key string) {
	mi.mu.Lock()
	delete(mi.m, key)
	mi.mu.Unlock()
}

// Dedup skips deliveries whose message id was already handled within ttl.
// A failed handler forgets the id so a redelivery runs again. Deliveries
// without an id are always handled.
func Dedup(store IdemStore, ttl time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg Message) error {
			id := MsgID(msg.Header)
			if id == "" {
				return next(ctx, msg)
			}
			key := msg.Topic + "|" + id
			if seen, _ := store.SeenOnce(key, ttl); seen {
				return nil
			}
			if err := next(ctx, msg); err != nil {
				store.Forget(key)
				return err
			}
			return nil
		}
	}
}
