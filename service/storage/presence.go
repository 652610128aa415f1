// Package storage keeps gateway state that other instances need to see:
// user presence, session membership and queued offline messages.
package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"PPChat/tools/errs"
)

// presence key: im:presence:<user>, value: gateway id, TTL bounds validity.
func presenceKey(userID uint64) string {
	return "im:presence:" + strconv.FormatUint(userID, 10)
}

// Deletes the key only while it still names this gateway.
// KEYS[1] = presence key, ARGV[1] = gateway id
const luaOfflineIfOwner = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Renews the TTL only while the key still names this gateway.
// KEYS[1] = presence key, ARGV[1] = gateway id, ARGV[2] = ttl ms
const luaRefreshIfOwner = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

type Presence struct {
	rdb       redis.Cmdable
	gatewayID string
	ttl       time.Duration

	offline *redis.Script
	refresh *redis.Script
}

func NewPresence(rdb redis.Cmdable, gatewayID string, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &Presence{
		rdb:       rdb,
		gatewayID: gatewayID,
		ttl:       ttl,
		offline:   redis.NewScript(luaOfflineIfOwner),
		refresh:   redis.NewScript(luaRefreshIfOwner),
	}
}

// Online marks userID as connected to this gateway.
func (p *Presence) Online(ctx context.Context, userID uint64) error {
	return errs.Wrap(p.rdb.Set(ctx, presenceKey(userID), p.gatewayID, p.ttl).Err())
}

// Refresh renews the presence TTL; a no-op if another gateway took over.
func (p *Presence) Refresh(ctx context.Context, userID uint64) error {
	err := p.refresh.Run(ctx, p.rdb, []string{presenceKey(userID)}, p.gatewayID, p.ttl.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errs.Wrap(err)
	}
	return nil
}

// Offline clears presence unless another gateway took over meanwhile.
func (p *Presence) Offline(ctx context.Context, userID uint64) error {
	err := p.offline.Run(ctx, p.rdb, []string{presenceKey(userID)}, p.gatewayID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errs.Wrap(err)
	}
	return nil
}

// Lookup reports which gateway holds userID, if any.
func (p *Presence) Lookup(ctx context.Context, userID uint64) (gatewayID string, online bool, err error) {
	val, err := p.rdb.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Wrap(err)
	}
	return val, true, nil
}
