package storage

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"

	"PPChat/tools/errs"
)

// DefaultOfflineLimit caps each user's queue; older entries are trimmed.
const DefaultOfflineLimit = 1000

// offline queue key: im:offline:<user>, a list of encoded envelopes, newest first.
func offlineKey(userID uint64) string {
	return "im:offline:" + strconv.FormatUint(userID, 10)
}

// OfflineQueue holds envelopes for users who were not connected anywhere
// when a delivery arrived.
type OfflineQueue struct {
	rdb   redis.Cmdable
	limit int64
}

func NewOfflineQueue(rdb redis.Cmdable, limit int) *OfflineQueue {
	if limit <= 0 {
		limit = DefaultOfflineLimit
	}
	return &OfflineQueue{rdb: rdb, limit: int64(limit)}
}

// Enqueue pushes payload, keeping the newest limit entries.
func (q *OfflineQueue) Enqueue(ctx context.Context, userID uint64, payload []byte) error {
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, offlineKey(userID), payload)
	pipe.LTrim(ctx, offlineKey(userID), 0, q.limit-1)
	_, err := pipe.Exec(ctx)
	return errs.Wrap(err)
}

// Drain removes and returns up to n queued envelopes, oldest first.
func (q *OfflineQueue) Drain(ctx context.Context, userID uint64, n int) ([][]byte, error) {
	if n <= 0 {
		n = 100
	}
	key := offlineKey(userID)
	vals, err := q.rdb.RPopCount(ctx, key, n).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}
