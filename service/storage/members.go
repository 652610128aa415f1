package storage

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"PPChat/tools/errs"
)

// session members key: im:session:<id>:members, a set of user ids.
func membersKey(session uint64) string {
	return "im:session:" + strconv.FormatUint(session, 10) + ":members"
}

type Members struct {
	rdb redis.Cmdable
}

func NewMembers(rdb redis.Cmdable) *Members { return &Members{rdb: rdb} }

// Members lists the users of session. Unparseable entries are skipped.
func (m *Members) Members(ctx context.Context, session uint64) ([]uint64, error) {
	vals, err := m.rdb.SMembers(ctx, membersKey(session)).Result()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return parseIDs(vals), nil
}

func (m *Members) Add(ctx context.Context, session uint64, users ...uint64) error {
	if len(users) == 0 {
		return nil
	}
	return errs.Wrap(m.rdb.SAdd(ctx, membersKey(session), idArgs(users)...).Err())
}

func (m *Members) Remove(ctx context.Context, session uint64, users ...uint64) error {
	if len(users) == 0 {
		return nil
	}
	return errs.Wrap(m.rdb.SRem(ctx, membersKey(session), idArgs(users)...).Err())
}

func parseIDs(vals []string) []uint64 {
	out := make([]uint64, 0, len(vals))
	for _, v := range vals {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

func idArgs(ids []uint64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = strconv.FormatUint(id, 10)
	}
	return args
}
