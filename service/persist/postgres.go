package persist

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"PPChat/tools/errs"
)

type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

const createChatTable = `
CREATE TABLE IF NOT EXISTS chat_messages (
	key          TEXT PRIMARY KEY,
	msg_id       BIGINT NOT NULL,
	sender       BIGINT NOT NULL,
	session      BIGINT NOT NULL,
	receivers    BIGINT[],
	type         INTEGER NOT NULL,
	payload      BYTEA,
	display_name TEXT,
	sent_at      TIMESTAMPTZ NOT NULL,
	stored_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS chat_messages_session_sent_at ON chat_messages (session, sent_at);
`

const insertChat = `
INSERT INTO chat_messages (key, msg_id, sender, session, receivers, type, payload, display_name, sent_at, stored_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (key) DO NOTHING`

type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool, pings it and creates the table if missing.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, errs.New("postgres dsn is required")
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errs.WrapMsg(err, "parse postgres dsn")
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, errs.WrapMsg(err, "open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.WrapMsg(err, "postgres ping")
	}
	if _, err := pool.Exec(ctx, createChatTable); err != nil {
		pool.Close()
		return nil, errs.WrapMsg(err, "create chat_messages")
	}
	return &PostgresStore{pool: pool}, nil
}

// Save inserts rec; a conflicting key is ignored.
func (s *PostgresStore) Save(ctx context.Context, rec *Record) error {
	_, err := s.pool.Exec(ctx, insertChat, rec.Key, int64(rec.MsgID), int64(rec.Sender), int64(rec.Session),
		toInt64s(rec.Receivers), rec.Type, rec.Payload, rec.DisplayName, rec.SentAt, rec.StoredAt)
	return errs.WrapMsg(err, "postgres insert", "key", rec.Key)
}

func (s *PostgresStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func toInt64s(ids []uint64) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
