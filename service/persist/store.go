// Package persist stores published chats off the broker, away from the
// gateway's socket loops.
package persist

import (
	"context"
	"strconv"
	"time"

	"PPChat/service/protocol"
)

// Record is one stored chat.
type Record struct {
	Key         string    `bson:"_id" json:"key"`
	MsgID       uint64    `bson:"msg_id" json:"msg_id"`
	Sender      uint64    `bson:"sender" json:"sender"`
	Session     uint64    `bson:"session" json:"session"`
	Receivers   []uint64  `bson:"receivers,omitempty" json:"receivers,omitempty"`
	Type        int32     `bson:"type" json:"type"`
	Payload     []byte    `bson:"payload" json:"payload"`
	DisplayName string    `bson:"display_name,omitempty" json:"display_name,omitempty"`
	SentAt      time.Time `bson:"sent_at" json:"sent_at"`
	StoredAt    time.Time `bson:"stored_at" json:"stored_at"`
}

// NewRecord flattens a chat envelope. key is the broker message id; when
// empty a key is derived from sender, id and timestamp.
func NewRecord(m *protocol.Message, key string) *Record {
	c := m.Chat()
	if c == nil {
		return nil
	}
	ts := c.Timestamp
	if ts == 0 {
		ts = m.Timestamp
	}
	if key == "" {
		key = strconv.FormatUint(c.Sender, 10) + ":" + strconv.FormatUint(m.ID, 10) + ":" + strconv.FormatUint(ts, 10)
	}
	return &Record{
		Key:         key,
		MsgID:       m.ID,
		Sender:      c.Sender,
		Session:     c.Session,
		Receivers:   c.Receivers,
		Type:        int32(c.Type),
		Payload:     c.Payload,
		DisplayName: c.DisplayName,
		SentAt:      time.UnixMilli(int64(ts)).UTC(),
		StoredAt:    time.Now().UTC(),
	}
}

// Store saves records idempotently: saving the same key twice is not an error.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Close(ctx context.Context) error
}
