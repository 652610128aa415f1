package protocol

import (
	"fmt"
	"time"

	"PPChat/tools/errs"
)

// Kind discriminates the content variant of a Message.
type Kind int32

const (
	KindUnknown Kind = iota
	KindConnect
	KindConnectAck
	KindChat
	KindPing
	KindPong
	KindKick
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "CONNECT"
	case KindConnectAck:
		return "CONNECT_ACK"
	case KindChat:
		return "CHAT"
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	case KindKick:
		return "KICK"
	default:
		return fmt.Sprintf("KIND(%d)", int32(k))
	}
}

// ChatType is the media type of a chat payload.
type ChatType int32

const (
	ChatText ChatType = iota
	ChatImage
	ChatFile
	ChatAudio
	ChatVideo
	ChatSystem
)

// Content is one of *Connect, *ConnectAck, *Chat, *Ping, *Pong or *Kick.
type Content interface {
	Kind() Kind
	appendTo(b []byte) []byte
}

// Message is the logical envelope carried inside one frame.
type Message struct {
	ID        uint64 // caller-assigned, client-side correlation only
	Timestamp uint64 // ms since epoch, stamped by the producer
	Kind      Kind
	Content   Content
}

type Connect struct {
	Token string
}

type ConnectAck struct {
	Code    int32 // 0 means success
	Message string
	UserID  uint64
}

// Chat is the only routed message. Empty Receivers and Payload are not
// encoded, so they decode as nil.
type Chat struct {
	Sender      uint64
	Session     uint64
	Receivers   []uint64
	Type        ChatType
	Payload     []byte
	Timestamp   uint64
	DisplayName string
}

type Ping struct{}

type Pong struct{}

// Kick tells a client its socket is about to be closed by the server.
type Kick struct {
	Reason string
}

func (*Connect) Kind() Kind    { return KindConnect }
func (*ConnectAck) Kind() Kind { return KindConnectAck }
func (*Chat) Kind() Kind       { return KindChat }
func (*Ping) Kind() Kind       { return KindPing }
func (*Pong) Kind() Kind       { return KindPong }
func (*Kick) Kind() Kind       { return KindKick }

// NewMessage wraps c in an envelope stamped with the current time.
func NewMessage(id uint64, c Content) *Message {
	return &Message{
		ID:        id,
		Timestamp: NowMillis(),
		Kind:      c.Kind(),
		Content:   c,
	}
}

func NowMillis() uint64 { return uint64(time.Now().UnixMilli()) }

// Validate reports a protocol violation when the populated content does not
// match Kind.
func (m *Message) Validate() error {
	if m.Content == nil {
		return errs.ErrProtocol.WrapMsg("missing content", "kind", m.Kind)
	}
	if m.Content.Kind() != m.Kind {
		return errs.ErrProtocol.WrapMsg("content does not match kind", "kind", m.Kind, "content", m.Content.Kind())
	}
	return nil
}

// Chat returns the chat content, or nil.
func (m *Message) Chat() *Chat {
	c, _ := m.Content.(*Chat)
	return c
}

// Recipients returns who should receive c: its receivers, or members when
// receivers is empty, minus the sender and duplicates, in first-seen order.
func Recipients(c *Chat, members []uint64) []uint64 {
	src := c.Receivers
	if len(src) == 0 {
		src = members
	}
	seen := make(map[uint64]struct{}, len(src))
	out := make([]uint64, 0, len(src))
	for _, uid := range src {
		if uid == c.Sender {
			continue
		}
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	return out
}
