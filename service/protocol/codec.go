package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"

	"PPChat/tools/errs"
)

// Envelope field numbers (protobuf wire format).
const (
	fieldID         protowire.Number = 1
	fieldTimestamp  protowire.Number = 2
	fieldKind       protowire.Number = 3
	fieldConnect    protowire.Number = 4
	fieldConnectAck protowire.Number = 5
	fieldChat       protowire.Number = 6
	fieldPing       protowire.Number = 7
	fieldPong       protowire.Number = 8
	fieldKick       protowire.Number = 9
)

var contentFields = map[Kind]protowire.Number{
	KindConnect:    fieldConnect,
	KindConnectAck: fieldConnectAck,
	KindChat:       fieldChat,
	KindPing:       fieldPing,
	KindPong:       fieldPong,
	KindKick:       fieldKick,
}

// Marshal encodes m. The payload is opaque to the frame codec.
func Marshal(m *Message) ([]byte, error) {
	if m == nil {
		return nil, errs.New("marshal nil message")
	}
	var b []byte
	b = appendVarintField(b, fieldID, m.ID)
	b = appendVarintField(b, fieldTimestamp, m.Timestamp)
	b = appendVarintField(b, fieldKind, uint64(int64(m.Kind)))
	if m.Content != nil {
		num, ok := contentFields[m.Content.Kind()]
		if !ok {
			return nil, errs.New("unknown content type", "kind", m.Content.Kind())
		}
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Content.appendTo(nil))
	}
	return b, nil
}

// Unmarshal decodes an envelope. Unknown fields are skipped. A kind without
// its content decodes successfully; see Message.Validate.
func Unmarshal(b []byte) (*Message, error) {
	m := &Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, decodeErr(n)
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType && (num == fieldID || num == fieldTimestamp || num == fieldKind):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, decodeErr(n)
			}
			b = b[n:]
			switch num {
			case fieldID:
				m.ID = v
			case fieldTimestamp:
				m.Timestamp = v
			case fieldKind:
				m.Kind = Kind(int32(v))
			}
		case typ == protowire.BytesType && num >= fieldConnect && num <= fieldKick:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, decodeErr(n)
			}
			b = b[n:]
			c, err := unmarshalContent(num, v)
			if err != nil {
				return nil, err
			}
			m.Content = c
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, decodeErr(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}

func unmarshalContent(num protowire.Number, b []byte) (Content, error) {
	switch num {
	case fieldConnect:
		c := &Connect{}
		return c, c.consume(b)
	case fieldConnectAck:
		c := &ConnectAck{}
		return c, c.consume(b)
	case fieldChat:
		c := &Chat{}
		return c, c.consume(b)
	case fieldPing:
		return &Ping{}, skipAll(b)
	case fieldPong:
		return &Pong{}, skipAll(b)
	case fieldKick:
		c := &Kick{}
		return c, c.consume(b)
	}
	return nil, errs.New("unknown content field", "field", num)
}

func (c *Connect) appendTo(b []byte) []byte {
	return appendStringField(b, 1, c.Token)
}

func (c *Connect) consume(b []byte) error {
	return eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			c.Token = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func (c *ConnectAck) appendTo(b []byte) []byte {
	b = appendVarintField(b, 1, uint64(int64(c.Code)))
	b = appendStringField(b, 2, c.Message)
	return appendVarintField(b, 3, c.UserID)
}

func (c *ConnectAck) consume(b []byte) error {
	return eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			c.Code = int32(int64(v))
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			c.Message = v
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			c.UserID = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func (c *Chat) appendTo(b []byte) []byte {
	b = appendVarintField(b, 1, c.Sender)
	b = appendVarintField(b, 2, c.Session)
	if len(c.Receivers) > 0 {
		var packed []byte
		for _, r := range c.Receivers {
			packed = protowire.AppendVarint(packed, r)
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = appendVarintField(b, 4, uint64(int64(c.Type)))
	if len(c.Payload) > 0 {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Payload)
	}
	b = appendVarintField(b, 6, c.Timestamp)
	return appendStringField(b, 7, c.DisplayName)
}

func (c *Chat) consume(b []byte) error {
	return eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			c.Sender = v
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			c.Session = v
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return 0, decodeErr(m)
				}
				c.Receivers = append(c.Receivers, v)
				packed = packed[m:]
			}
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			// unpacked encoding of the repeated field
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 {
				c.Receivers = append(c.Receivers, v)
			}
			return n, nil
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			c.Type = ChatType(int32(v))
			return n, nil
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				c.Payload = append([]byte(nil), v...)
			}
			return n, nil
		case num == 6 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			c.Timestamp = v
			return n, nil
		case num == 7 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			c.DisplayName = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func (*Ping) appendTo(b []byte) []byte { return b }
func (*Pong) appendTo(b []byte) []byte { return b }

func (c *Kick) appendTo(b []byte) []byte {
	return appendStringField(b, 1, c.Reason)
}

func (c *Kick) consume(b []byte) error {
	return eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			c.Reason = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// eachField walks b calling fn with the bytes following each tag; fn returns
// how many of them it consumed (negative on malformed input).
func eachField(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return decodeErr(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return decodeErr(m)
		}
		b = b[m:]
	}
	return nil
}

func skipAll(b []byte) error {
	return eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func decodeErr(n int) error {
	return errs.ErrProtocol.WrapMsg("malformed envelope", "cause", protowire.ParseError(n))
}

// MarshalFrame encodes m and frames it for the wire.
func MarshalFrame(m *Message) ([]byte, error) {
	payload, err := Marshal(m)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(payload), nil
}

// ReadMessage reads one frame from fr and decodes its envelope.
func ReadMessage(fr *FrameReader) (*Message, error) {
	payload, err := fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	return Unmarshal(payload)
}
