package protocol

import (
	"encoding/binary"
	"errors"
	"io"

	"PPChat/tools/errs"
)

// Wire frame: [length u32 little-endian][payload: length bytes].
const (
	HeaderSize          = 4
	DefaultMaxFrameSize = 1 << 20
	// MaxFrameSize is the largest cap a reader accepts; larger values are clamped.
	MaxFrameSize = 64 << 20
)

var (
	// ErrIncompleteFrame means the stream ended inside a header or payload.
	ErrIncompleteFrame = errors.New("protocol: incomplete frame")
	// ErrOversizeFrame means a peer announced a payload above the configured cap.
	ErrOversizeFrame = errors.New("protocol: oversize frame")
)

// AppendFrame appends the framed payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

func EncodeFrame(payload []byte) []byte {
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload)
}

// WriteFrame writes header and payload with a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(EncodeFrame(payload))
	return err
}

// FrameReader decodes successive frames from a stream.
type FrameReader struct {
	r   io.Reader
	max uint32
	hdr [HeaderSize]byte
}

// NewFrameReader caps payloads at maxSize bytes; maxSize <= 0 selects
// DefaultMaxFrameSize and anything above MaxFrameSize is clamped to it.
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	switch {
	case maxSize <= 0:
		maxSize = DefaultMaxFrameSize
	case maxSize > MaxFrameSize:
		maxSize = MaxFrameSize
	}
	return &FrameReader{r: r, max: uint32(maxSize)}
}

// ReadFrame returns the next payload. A stream that ends exactly on a frame
// boundary yields io.EOF; one that ends mid-frame yields ErrIncompleteFrame.
// Other read errors (deadlines, closed sockets) are returned unchanged.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errs.WrapMsg(ErrIncompleteFrame, "short header")
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(fr.hdr[:])
	if n > fr.max {
		return nil, errs.WrapMsg(ErrOversizeFrame, "frame length", "len", n, "max", fr.max)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errs.WrapMsg(ErrIncompleteFrame, "short payload", "want", n)
		}
		return nil, err
	}
	return payload, nil
}

// DecodeFrame reads a single frame from r.
func DecodeFrame(r io.Reader, maxSize int) ([]byte, error) {
	return NewFrameReader(r, maxSize).ReadFrame()
}
