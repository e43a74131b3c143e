package wire

import (
	"fmt"
	"io"
	"math/rand/v2"

	"github.com/quic-go/quic-go/quicvarint"
)

// FrameType identifies an HTTP/3 frame.
type FrameType uint64

// Frame types (RFC 9114 §7.2, draft-ietf-webtrans-http3-02 §4.2).
const (
	FrameData        FrameType = 0x00
	FrameHeaders     FrameType = 0x01
	FrameCancelPush  FrameType = 0x03
	FrameSettings    FrameType = 0x04
	FramePushPromise FrameType = 0x05
	FrameGoAway      FrameType = 0x07
	FrameMaxPushID   FrameType = 0x0d

	// FrameWebTransportBidi has no length field: the session id varint
	// follows the type and the remainder of the stream is session payload.
	FrameWebTransportBidi FrameType = 0x41
)

// Unidirectional stream types (RFC 9114 §6.2, draft-ietf-webtrans-http3-02 §4.1).
const (
	StreamControl      uint64 = 0x00
	StreamPush         uint64 = 0x01
	StreamQPACKEncoder uint64 = 0x02
	StreamQPACKDecoder uint64 = 0x03
	StreamWebTransport uint64 = 0x54
)

// MaxControlFramePayload bounds control-stream payload allocations.
// SETTINGS and GOAWAY are small; a length beyond this is treated as
// malformed before any allocation happens.
const MaxControlFramePayload = 16 << 10

// IsReserved reports whether t is a reserved code point of the form
// 0x1f·N + 0x21 (RFC 9114 §7.2.8). Reserved frames carry no meaning and
// are skipped by recipients.
func (t FrameType) IsReserved() bool {
	return t >= 0x21 && (uint64(t)-0x21)%0x1f == 0
}

// IsReservedHTTP2 reports frame types carried over from HTTP/2 whose
// receipt is a connection error in HTTP/3 (RFC 9114 §7.2.8).
func (t FrameType) IsReservedHTTP2() bool {
	switch t {
	case 0x02, 0x06, 0x08, 0x09:
		return true
	}
	return false
}

// FrameHeader is the generic prefix of an HTTP/3 frame: the type varint
// followed by the payload length varint.
type FrameHeader struct {
	Type   FrameType
	Length uint64
}

// ReadFrameHeader reads the next frame's type and length. A clean EOF
// before the first byte is reported as io.EOF; truncation inside the
// header is reported as io.ErrUnexpectedEOF.
func ReadFrameHeader(r quicvarint.Reader) (FrameHeader, error) {
	t, err := quicvarint.Read(r)
	if err != nil {
		return FrameHeader{}, err
	}
	l, err := quicvarint.Read(r)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return FrameHeader{}, err
	}
	return FrameHeader{Type: FrameType(t), Length: l}, nil
}

// AppendFrameHeader appends the type and length prefix for a frame.
func AppendFrameHeader(b []byte, t FrameType, length uint64) []byte {
	b = quicvarint.Append(b, uint64(t))
	return quicvarint.Append(b, length)
}

// AppendGreaseFrame appends a reserved-type frame with an empty payload.
func AppendGreaseFrame(b []byte) []byte {
	return AppendFrameHeader(b, FrameType(GreaseCode()), 0)
}

// GreaseCode returns a randomly chosen reserved code point
// (0x1f·N + 0x21). The same pattern is reserved for frame types,
// stream types, and setting identifiers.
func GreaseCode() uint64 {
	return 0x1f*rand.Uint64N((quicvarint.Max-0x21)/0x1f+1) + 0x21
}

// SkipFramePayload discards the unread payload of the current frame.
func SkipFramePayload(r io.Reader, length uint64) error {
	_, err := io.CopyN(io.Discard, r, int64(length))
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// ReadControlFramePayload reads a full control-stream frame payload,
// enforcing MaxControlFramePayload before allocating.
func ReadControlFramePayload(r io.Reader, h FrameHeader) ([]byte, error) {
	if h.Length > MaxControlFramePayload {
		return nil, fmt.Errorf("wire: frame %#x payload of %d bytes exceeds %d", uint64(h.Type), h.Length, MaxControlFramePayload)
	}
	p := make([]byte, h.Length)
	if _, err := io.ReadFull(r, p); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return p, nil
}

// ParseID decodes the single-varint payload shared by GOAWAY,
// MAX_PUSH_ID, and CANCEL_PUSH.
func ParseID(payload []byte) (uint64, error) {
	br := &bufReader{data: payload}
	id, err := br.readVarint()
	if err != nil {
		return 0, &ParseError{Field: "id", Err: err}
	}
	if br.remaining() > 0 {
		return 0, &ParseError{Field: "id", Err: fmt.Errorf("%d trailing bytes", br.remaining())}
	}
	return id, nil
}

// AppendGoAway appends a complete GOAWAY frame carrying id.
func AppendGoAway(b []byte, id uint64) []byte {
	b = AppendFrameHeader(b, FrameGoAway, uint64(quicvarint.Len(id)))
	return quicvarint.Append(b, id)
}

// bufReader provides sequential reads over a frame payload with
// position tracking.
type bufReader struct {
	data []byte
	pos  int
}

func (b *bufReader) remaining() int {
	return len(b.data) - b.pos
}

func (b *bufReader) readVarint() (uint64, error) {
	val, n, err := quicvarint.Parse(b.data[b.pos:])
	if err != nil {
		return 0, io.ErrUnexpectedEOF
	}
	b.pos += n
	return val, nil
}
