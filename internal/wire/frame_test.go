package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"
)

func TestFrameHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		typ    FrameType
		length uint64
	}{
		{"data", FrameData, 0},
		{"headers", FrameHeaders, 1200},
		{"goaway", FrameGoAway, 4},
		{"large length", FrameData, 1 << 30},
		{"two-byte type", FrameMaxPushID, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf := AppendFrameHeader(nil, tt.typ, tt.length)
			h, err := ReadFrameHeader(bytes.NewReader(buf))
			if err != nil {
				t.Fatal(err)
			}
			if h.Type != tt.typ {
				t.Fatalf("type = %#x, want %#x", uint64(h.Type), uint64(tt.typ))
			}
			if h.Length != tt.length {
				t.Fatalf("length = %d, want %d", h.Length, tt.length)
			}
		})
	}
}

func TestReadFrameHeaderCleanEOF(t *testing.T) {
	t.Parallel()

	_, err := ReadFrameHeader(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestReadFrameHeaderTruncatedLength(t *testing.T) {
	t.Parallel()

	// Type varint only; stream ends before the length.
	buf := quicvarint.Append(nil, uint64(FrameHeaders))
	_, err := ReadFrameHeader(bytes.NewReader(buf))
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestFrameTypeIsReserved(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ  FrameType
		want bool
	}{
		{0x21, true},
		{0x21 + 0x1f, true},
		{FrameData, false},
		{FrameHeaders, false},
		{FrameSettings, false},
		{FrameWebTransportBidi, false},
		{0x22, false},
	}
	for _, tt := range tests {
		if got := tt.typ.IsReserved(); got != tt.want {
			t.Fatalf("IsReserved(%#x) = %v, want %v", uint64(tt.typ), got, tt.want)
		}
	}
}

func TestFrameTypeIsReservedHTTP2(t *testing.T) {
	t.Parallel()

	for _, typ := range []FrameType{0x02, 0x06, 0x08, 0x09} {
		if !typ.IsReservedHTTP2() {
			t.Fatalf("IsReservedHTTP2(%#x) = false, want true", uint64(typ))
		}
	}
	for _, typ := range []FrameType{FrameData, FrameHeaders, FrameSettings, FrameGoAway, 0x0a} {
		if typ.IsReservedHTTP2() {
			t.Fatalf("IsReservedHTTP2(%#x) = true, want false", uint64(typ))
		}
	}
}

func TestGreaseCodeIsReserved(t *testing.T) {
	t.Parallel()

	for i := 0; i < 100; i++ {
		code := GreaseCode()
		if code > quicvarint.Max {
			t.Fatalf("grease code %#x exceeds varint max", code)
		}
		if !FrameType(code).IsReserved() {
			t.Fatalf("grease code %#x is not reserved", code)
		}
	}
}

func TestAppendGreaseFrame(t *testing.T) {
	t.Parallel()

	buf := AppendGreaseFrame(nil)
	h, err := ReadFrameHeader(bytes.NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	if !h.Type.IsReserved() {
		t.Fatalf("grease frame type %#x is not reserved", uint64(h.Type))
	}
	if h.Length != 0 {
		t.Fatalf("grease frame length = %d, want 0", h.Length)
	}
}

func TestSkipFramePayload(t *testing.T) {
	t.Parallel()

	r := bytes.NewReader([]byte{1, 2, 3, 4, 5})
	if err := SkipFramePayload(r, 3); err != nil {
		t.Fatal(err)
	}
	rest, _ := io.ReadAll(r)
	if !bytes.Equal(rest, []byte{4, 5}) {
		t.Fatalf("remaining = %v, want [4 5]", rest)
	}

	if err := SkipFramePayload(bytes.NewReader([]byte{1}), 3); err != io.ErrUnexpectedEOF {
		t.Fatalf("truncated skip err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestReadControlFramePayload(t *testing.T) {
	t.Parallel()

	payload := []byte{0xaa, 0xbb, 0xcc}
	got, err := ReadControlFramePayload(bytes.NewReader(payload), FrameHeader{Type: FrameSettings, Length: 3})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %v, want %v", got, payload)
	}
}

func TestReadControlFramePayloadOversized(t *testing.T) {
	t.Parallel()

	// The length claims far more than the cap; the read must fail
	// before allocating, so an empty reader is fine.
	_, err := ReadControlFramePayload(bytes.NewReader(nil), FrameHeader{Type: FrameSettings, Length: 1 << 40})
	if err == nil {
		t.Fatal("expected error for oversized control frame")
	}
}

func TestReadControlFramePayloadTruncated(t *testing.T) {
	t.Parallel()

	_, err := ReadControlFramePayload(bytes.NewReader([]byte{0x01}), FrameHeader{Type: FrameGoAway, Length: 4})
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("err = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestParseID(t *testing.T) {
	t.Parallel()

	id, err := ParseID(quicvarint.Append(nil, 1548))
	if err != nil {
		t.Fatal(err)
	}
	if id != 1548 {
		t.Fatalf("id = %d, want 1548", id)
	}
}

func TestParseIDTrailingBytes(t *testing.T) {
	t.Parallel()

	payload := append(quicvarint.Append(nil, 4), 0x00)
	var perr *ParseError
	if _, err := ParseID(payload); !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
}

func TestParseIDEmpty(t *testing.T) {
	t.Parallel()

	if _, err := ParseID(nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestAppendGoAwayRoundTrip(t *testing.T) {
	t.Parallel()

	buf := AppendGoAway(nil, 12)
	r := bytes.NewReader(buf)
	h, err := ReadFrameHeader(r)
	if err != nil {
		t.Fatal(err)
	}
	if h.Type != FrameGoAway {
		t.Fatalf("type = %#x, want %#x", uint64(h.Type), uint64(FrameGoAway))
	}
	payload, err := ReadControlFramePayload(r, h)
	if err != nil {
		t.Fatal(err)
	}
	id, err := ParseID(payload)
	if err != nil {
		t.Fatal(err)
	}
	if id != 12 {
		t.Fatalf("id = %d, want 12", id)
	}
}
