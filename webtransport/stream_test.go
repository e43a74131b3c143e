package webtransport

import (
	"io"
	"testing"

	"github.com/quic-go/quic-go"

	"github.com/security-union/h3"
	"github.com/security-union/h3/internal/quictest"
)

func TestStreamSplit(t *testing.T) {
	t.Parallel()

	raw := quictest.NewStream(4)
	raw.AppendData([]byte("in"))
	raw.FinishWrite()

	st := newStream(raw, 0)
	send, recv := st.Split()

	if st.StreamID() != 4 || send.StreamID() != 4 || recv.StreamID() != 4 {
		t.Fatalf("stream ids = %d/%d/%d, want 4", st.StreamID(), send.StreamID(), recv.StreamID())
	}
	if st.SessionID() != 0 || send.SessionID() != 0 || recv.SessionID() != 0 {
		t.Fatalf("session ids = %d/%d/%d, want 0", st.SessionID(), send.SessionID(), recv.SessionID())
	}

	payload, err := io.ReadAll(recv)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "in" {
		t.Fatalf("payload = %q, want in", payload)
	}

	if _, err := send.Write([]byte("out")); err != nil {
		t.Fatal(err)
	}
	if err := send.Close(); err != nil {
		t.Fatal(err)
	}
	if got := string(raw.Written()); got != "out" {
		t.Fatalf("written = %q, want out", got)
	}
	if !raw.WriteClosed() {
		t.Fatal("send side not finished")
	}
}

func TestStreamCancel(t *testing.T) {
	t.Parallel()

	raw := quictest.NewStream(8)
	st := newStream(raw, 4)

	st.CancelRead(quic.StreamErrorCode(h3.CodeRequestCancelled))
	st.CancelWrite(quic.StreamErrorCode(h3.CodeRequestCancelled))

	if code, ok := raw.CancelledRead(); !ok || code != quic.StreamErrorCode(h3.CodeRequestCancelled) {
		t.Fatalf("read cancel = %#x (ok %v), want H3_REQUEST_CANCELLED", code, ok)
	}
	if code, ok := raw.CancelledWrite(); !ok || code != quic.StreamErrorCode(h3.CodeRequestCancelled) {
		t.Fatalf("write cancel = %#x (ok %v), want H3_REQUEST_CANCELLED", code, ok)
	}
}
