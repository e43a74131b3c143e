package webtransport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/quic-go/qpack"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/security-union/h3"
	"github.com/security-union/h3/internal/quictest"
	"github.com/security-union/h3/internal/wire"
)

// wtPeerSettings is a client SETTINGS advertisement with full
// WebTransport support.
func wtPeerSettings() wire.Settings {
	s := wire.DefaultSettings()
	s.EnableConnectProtocol = true
	s.EnableDatagram = true
	s.EnableWebTransport = true
	return s
}

// newWTConn builds a connection over a fake transport with the peer's
// control stream advertising the given settings. Greasing is disabled
// so response bytes parse as plain frames.
func newWTConn(t *testing.T, cfg h3.Config, peer wire.Settings) (*h3.Connection, *quictest.Conn) {
	t.Helper()
	cfg.SendGrease = false
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	qc := quictest.NewConn()
	ctrl := quictest.NewStream(2)
	ctrl.AppendData(peer.Append(quicvarint.Append(nil, wire.StreamControl)))
	qc.QueueUniStream(ctrl)

	conn, err := h3.NewConnection(qc, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, qc
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func connectFields() []qpack.HeaderField {
	return []qpack.HeaderField{
		{Name: ":method", Value: "CONNECT"},
		{Name: ":protocol", Value: "webtransport"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/wt"},
	}
}

func appendHeadersFrame(b []byte, fields []qpack.HeaderField) []byte {
	var block bytes.Buffer
	enc := qpack.NewEncoder(&block)
	for _, f := range fields {
		enc.WriteField(f)
	}
	b = wire.AppendFrameHeader(b, wire.FrameHeaders, uint64(block.Len()))
	return append(b, block.Bytes()...)
}

// queueConnect queues the extended CONNECT stream that asks for a
// session.
func queueConnect(qc *quictest.Conn, id quic.StreamID) *quictest.Stream {
	str := quictest.NewStream(id)
	str.AppendData(appendHeadersFrame(nil, connectFields()))
	qc.QueueStream(str)
	return str
}

// appendBidiPreamble appends the WEBTRANSPORT_BIDI value and session id
// that lead a bidirectional session stream.
func appendBidiPreamble(b []byte, sid SessionID) []byte {
	b = quicvarint.Append(b, uint64(wire.FrameWebTransportBidi))
	return quicvarint.Append(b, uint64(sid))
}

// appendUniPreamble appends the WebTransport stream type and session id
// that lead a unidirectional session stream.
func appendUniPreamble(b []byte, sid SessionID) []byte {
	b = quicvarint.Append(b, wire.StreamWebTransport)
	return quicvarint.Append(b, uint64(sid))
}

// newSession establishes a session on CONNECT stream 0 with full peer
// support.
func newSession(t *testing.T) (*Session, *quictest.Conn, *quictest.Stream) {
	t.Helper()
	conn, qc := newWTConn(t, h3.WebTransportConfig(), wtPeerSettings())
	connect := queueConnect(qc, 0)

	req, rs, err := conn.Accept(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	sess, err := Accept(testCtx(t), req, rs, conn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess, qc, connect
}

type parsedFrame struct {
	typ     wire.FrameType
	payload []byte
}

func parseFrames(t *testing.T, b []byte) []parsedFrame {
	t.Helper()
	r := bytes.NewReader(b)
	var frames []parsedFrame
	for {
		h, err := wire.ReadFrameHeader(r)
		if err == io.EOF {
			return frames
		}
		if err != nil {
			t.Fatalf("parse frames: %v", err)
		}
		payload := make([]byte, h.Length)
		if _, err := io.ReadFull(r, payload); err != nil {
			t.Fatalf("read frame payload: %v", err)
		}
		frames = append(frames, parsedFrame{typ: h.Type, payload: payload})
	}
}

func decodeFields(t *testing.T, block []byte) map[string]string {
	t.Helper()
	fields, err := qpack.NewDecoder(nil).DecodeFull(block)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f.Name] = f.Value
	}
	return m
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestAcceptEstablishesSession(t *testing.T) {
	t.Parallel()

	sess, _, connect := newSession(t)

	if got := sess.SessionID(); got != 0 {
		t.Fatalf("SessionID = %d, want 0", got)
	}
	frames := parseFrames(t, connect.Written())
	if len(frames) != 1 || frames[0].typ != wire.FrameHeaders {
		t.Fatalf("CONNECT stream carries %d frames, want one HEADERS", len(frames))
	}
	fields := decodeFields(t, frames[0].payload)
	if fields[":status"] != "200" {
		t.Fatalf(":status = %q, want 200", fields[":status"])
	}
}

func TestAcceptRequiresPeerWebTransport(t *testing.T) {
	t.Parallel()

	peer := wtPeerSettings()
	peer.EnableWebTransport = false
	conn, qc := newWTConn(t, h3.WebTransportConfig(), peer)
	queueConnect(qc, 0)

	req, rs, err := conn.Accept(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	defer rs.Close()

	_, err = Accept(testCtx(t), req, rs, conn)
	var cerr *h3.ConnectionError
	if !errors.As(err, &cerr) || cerr.Code != h3.CodeSettingsError {
		t.Fatalf("Accept error = %v, want H3_SETTINGS_ERROR", err)
	}
	if cerr.Reason != "webtransport is not supported by client" {
		t.Fatalf("reason = %q", cerr.Reason)
	}
	if !qc.Closed() || qc.CloseCode() != quic.ApplicationErrorCode(h3.CodeSettingsError) {
		t.Fatalf("close code = %#x, want H3_SETTINGS_ERROR", qc.CloseCode())
	}
}

func TestAcceptRequiresPeerDatagrams(t *testing.T) {
	t.Parallel()

	peer := wtPeerSettings()
	peer.EnableDatagram = false
	conn, qc := newWTConn(t, h3.WebTransportConfig(), peer)
	queueConnect(qc, 0)

	req, rs, err := conn.Accept(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	defer rs.Close()

	_, err = Accept(testCtx(t), req, rs, conn)
	var cerr *h3.ConnectionError
	if !errors.As(err, &cerr) || cerr.Code != h3.CodeSettingsError {
		t.Fatalf("Accept error = %v, want H3_SETTINGS_ERROR", err)
	}
	if cerr.Reason != "datagrams are not supported by client" {
		t.Fatalf("reason = %q", cerr.Reason)
	}
}

func TestAcceptRejectsPlainRequest(t *testing.T) {
	t.Parallel()

	conn, qc := newWTConn(t, h3.WebTransportConfig(), wtPeerSettings())
	str := quictest.NewStream(0)
	str.AppendData(appendHeadersFrame(nil, []qpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/"},
	}))
	str.FinishWrite()
	qc.QueueStream(str)

	req, rs, err := conn.Accept(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	defer rs.Close()

	if _, err := Accept(testCtx(t), req, rs, conn); err == nil {
		t.Fatal("Accept of a plain GET succeeded")
	}
	if qc.Closed() {
		t.Fatal("rejected session attempt closed the connection")
	}
}

func TestAcceptToleratesLocalCapabilityGaps(t *testing.T) {
	t.Parallel()

	// Locally nothing is advertised; only the peer's side is binding.
	conn, qc := newWTConn(t, h3.DefaultConfig(), wtPeerSettings())
	queueConnect(qc, 0)

	req, rs, err := conn.Accept(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	sess, err := Accept(testCtx(t), req, rs, conn)
	if err != nil {
		t.Fatalf("local capability gaps must not fail establishment: %v", err)
	}
	defer sess.Close()
	if qc.Closed() {
		t.Fatal("connection closed during establishment")
	}
}

func TestSessionDatagram(t *testing.T) {
	t.Parallel()

	sess, qc, _ := newSession(t)

	// A datagram for quarter stream id 1 (stream 4) precedes the one
	// addressed to the session; it must be dropped silently.
	qc.QueueDatagram(append(quicvarint.Append(nil, 1), []byte("foreign")...))
	qc.QueueDatagram(append(quicvarint.Append(nil, 0), []byte("ping")...))

	p, err := sess.ReceiveDatagram(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if string(p) != "ping" {
		t.Fatalf("datagram = %q, want %q", p, "ping")
	}

	if err := sess.SendDatagram([]byte("pong")); err != nil {
		t.Fatal(err)
	}
	sent := qc.SentDatagrams()
	if len(sent) != 1 {
		t.Fatalf("sent %d datagrams, want 1", len(sent))
	}
	want := append(quicvarint.Append(nil, 0), []byte("pong")...)
	if !bytes.Equal(sent[0], want) {
		t.Fatalf("sent datagram = %#v, want %#v", sent[0], want)
	}
}

func TestSessionAcceptUniStream(t *testing.T) {
	t.Parallel()

	sess, qc, _ := newSession(t)

	str := quictest.NewStream(11)
	str.AppendData(append(appendUniPreamble(nil, 0), []byte("hello")...))
	str.FinishWrite()
	qc.QueueUniStream(str)

	rstr, err := sess.AcceptUniStream(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if rstr.SessionID() != 0 || rstr.StreamID() != 11 {
		t.Fatalf("stream session %d id %d, want 0 and 11", rstr.SessionID(), rstr.StreamID())
	}
	payload, err := io.ReadAll(rstr)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q, want hello", payload)
	}
}

func TestSessionRejectsForeignUniStream(t *testing.T) {
	t.Parallel()

	sess, qc, _ := newSession(t)

	foreign := quictest.NewStream(7)
	foreign.AppendData(appendUniPreamble(nil, 4))
	qc.QueueUniStream(foreign)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := sess.AcceptUniStream(ctx)
		done <- err
	}()

	waitFor(t, func() bool {
		code, ok := foreign.CancelledRead()
		return ok && code == quic.StreamErrorCode(h3.CodeRequestRejected)
	})

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("AcceptUniStream = %v, want context.Canceled", err)
	}
}

func TestSessionAcceptStream(t *testing.T) {
	t.Parallel()

	sess, qc, _ := newSession(t)

	str := quictest.NewStream(4)
	str.AppendData(append(appendBidiPreamble(nil, 0), []byte("echo me")...))
	str.FinishWrite()
	qc.QueueStream(str)

	st, err := sess.AcceptStream(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if st.SessionID() != 0 || st.StreamID() != 4 {
		t.Fatalf("stream session %d id %d, want 0 and 4", st.SessionID(), st.StreamID())
	}
	payload, err := io.ReadAll(st)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "echo me" {
		t.Fatalf("payload = %q, want %q", payload, "echo me")
	}

	if _, err := st.Write([]byte("echoed")); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if got := string(str.Written()); got != "echoed" {
		t.Fatalf("written = %q, want echoed", got)
	}
	if !str.WriteClosed() {
		t.Fatal("send side not finished")
	}
}

func TestSessionSkipsReservedFramesBeforePreamble(t *testing.T) {
	t.Parallel()

	sess, qc, _ := newSession(t)

	str := quictest.NewStream(4)
	b := wire.AppendFrameHeader(nil, wire.FrameType(0x21), 4)
	b = append(b, 1, 2, 3, 4)
	b = appendBidiPreamble(b, 0)
	str.AppendData(append(b, []byte("after grease")...))
	str.FinishWrite()
	qc.QueueStream(str)

	st, err := sess.AcceptStream(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	payload, err := io.ReadAll(st)
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != "after grease" {
		t.Fatalf("payload = %q, want %q", payload, "after grease")
	}
}

func TestSessionRejectsForeignBidiStream(t *testing.T) {
	t.Parallel()

	sess, qc, _ := newSession(t)

	foreign := quictest.NewStream(4)
	foreign.AppendData(appendBidiPreamble(nil, 8))
	qc.QueueStream(foreign)

	waitFor(t, func() bool {
		read, rok := foreign.CancelledRead()
		write, wok := foreign.CancelledWrite()
		return rok && wok &&
			read == quic.StreamErrorCode(h3.CodeRequestRejected) &&
			write == quic.StreamErrorCode(h3.CodeRequestRejected)
	})

	// A matching stream afterwards is still served.
	ok := quictest.NewStream(8)
	ok.AppendData(appendBidiPreamble(nil, 0))
	qc.QueueStream(ok)

	st, err := sess.AcceptStream(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if st.StreamID() != 8 {
		t.Fatalf("StreamID = %d, want 8", st.StreamID())
	}
}

func TestSessionRejectsRequestDuringSession(t *testing.T) {
	t.Parallel()

	_, qc, _ := newSession(t)

	req := quictest.NewStream(4)
	req.AppendData(appendHeadersFrame(nil, []qpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: "example.com"},
		{Name: ":path", Value: "/late"},
	}))
	qc.QueueStream(req)

	waitFor(t, func() bool {
		read, rok := req.CancelledRead()
		write, wok := req.CancelledWrite()
		return rok && wok &&
			read == quic.StreamErrorCode(h3.CodeRequestRejected) &&
			write == quic.StreamErrorCode(h3.CodeRequestRejected)
	})
}

func TestSessionOpenStreams(t *testing.T) {
	t.Parallel()

	sess, qc, _ := newSession(t)

	st, err := sess.OpenStreamSync(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Write([]byte("hi")); err != nil {
		t.Fatal(err)
	}
	opened := qc.OpenedStreams()
	if len(opened) != 1 {
		t.Fatalf("opened %d bidi streams, want 1", len(opened))
	}
	want := append(appendBidiPreamble(nil, 0), []byte("hi")...)
	if !bytes.Equal(opened[0].Written(), want) {
		t.Fatalf("outbound bidi bytes = %#v, want %#v", opened[0].Written(), want)
	}

	uni, err := sess.OpenUniStreamSync(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := uni.Write([]byte("yo")); err != nil {
		t.Fatal(err)
	}
	unis := qc.OpenedUniStreams()
	// The first server-opened uni stream is the HTTP/3 control stream.
	if len(unis) != 2 {
		t.Fatalf("opened %d uni streams, want 2", len(unis))
	}
	want = append(appendUniPreamble(nil, 0), []byte("yo")...)
	if !bytes.Equal(unis[1].Written(), want) {
		t.Fatalf("outbound uni bytes = %#v, want %#v", unis[1].Written(), want)
	}
}

func TestSessionClose(t *testing.T) {
	t.Parallel()

	sess, qc, connect := newSession(t)

	if err := sess.Close(); err != nil {
		t.Fatal(err)
	}

	if code, ok := connect.CancelledRead(); !ok || code != quic.StreamErrorCode(h3.CodeNoError) {
		t.Fatalf("CONNECT read cancel = %#x (ok %v), want H3_NO_ERROR", code, ok)
	}
	if code, ok := connect.CancelledWrite(); !ok || code != quic.StreamErrorCode(h3.CodeNoError) {
		t.Fatalf("CONNECT write cancel = %#x (ok %v), want H3_NO_ERROR", code, ok)
	}
	if !qc.Closed() || qc.CloseCode() != quic.ApplicationErrorCode(h3.CodeNoError) {
		t.Fatalf("close code = %#x, want H3_NO_ERROR", qc.CloseCode())
	}

	if _, err := sess.AcceptStream(testCtx(t)); !errors.Is(err, h3.ErrConnectionClosed) {
		t.Fatalf("AcceptStream after close = %v, want ErrConnectionClosed", err)
	}
	if _, err := sess.AcceptUniStream(testCtx(t)); !errors.Is(err, h3.ErrConnectionClosed) {
		t.Fatalf("AcceptUniStream after close = %v, want ErrConnectionClosed", err)
	}
	if _, err := sess.ReceiveDatagram(testCtx(t)); !errors.Is(err, h3.ErrConnectionClosed) {
		t.Fatalf("ReceiveDatagram after close = %v, want ErrConnectionClosed", err)
	}
	if err := sess.SendDatagram([]byte("x")); !errors.Is(err, h3.ErrConnectionClosed) {
		t.Fatalf("SendDatagram after close = %v, want ErrConnectionClosed", err)
	}
}

func TestAcceptStreamDrainsPendingAfterClose(t *testing.T) {
	t.Parallel()

	sess, qc, _ := newSession(t)

	str := quictest.NewStream(4)
	str.AppendData(appendBidiPreamble(nil, 0))
	qc.QueueStream(str)

	waitFor(t, func() bool { return len(sess.streams) == 1 })
	sess.Close()

	st, err := sess.AcceptStream(testCtx(t))
	if err != nil {
		t.Fatalf("pending stream lost at close: %v", err)
	}
	if st.StreamID() != 4 {
		t.Fatalf("StreamID = %d, want 4", st.StreamID())
	}
	if _, err := sess.AcceptStream(testCtx(t)); !errors.Is(err, h3.ErrConnectionClosed) {
		t.Fatalf("AcceptStream = %v, want ErrConnectionClosed", err)
	}
}
