package webtransport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/security-union/h3"
	"github.com/security-union/h3/internal/wire"
)

// Protocol is the :protocol token of the extended CONNECT request that
// establishes a session (draft-ietf-webtrans-http3-02 §3.1).
const Protocol = "webtransport"

// Session is one server-side WebTransport session. It multiplexes
// datagrams, unidirectional streams, and bidirectional streams tagged
// with its session id over the HTTP/3 connection it was accepted on.
//
// A session consumes its connection: once Accept returns, intake runs
// through the session's methods and the connection's own Accept must
// not be called anymore.
type Session struct {
	id   SessionID
	conn *h3.Connection
	log  *slog.Logger

	connectStream *h3.RequestStream

	streams    chan *Stream
	routerDone chan struct{}

	errMu     sync.Mutex
	routerErr error

	closeOnce sync.Once
}

// Accept establishes the session requested by an extended CONNECT with
// the "webtransport" protocol token: the peer's advertised capabilities
// are verified, the 200 response goes out on the CONNECT stream, and
// the stream's id becomes the session id.
//
// A peer that did not advertise WebTransport or datagram support cannot
// be served; either omission closes the connection with
// H3_SETTINGS_ERROR. Missing local capabilities are the peer's to
// enforce and are only logged here.
func Accept(ctx context.Context, req *http.Request, rs *h3.RequestStream, conn *h3.Connection) (*Session, error) {
	if req.Method != http.MethodConnect || req.Proto != Protocol {
		return nil, fmt.Errorf("webtransport: request is not an extended CONNECT with protocol %q", Protocol)
	}

	peer, err := conn.PeerSettings(ctx)
	if err != nil {
		return nil, err
	}
	if !peer.EnableWebTransport {
		return nil, conn.CloseWithError(h3.CodeSettingsError, "webtransport is not supported by client")
	}
	if !peer.EnableDatagram {
		return nil, conn.CloseWithError(h3.CodeSettingsError, "datagrams are not supported by client")
	}

	cfg := conn.Config()
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "webtransport", "session_id", int64(rs.StreamID()))

	// Local capability gaps usually mean a misconfigured server, so
	// they are worth a warning even though only the peer enforces them.
	if !cfg.EnableWebTransport {
		log.Warn("local settings do not advertise webtransport")
	}
	if !cfg.EnableDatagram {
		log.Warn("local settings do not advertise datagram support")
	}
	if !cfg.EnableConnect {
		log.Warn("local settings do not advertise extended CONNECT")
	}

	if err := rs.SendResponse(http.StatusOK, nil); err != nil {
		return nil, fmt.Errorf("webtransport: accept CONNECT: %w", err)
	}

	s := &Session{
		id:            rs.StreamID(),
		conn:          conn,
		log:           log,
		connectStream: rs,
		streams:       make(chan *Stream, 8),
		routerDone:    make(chan struct{}),
	}
	go s.routeBidiStreams()

	log.Info("webtransport session established", "remote", conn.RemoteAddr())
	return s, nil
}

// SessionID returns the session's id: the stream id of the CONNECT
// request that established it.
func (s *Session) SessionID() SessionID {
	return s.id
}

// routeBidiStreams takes over the connection's bidirectional intake for
// the rest of its life, classifying each inbound stream by its leading
// varints.
func (s *Session) routeBidiStreams() {
	defer close(s.routerDone)
	for {
		str, err := s.conn.AcceptBidiStream(context.Background())
		if err != nil {
			s.setRouterErr(err)
			return
		}
		go s.classifyStream(str)
	}
}

// classifyStream reads leading varints off an inbound bidirectional
// stream. Reserved frames are skipped, a WEBTRANSPORT_BIDI value
// addressed to this session yields a session stream, and everything
// else is refused: with a session owning the connection there is nobody
// left to serve a fresh request.
func (s *Session) classifyStream(str quic.Stream) {
	qr := quicvarint.NewReader(str)
	for {
		t, err := quicvarint.Read(qr)
		if err != nil {
			s.log.Debug("discarding bidirectional stream", "stream_id", int64(str.StreamID()), "error", err)
			s.reject(str)
			return
		}
		typ := wire.FrameType(t)

		switch {
		case typ == wire.FrameWebTransportBidi:
			sid, err := quicvarint.Read(qr)
			if err != nil {
				s.reject(str)
				return
			}
			if SessionID(sid) != s.id {
				s.log.Debug("rejecting stream for unknown session", "stream_id", int64(str.StreamID()), "session_id", int64(sid))
				s.reject(str)
				return
			}
			s.deliver(newStream(str, s.id))
			return
		case typ.IsReserved():
			length, err := quicvarint.Read(qr)
			if err != nil || wire.SkipFramePayload(qr, length) != nil {
				s.reject(str)
				return
			}
		default:
			s.log.Debug("rejecting request during webtransport session", "stream_id", int64(str.StreamID()), "frame", uint64(typ))
			s.reject(str)
			return
		}
	}
}

// reject refuses a bidirectional stream in both directions.
func (s *Session) reject(str quic.Stream) {
	str.CancelRead(quic.StreamErrorCode(h3.CodeRequestRejected))
	str.CancelWrite(quic.StreamErrorCode(h3.CodeRequestRejected))
}

func (s *Session) deliver(st *Stream) {
	select {
	case s.streams <- st:
	case <-s.routerDone:
		st.CancelRead(quic.StreamErrorCode(h3.CodeRequestRejected))
		st.CancelWrite(quic.StreamErrorCode(h3.CodeRequestRejected))
	}
}

func (s *Session) setRouterErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.routerErr = err
}

// terminal is the error every intake surface reports once the session
// is over: the recorded fatal error if any, otherwise the quiet closed
// sentinel.
func (s *Session) terminal() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.routerErr != nil {
		return s.routerErr
	}
	return h3.ErrConnectionClosed
}

// AcceptStream returns the next inbound bidirectional session stream.
// Streams classified before the connection ended are still handed out;
// after that every call reports the terminal state.
func (s *Session) AcceptStream(ctx context.Context) (*Stream, error) {
	select {
	case st := <-s.streams:
		return st, nil
	case <-s.routerDone:
		select {
		case st := <-s.streams:
			return st, nil
		default:
			return nil, s.terminal()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AcceptUniStream returns the next inbound unidirectional stream
// addressed to this session. Streams carrying a different session id
// are read-cancelled and dropped.
func (s *Session) AcceptUniStream(ctx context.Context) (*ReceiveStream, error) {
	for {
		sid, str, err := s.conn.AcceptUniStream(ctx)
		if err != nil {
			return nil, err
		}
		if sid != s.id {
			s.log.Debug("dropping uni stream for unknown session", "stream_id", int64(str.StreamID()), "session_id", int64(sid))
			str.CancelRead(quic.StreamErrorCode(h3.CodeRequestRejected))
			continue
		}
		return newReceiveStream(str, s.id), nil
	}
}

// ReceiveDatagram returns the payload of the next datagram addressed to
// this session. Datagrams for any other session id are dropped.
func (s *Session) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	for {
		sid, p, err := s.conn.ReceiveDatagram(ctx)
		if err != nil {
			return nil, err
		}
		if sid != s.id {
			s.log.Debug("dropping datagram for unknown session", "session_id", int64(sid), "bytes", len(p))
			continue
		}
		return p, nil
	}
}

// SendDatagram sends an unreliable datagram to the session peer.
func (s *Session) SendDatagram(p []byte) error {
	return s.conn.SendDatagram(s.id, p)
}

// OpenStreamSync opens an outbound bidirectional session stream. The
// WEBTRANSPORT_BIDI preamble is written before the stream is returned.
func (s *Session) OpenStreamSync(ctx context.Context) (*Stream, error) {
	str, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	if err := writePreamble(str, uint64(wire.FrameWebTransportBidi), s.id); err != nil {
		str.CancelWrite(quic.StreamErrorCode(h3.CodeInternalError))
		str.CancelRead(quic.StreamErrorCode(h3.CodeInternalError))
		return nil, fmt.Errorf("webtransport: write stream preamble: %w", err)
	}
	return newStream(str, s.id), nil
}

// OpenUniStreamSync opens an outbound unidirectional session stream
// with the WebTransport stream type and session id already written.
func (s *Session) OpenUniStreamSync(ctx context.Context) (*SendStream, error) {
	str, err := s.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	if err := writePreamble(str, wire.StreamWebTransport, s.id); err != nil {
		str.CancelWrite(quic.StreamErrorCode(h3.CodeInternalError))
		return nil, fmt.Errorf("webtransport: write stream preamble: %w", err)
	}
	return newSendStream(str, s.id), nil
}

// writePreamble emits the type varint and session id in a single write.
func writePreamble(str quic.SendStream, typ uint64, sid SessionID) error {
	buf := quicvarint.Append(nil, typ)
	buf = quicvarint.Append(buf, uint64(sid))
	_, err := str.Write(buf)
	return err
}

// Close ends the session and the connection carrying it. The CONNECT
// stream is cancelled in both directions with H3_NO_ERROR; intake
// surfaces report the terminal state afterwards. Safe to call more
// than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.log.Info("closing webtransport session")
		s.connectStream.StopStream(h3.CodeNoError)
		s.conn.Close()
	})
	return nil
}
