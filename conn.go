package h3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/security-union/h3/internal/header"
	"github.com/security-union/h3/internal/wire"
)

// firstRequestStreamID is the lowest client-initiated bidirectional
// stream id (RFC 9000 §2.1).
const firstRequestStreamID quic.StreamID = 0

// maxHeaderFrameBytes bounds the wire size of a HEADERS frame this
// server is willing to buffer for decoding.
const maxHeaderFrameBytes = 8 << 20

// Connection is the server side of one HTTP/3 connection. It owns the
// control streams, dispatches inbound request streams through Accept,
// and tracks every handed-out request until its completion comes back.
//
// A connection is driven by a single accepting task: Accept and
// AcceptBidiStream must not be called concurrently with each other.
// Request stream handles are independent and may be used from other
// goroutines.
type Connection struct {
	qconn quic.Connection
	cfg   Config
	log   *slog.Logger

	shared      *sharedState
	completions *completionQueue

	ctrlMu   sync.Mutex
	ctrlSend quic.SendStream
	ctrlSeen atomic.Bool

	closingMu      sync.Mutex
	lastAccepted   quic.StreamID
	hasAccepted    bool
	sentClosing    quic.StreamID
	sentClosingSet bool
	recvClosing    uint64
	recvClosingSet bool

	incoming chan quic.Stream
	failMu   sync.Mutex
	failure  error

	wtUni chan uniStream

	settingsReady chan struct{}
	closedCh      chan struct{}
	wake          chan struct{}

	// Owned by the accepting task.
	ongoing       map[quic.StreamID]struct{}
	transportDone bool
	greaseArmed   bool
	draining      bool
	errReported   bool
}

// uniStream pairs an inbound WebTransport unidirectional stream with
// the session id read from its preamble.
type uniStream struct {
	sessionID quic.StreamID
	str       quic.ReceiveStream
}

// NewConnection elevates a handshake-complete server-side QUIC
// connection to HTTP/3: it opens the control stream, advertises cfg in
// SETTINGS, and starts the background stream intake.
func NewConnection(qconn quic.Connection, cfg Config) (*Connection, error) {
	if cfg.EnableDatagram && !qconn.ConnectionState().SupportsDatagrams {
		return nil, errors.New("h3: datagrams enabled without QUIC datagram support")
	}
	c := &Connection{
		qconn:         qconn,
		cfg:           cfg,
		log:           cfg.logger().With("component", "h3", "remote", qconn.RemoteAddr().String()),
		shared:        newSharedState(),
		completions:   newCompletionQueue(),
		incoming:      make(chan quic.Stream, 8),
		wtUni:         make(chan uniStream, 16),
		settingsReady: make(chan struct{}),
		closedCh:      make(chan struct{}),
		wake:          make(chan struct{}, 1),
		ongoing:       make(map[quic.StreamID]struct{}),
		greaseArmed:   cfg.SendGrease,
	}

	ctrl, err := qconn.OpenUniStream()
	if err != nil {
		return nil, fmt.Errorf("h3: open control stream: %w", err)
	}
	// Stream type and SETTINGS go out in a single write.
	buf := quicvarint.Append(nil, wire.StreamControl)
	buf = cfg.settings().Append(buf)
	if _, err := ctrl.Write(buf); err != nil {
		return nil, fmt.Errorf("h3: send SETTINGS: %w", err)
	}
	c.ctrlSend = ctrl

	go c.acceptLoop()
	go c.uniAcceptLoop()
	return c, nil
}

// acceptLoop feeds inbound bidirectional streams to the accepting task.
func (c *Connection) acceptLoop() {
	defer close(c.incoming)
	for {
		str, err := c.qconn.AcceptStream(context.Background())
		if err != nil {
			c.setAcceptFailure(err)
			return
		}
		select {
		case c.incoming <- str:
		case <-c.closedCh:
			return
		}
	}
}

// uniAcceptLoop classifies inbound unidirectional streams by their type
// varint (RFC 9114 §6.2).
func (c *Connection) uniAcceptLoop() {
	for {
		str, err := c.qconn.AcceptUniStream(context.Background())
		if err != nil {
			return
		}
		go c.handleUniStream(str)
	}
}

func (c *Connection) handleUniStream(str quic.ReceiveStream) {
	qr := quicvarint.NewReader(str)
	typ, err := quicvarint.Read(qr)
	if err != nil {
		str.CancelRead(quic.StreamErrorCode(CodeStreamCreationError))
		return
	}
	switch typ {
	case wire.StreamControl:
		if c.ctrlSeen.Swap(true) {
			c.terminate(&ConnectionError{Code: CodeStreamCreationError, Reason: "duplicate control stream"})
			return
		}
		c.readControlStream(qr)
	case wire.StreamQPACKEncoder, wire.StreamQPACKDecoder:
		// Held open but not consumed: the decoder runs without a
		// dynamic table, so no instructions ever arrive on them
		// (RFC 9204 §4.2 forbids closing them).
	case wire.StreamPush:
		// Clients cannot push (RFC 9114 §6.2.2).
		c.terminate(&ConnectionError{Code: CodeStreamCreationError, Reason: "client-initiated push stream"})
	case wire.StreamWebTransport:
		c.routeWebTransportUni(qr, str)
	default:
		str.CancelRead(quic.StreamErrorCode(CodeStreamCreationError))
	}
}

func (c *Connection) routeWebTransportUni(qr quicvarint.Reader, str quic.ReceiveStream) {
	if !c.cfg.EnableWebTransport {
		str.CancelRead(quic.StreamErrorCode(CodeStreamCreationError))
		return
	}
	sid, err := quicvarint.Read(qr)
	if err != nil {
		str.CancelRead(quic.StreamErrorCode(CodeStreamCreationError))
		return
	}
	select {
	case c.wtUni <- uniStream{sessionID: quic.StreamID(sid), str: str}:
	case <-c.closedCh:
		str.CancelRead(quic.StreamErrorCode(CodeRequestRejected))
	}
}

// readControlStream applies the peer's control frames to shared state.
// Any protocol violation here is fatal to the connection.
func (c *Connection) readControlStream(qr quicvarint.Reader) {
	sawSettings := false
	for {
		h, err := wire.ReadFrameHeader(qr)
		if err != nil {
			if c.shared.isClosed() {
				return
			}
			// The control stream must stay open for the connection's
			// lifetime (RFC 9114 §6.2.1).
			c.terminate(&ConnectionError{Code: CodeClosedCriticalStream, Reason: "control stream closed"})
			return
		}
		if h.Type.IsReserved() || (!knownFrame(h.Type) && !h.Type.IsReservedHTTP2()) {
			if err := wire.SkipFramePayload(qr, h.Length); err != nil {
				c.terminate(&ConnectionError{Code: CodeFrameError, Reason: "truncated control frame"})
				return
			}
			continue
		}
		if !sawSettings && h.Type != wire.FrameSettings {
			c.terminate(&ConnectionError{Code: CodeMissingSettings, Reason: "first control frame is not SETTINGS"})
			return
		}
		switch h.Type {
		case wire.FrameSettings:
			if sawSettings {
				c.terminate(&ConnectionError{Code: CodeFrameUnexpected, Reason: "duplicate SETTINGS frame"})
				return
			}
			sawSettings = true
			if !c.applyPeerSettings(qr, h) {
				return
			}
		case wire.FrameGoAway:
			payload, err := wire.ReadControlFramePayload(qr, h)
			if err != nil {
				c.terminate(&ConnectionError{Code: CodeFrameError, Reason: "malformed GOAWAY frame"})
				return
			}
			id, err := wire.ParseID(payload)
			if err != nil {
				c.terminate(&ConnectionError{Code: CodeFrameError, Reason: "malformed GOAWAY frame"})
				return
			}
			if !c.recordPeerGoAway(id) {
				c.terminate(&ConnectionError{Code: CodeIDError, Reason: "GOAWAY id increased"})
				return
			}
			c.log.Debug("peer sent GOAWAY", "id", id)
			c.poke()
		case wire.FrameMaxPushID, wire.FrameCancelPush:
			payload, err := wire.ReadControlFramePayload(qr, h)
			if err != nil {
				c.terminate(&ConnectionError{Code: CodeFrameError, Reason: "malformed push frame"})
				return
			}
			id, err := wire.ParseID(payload)
			if err != nil {
				c.terminate(&ConnectionError{Code: CodeFrameError, Reason: "malformed push frame"})
				return
			}
			// Server push is not implemented; these are valid but moot.
			c.log.Debug("ignoring push frame", "type", uint64(h.Type), "id", id)
		default:
			c.terminate(&ConnectionError{Code: CodeFrameUnexpected, Reason: fmt.Sprintf("frame %#x on control stream", uint64(h.Type))})
			return
		}
	}
}

func (c *Connection) applyPeerSettings(qr quicvarint.Reader, h wire.FrameHeader) bool {
	payload, err := wire.ReadControlFramePayload(qr, h)
	if err != nil {
		c.terminate(&ConnectionError{Code: CodeFrameError, Reason: "malformed SETTINGS frame"})
		return false
	}
	s, err := wire.ParseSettings(payload)
	if err != nil {
		code := CodeFrameError
		var serr *wire.SettingsError
		if errors.As(err, &serr) {
			code = CodeSettingsError
		}
		c.terminate(&ConnectionError{Code: code, Reason: err.Error()})
		return false
	}
	c.shared.setPeerSettings(s)
	close(c.settingsReady)
	c.log.Debug("peer settings received",
		"connect_protocol", s.EnableConnectProtocol,
		"datagram", s.EnableDatagram,
		"webtransport", s.EnableWebTransport)
	return true
}

// knownFrame reports frame types this implementation recognizes.
// Unknown extension frames are skipped per RFC 9114 §9.
func knownFrame(t wire.FrameType) bool {
	switch t {
	case wire.FrameData, wire.FrameHeaders, wire.FrameCancelPush,
		wire.FrameSettings, wire.FramePushPromise, wire.FrameGoAway, wire.FrameMaxPushID:
		return true
	}
	return false
}

// Accept returns the next request together with its stream handle.
//
// A *StreamError return is recoverable: that request is gone but the
// connection is fine, call Accept again. A *ConnectionError is fatal
// and reported exactly once. ErrConnectionClosed is the quiet end of
// input and repeats on every further call.
func (c *Connection) Accept(ctx context.Context) (*http.Request, *RequestStream, error) {
	str, err := c.nextRequestStream(ctx)
	if err != nil {
		return nil, nil, err
	}
	if str == nil {
		return nil, nil, c.finishDraining()
	}
	return c.buildRequest(str)
}

// nextRequestStream blocks until a request stream passes admission, the
// connection drains (nil, nil), or a terminal error surfaces.
func (c *Connection) nextRequestStream(ctx context.Context) (quic.Stream, error) {
	for {
		if c.draining {
			return nil, ErrConnectionClosed
		}
		if err := c.takeFatal(); err != nil {
			return nil, err
		}
		c.drainCompletions()

		// Once no further requests can arrive and nothing is in
		// flight, drain anything already queued and finish.
		if (c.peerClosing() || c.transportDone) && len(c.ongoing) == 0 {
			select {
			case str, ok := <-c.incomingCh():
				if !ok {
					c.markTransportDone()
					continue
				}
				if s := c.admit(str); s != nil {
					c.ongoing[s.StreamID()] = struct{}{}
					return s, nil
				}
				continue
			default:
				return nil, nil
			}
		}

		select {
		case str, ok := <-c.incomingCh():
			if !ok {
				c.markTransportDone()
				continue
			}
			if s := c.admit(str); s != nil {
				c.ongoing[s.StreamID()] = struct{}{}
				return s, nil
			}
		case <-c.completions.notify:
		case <-c.wake:
		case <-c.closedCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// incomingCh returns the intake channel, or nil (blocking forever in a
// select) once the transport has stopped producing streams.
func (c *Connection) incomingCh() chan quic.Stream {
	if c.transportDone {
		return nil
	}
	return c.incoming
}

// admit applies the GOAWAY boundary to a fresh stream. Rejected
// streams are reset and nil is returned.
func (c *Connection) admit(str quic.Stream) quic.Stream {
	id := str.StreamID()
	c.closingMu.Lock()
	rejected := c.sentClosingSet && id > c.sentClosing
	if !rejected {
		c.lastAccepted = id
		c.hasAccepted = true
	}
	c.closingMu.Unlock()
	if rejected {
		c.log.Debug("rejecting request beyond GOAWAY boundary", "stream_id", int64(id))
		str.CancelRead(quic.StreamErrorCode(CodeRequestRejected))
		str.CancelWrite(quic.StreamErrorCode(CodeRequestRejected))
		return nil
	}
	return str
}

// markTransportDone records that no further streams will arrive.
func (c *Connection) markTransportDone() {
	c.transportDone = true
	if err := c.acceptFailure(); err != nil && !isTransportClosed(err) {
		c.terminate(&ConnectionError{Code: CodeInternalError, Reason: err.Error()})
	}
}

// finishDraining latches end-of-input, sending the final GOAWAY at the
// last accepted stream so the peer sees a clean drain.
func (c *Connection) finishDraining() error {
	c.draining = true
	if err := c.Shutdown(0); err != nil && !errors.Is(err, ErrConnectionClosed) {
		c.log.Debug("final GOAWAY failed", "error", err)
	}
	return ErrConnectionClosed
}

// takeFatal reports the recorded connection error once; afterwards the
// quiet sentinel.
func (c *Connection) takeFatal() error {
	cerr := c.shared.err()
	if cerr == nil {
		if c.shared.isClosed() {
			return ErrConnectionClosed
		}
		return nil
	}
	if c.errReported {
		return ErrConnectionClosed
	}
	c.errReported = true
	return cerr
}

func (c *Connection) drainCompletions() {
	for _, id := range c.completions.drain() {
		delete(c.ongoing, id)
	}
}

// buildRequest runs leading-frame validation, header decode, and
// request construction for a freshly admitted stream.
func (c *Connection) buildRequest(str quic.Stream) (*http.Request, *RequestStream, error) {
	id := str.StreamID()
	rs := newRequestStream(str, c.shared, &requestEnd{id: id, q: c.completions}, c.cfg.MaxFieldSectionSize, c.streamAbort)
	rs.SendStream.grease = c.greaseArmed

	h, err := rs.RecvStream.nextFrameHeader()
	if err != nil {
		return nil, nil, c.requestIntakeError(rs, err)
	}
	if h.Type != wire.FrameHeaders {
		rs.SendStream.end.complete()
		return nil, nil, c.fatal(CodeFrameUnexpected, fmt.Sprintf("first request frame is %#x, want HEADERS", uint64(h.Type)))
	}
	if h.Length > maxHeaderFrameBytes {
		rs.StopStream(CodeFrameError)
		return nil, nil, &StreamError{StreamID: id, Code: CodeFrameError, Err: fmt.Errorf("HEADERS frame of %d bytes", h.Length)}
	}
	block := make([]byte, h.Length)
	if _, err := io.ReadFull(rs.RecvStream.qr, block); err != nil {
		return nil, nil, c.headerBlockError(rs, err)
	}

	fields, size, err := header.DecodeBlock(block)
	if err != nil {
		rs.SendStream.end.complete()
		return nil, nil, c.fatal(CodeQPACKDecompressionFailed, "failed to decode request headers")
	}
	if max := c.cfg.MaxFieldSectionSize; max > 0 && size > max {
		return nil, nil, c.rejectOversizedHeaders(rs, size, max)
	}

	req, err := header.RequestFromFields(fields)
	if err != nil {
		rs.StopStream(CodeMessageError)
		return nil, nil, &StreamError{StreamID: id, Code: CodeMessageError, Err: err}
	}
	req.RemoteAddr = c.qconn.RemoteAddr().String()

	c.greaseArmed = false
	c.log.Debug("request accepted", "stream_id", int64(id), "method", req.Method, "path", req.RequestURI)
	return req, rs, nil
}

// rejectOversizedHeaders answers a too-large field section with a
// best-effort 431 and reports the sizes through the stream error.
func (c *Connection) rejectOversizedHeaders(rs *RequestStream, size, max uint64) error {
	id := rs.StreamID()
	c.log.Debug("rejecting oversized request headers", "stream_id", int64(id), "size", size, "max", max)
	if err := rs.SendResponse(http.StatusRequestHeaderFieldsTooLarge, nil); err != nil {
		c.log.Debug("431 response failed", "stream_id", int64(id), "error", err)
	} else if err := rs.Finish(); err != nil {
		c.log.Debug("431 finish failed", "stream_id", int64(id), "error", err)
	}
	if !rs.SendStream.grease {
		// The probe went out with the 431.
		c.greaseArmed = false
	}
	rs.StopSending(CodeExcessiveLoad)
	rs.SendStream.end.complete()
	return &StreamError{StreamID: id, Code: CodeExcessiveLoad, Err: &HeaderTooLongError{ActualSize: size, MaxSize: max}}
}

// requestIntakeError classifies a failure while reading the leading
// frame header.
func (c *Connection) requestIntakeError(rs *RequestStream, err error) error {
	id := rs.StreamID()
	var serr *quic.StreamError
	switch {
	case errors.As(err, &serr):
		// Peer reset the stream; only this request is damaged.
		code := Code(serr.ErrorCode)
		rs.StopStream(code)
		return &StreamError{StreamID: id, Code: code, Err: err}
	case err == io.EOF:
		rs.SendStream.end.complete()
		return c.fatal(CodeRequestIncomplete, "request stream closed before headers")
	case err == io.ErrUnexpectedEOF:
		rs.SendStream.end.complete()
		return c.fatal(CodeRequestIncomplete, "request stream truncated before headers")
	case isTransportClosed(err):
		rs.SendStream.end.complete()
		return ErrConnectionClosed
	default:
		rs.SendStream.end.complete()
		return c.fatal(CodeFrameError, "malformed request framing")
	}
}

// headerBlockError classifies a failure while reading the HEADERS
// payload. Truncation here means a frame shorter than advertised.
func (c *Connection) headerBlockError(rs *RequestStream, err error) error {
	id := rs.StreamID()
	var serr *quic.StreamError
	switch {
	case errors.As(err, &serr):
		code := Code(serr.ErrorCode)
		rs.StopStream(code)
		return &StreamError{StreamID: id, Code: code, Err: err}
	case isTransportClosed(err):
		rs.SendStream.end.complete()
		return ErrConnectionClosed
	default:
		rs.SendStream.end.complete()
		return c.fatal(CodeFrameError, "truncated HEADERS frame")
	}
}

// Shutdown begins graceful termination: a GOAWAY frame tells the peer
// that streams beyond lastAccepted+maxRequests will be rejected, while
// already-accepted requests keep running. Repeat calls can only lower
// the boundary; attempts to raise it are ignored.
func (c *Connection) Shutdown(maxRequests int) error {
	if c.shared.isClosed() {
		return ErrConnectionClosed
	}
	if maxRequests < 0 {
		maxRequests = 0
	}
	c.closingMu.Lock()
	boundary := firstRequestStreamID
	if c.hasAccepted {
		boundary = c.lastAccepted + quic.StreamID(maxRequests)
	}
	if c.sentClosingSet && boundary >= c.sentClosing {
		c.closingMu.Unlock()
		return nil
	}
	c.sentClosing = boundary
	c.sentClosingSet = true
	c.closingMu.Unlock()

	c.log.Info("graceful shutdown", "goaway_id", int64(boundary))
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()
	if _, err := c.ctrlSend.Write(wire.AppendGoAway(nil, uint64(boundary))); err != nil {
		return fmt.Errorf("h3: send GOAWAY: %w", err)
	}
	return nil
}

// recordPeerGoAway stores the peer's boundary, which may only shrink
// (RFC 9114 §5.2).
func (c *Connection) recordPeerGoAway(id uint64) bool {
	c.closingMu.Lock()
	defer c.closingMu.Unlock()
	if c.recvClosingSet && id > c.recvClosing {
		return false
	}
	c.recvClosing = id
	c.recvClosingSet = true
	return true
}

func (c *Connection) peerClosing() bool {
	c.closingMu.Lock()
	defer c.closingMu.Unlock()
	return c.recvClosingSet
}

func (c *Connection) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Connection) setAcceptFailure(err error) {
	c.failMu.Lock()
	c.failure = err
	c.failMu.Unlock()
}

func (c *Connection) acceptFailure() error {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	return c.failure
}

// PeerSettings blocks until the peer's SETTINGS frame has been
// processed and returns it mapped onto a Config. SendGrease is never
// set on the result.
func (c *Connection) PeerSettings(ctx context.Context) (Config, error) {
	select {
	case <-c.settingsReady:
		s, _ := c.shared.peerSettings()
		return configFromSettings(s), nil
	case <-c.closedCh:
		return Config{}, c.closeSignal()
	case <-ctx.Done():
		return Config{}, ctx.Err()
	}
}

// Config returns the local configuration the connection was built with.
func (c *Connection) Config() Config {
	return c.cfg
}

// AcceptBidiStream returns the next inbound bidirectional stream
// without request dispatch or completion bookkeeping. The GOAWAY
// boundary still applies. It is the intake used by the WebTransport
// session layer once a session owns the connection.
func (c *Connection) AcceptBidiStream(ctx context.Context) (quic.Stream, error) {
	for {
		if err := c.sessionClosed(); err != nil {
			return nil, err
		}
		select {
		case str, ok := <-c.incomingCh():
			if !ok {
				c.markTransportDone()
				continue
			}
			if s := c.admit(str); s != nil {
				return s, nil
			}
		case <-c.closedCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// AcceptUniStream returns the next inbound WebTransport-typed
// unidirectional stream along with the session id from its preamble.
func (c *Connection) AcceptUniStream(ctx context.Context) (quic.StreamID, quic.ReceiveStream, error) {
	select {
	case u := <-c.wtUni:
		return u.sessionID, u.str, nil
	case <-c.closedCh:
		return 0, nil, c.closeSignal()
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// SendDatagram sends an HTTP datagram associated with the given request
// stream, prepending the quarter stream id (RFC 9297 §2.1).
func (c *Connection) SendDatagram(streamID quic.StreamID, p []byte) error {
	if c.shared.isClosed() {
		return ErrConnectionClosed
	}
	q := uint64(streamID / 4)
	buf := make([]byte, 0, quicvarint.Len(q)+len(p))
	buf = quicvarint.Append(buf, q)
	buf = append(buf, p...)
	if err := c.qconn.SendDatagram(buf); err != nil {
		if isTransportClosed(err) {
			return c.closeSignal()
		}
		return fmt.Errorf("h3: send datagram: %w", err)
	}
	return nil
}

// ReceiveDatagram returns the next inbound HTTP datagram and the
// request stream id it belongs to.
func (c *Connection) ReceiveDatagram(ctx context.Context) (quic.StreamID, []byte, error) {
	if c.shared.isClosed() {
		return 0, nil, c.closeSignal()
	}
	p, err := c.qconn.ReceiveDatagram(ctx)
	if err != nil {
		if isTransportClosed(err) {
			return 0, nil, c.closeSignal()
		}
		return 0, nil, err
	}
	q, n, err := quicvarint.Parse(p)
	if err != nil {
		c.terminate(&ConnectionError{Code: CodeDatagramError, Reason: "malformed datagram"})
		return 0, nil, c.closeSignal()
	}
	return quic.StreamID(q * 4), p[n:], nil
}

// OpenStreamSync opens an outbound bidirectional stream.
func (c *Connection) OpenStreamSync(ctx context.Context) (quic.Stream, error) {
	str, err := c.qconn.OpenStreamSync(ctx)
	if err != nil {
		if isTransportClosed(err) {
			return nil, c.closeSignal()
		}
		return nil, err
	}
	return str, nil
}

// OpenUniStreamSync opens an outbound unidirectional stream.
func (c *Connection) OpenUniStreamSync(ctx context.Context) (quic.SendStream, error) {
	str, err := c.qconn.OpenUniStreamSync(ctx)
	if err != nil {
		if isTransportClosed(err) {
			return nil, c.closeSignal()
		}
		return nil, err
	}
	return str, nil
}

// LocalAddr returns the local transport address.
func (c *Connection) LocalAddr() net.Addr {
	return c.qconn.LocalAddr()
}

// RemoteAddr returns the peer's transport address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.qconn.RemoteAddr()
}

// CloseWithError closes the connection with an application error code
// and returns the resulting connection error. Subsequent operations
// observe ErrConnectionClosed.
func (c *Connection) CloseWithError(code Code, reason string) error {
	cerr := &ConnectionError{Code: code, Reason: reason}
	c.terminate(cerr)
	return cerr
}

// Close releases the connection, sending a no-error close if no failure
// was recorded. Safe to call repeatedly.
func (c *Connection) Close() error {
	c.terminate(nil)
	return nil
}

// terminate records the terminal state and closes the transport. Only
// the first call has any effect.
func (c *Connection) terminate(cerr *ConnectionError) {
	if !c.shared.close(cerr) {
		return
	}
	code, reason := CodeNoError, ""
	if cerr != nil {
		code, reason = cerr.Code, cerr.Reason
		c.log.Error("connection error", "code", code.String(), "reason", reason)
	}
	c.qconn.CloseWithError(quic.ApplicationErrorCode(code), reason)
	close(c.closedCh)
}

// fatal closes the connection and returns the error to report from the
// accepting task, honoring the report-once contract.
func (c *Connection) fatal(code Code, reason string) error {
	c.terminate(&ConnectionError{Code: code, Reason: reason})
	if cerr := c.shared.err(); cerr != nil && !c.errReported {
		c.errReported = true
		return cerr
	}
	return ErrConnectionClosed
}

// streamAbort is the connection-close hook handed to request streams
// for violations they detect mid-body.
func (c *Connection) streamAbort(cerr *ConnectionError) error {
	c.terminate(cerr)
	return c.closeSignal()
}

// closeSignal is the terminal result for session-layer surfaces: the
// recorded fatal error if any, otherwise the quiet sentinel.
func (c *Connection) closeSignal() error {
	if cerr := c.shared.err(); cerr != nil {
		return cerr
	}
	return ErrConnectionClosed
}

// sessionClosed mirrors takeFatal for the session intake, which does
// not participate in the report-once bookkeeping.
func (c *Connection) sessionClosed() error {
	if cerr := c.shared.err(); cerr != nil {
		return cerr
	}
	if c.shared.isClosed() || c.transportDone {
		return ErrConnectionClosed
	}
	return nil
}
