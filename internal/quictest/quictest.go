// Package quictest provides in-memory stand-ins for quic-go's
// connection and stream interfaces. Tests queue inbound streams and
// datagrams, feed stream data byte-for-byte, and inspect everything the
// code under test wrote or cancelled.
package quictest

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

var (
	_ quic.Connection    = (*Conn)(nil)
	_ quic.Stream        = (*Stream)(nil)
	_ quic.ReceiveStream = (*Stream)(nil)
	_ quic.SendStream    = (*Stream)(nil)
)

// Conn is an in-memory quic.Connection. Inbound streams and datagrams
// are queued by the test; everything the code under test opens, sends,
// or closes is recorded.
type Conn struct {
	// NoDatagrams, when set before the connection is used, makes
	// ConnectionState report a transport without datagram support.
	NoDatagrams bool

	mu          sync.Mutex
	sent        [][]byte
	opened      []*Stream
	openedUni   []*Stream
	streams     []*Stream
	nextBidi    quic.StreamID
	nextUni     quic.StreamID
	closed      bool
	closeCode   quic.ApplicationErrorCode
	closeReason string

	bidi      chan *Stream
	uni       chan *Stream
	datagrams chan []byte
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewConn returns an open fake connection. Server-opened streams get
// ids 1, 5, 9, … (bidirectional) and 3, 7, 11, … (unidirectional).
func NewConn() *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		nextBidi:  1,
		nextUni:   3,
		bidi:      make(chan *Stream, 16),
		uni:       make(chan *Stream, 16),
		datagrams: make(chan []byte, 16),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// QueueStream makes str the next inbound bidirectional stream.
func (c *Conn) QueueStream(str *Stream) {
	c.register(str)
	c.bidi <- str
}

// QueueUniStream makes str the next inbound unidirectional stream.
func (c *Conn) QueueUniStream(str *Stream) {
	c.register(str)
	c.uni <- str
}

// QueueDatagram makes p the next inbound datagram.
func (c *Conn) QueueDatagram(p []byte) {
	c.datagrams <- p
}

func (c *Conn) register(str *Stream) {
	c.mu.Lock()
	c.streams = append(c.streams, str)
	c.mu.Unlock()
}

func (c *Conn) AcceptStream(ctx context.Context) (quic.Stream, error) {
	select {
	case str := <-c.bidi:
		return str, nil
	case <-c.done:
		return nil, c.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) AcceptUniStream(ctx context.Context) (quic.ReceiveStream, error) {
	select {
	case str := <-c.uni:
		return str, nil
	case <-c.done:
		return nil, c.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) OpenStream() (quic.Stream, error) {
	return c.open(&c.nextBidi, &c.opened)
}

func (c *Conn) OpenStreamSync(context.Context) (quic.Stream, error) {
	return c.open(&c.nextBidi, &c.opened)
}

func (c *Conn) OpenUniStream() (quic.SendStream, error) {
	return c.open(&c.nextUni, &c.openedUni)
}

func (c *Conn) OpenUniStreamSync(context.Context) (quic.SendStream, error) {
	return c.open(&c.nextUni, &c.openedUni)
}

func (c *Conn) open(next *quic.StreamID, into *[]*Stream) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.lockedCloseErr()
	}
	str := NewStream(*next)
	*next += 4
	*into = append(*into, str)
	c.streams = append(c.streams, str)
	return str, nil
}

func (c *Conn) SendDatagram(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.lockedCloseErr()
	}
	c.sent = append(c.sent, append([]byte(nil), p...))
	return nil
}

func (c *Conn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case p := <-c.datagrams:
		return p, nil
	case <-c.done:
		return nil, c.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) CloseWithError(code quic.ApplicationErrorCode, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	streams := append([]*Stream(nil), c.streams...)
	c.mu.Unlock()

	close(c.done)
	c.cancel()
	cerr := &quic.ApplicationError{ErrorCode: code, ErrorMessage: reason}
	for _, str := range streams {
		str.setConnErr(cerr)
	}
	return nil
}

func (c *Conn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}
}

func (c *Conn) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 52314}
}

func (c *Conn) Context() context.Context {
	return c.ctx
}

func (c *Conn) ConnectionState() quic.ConnectionState {
	return quic.ConnectionState{SupportsDatagrams: !c.NoDatagrams}
}

func (c *Conn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lockedCloseErr()
}

func (c *Conn) lockedCloseErr() error {
	return &quic.ApplicationError{ErrorCode: c.closeCode, ErrorMessage: c.closeReason}
}

// Closed reports whether CloseWithError was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCode returns the application error code the connection was
// closed with.
func (c *Conn) CloseCode() quic.ApplicationErrorCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// CloseReason returns the close reason phrase.
func (c *Conn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// OpenedUniStreams returns the unidirectional streams opened by the
// code under test, in order. The first one is the HTTP/3 control
// stream.
func (c *Conn) OpenedUniStreams() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Stream(nil), c.openedUni...)
}

// OpenedStreams returns the bidirectional streams opened by the code
// under test, in order.
func (c *Conn) OpenedStreams() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Stream(nil), c.opened...)
}

// SentDatagrams returns every payload passed to SendDatagram, in order.
func (c *Conn) SentDatagrams() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// Stream is an in-memory quic.Stream. The test feeds the read side
// with AppendData, FinishWrite, and Reset; the code under test's
// writes accumulate for inspection via Written.
type Stream struct {
	id quic.StreamID

	mu   sync.Mutex
	cond *sync.Cond

	readBuf []byte
	readFin bool
	readErr error

	written     []byte
	writeClosed bool
	writeErr    error

	cancelRead     quic.StreamErrorCode
	cancelReadSet  bool
	cancelWrite    quic.StreamErrorCode
	cancelWriteSet bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStream returns an open fake stream with the given id.
func NewStream(id quic.StreamID) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{id: id, ctx: ctx, cancel: cancel}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// AppendData queues p for the code under test to read.
func (s *Stream) AppendData(p []byte) {
	s.mu.Lock()
	s.readBuf = append(s.readBuf, p...)
	s.mu.Unlock()
	s.cond.Broadcast()
}

// FinishWrite marks the peer's FIN: reads drain the queued data and
// then return io.EOF.
func (s *Stream) FinishWrite() {
	s.mu.Lock()
	s.readFin = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Reset simulates a peer RESET_STREAM: pending data is dropped and
// reads fail with a *quic.StreamError carrying code.
func (s *Stream) Reset(code quic.StreamErrorCode) {
	s.mu.Lock()
	s.readErr = &quic.StreamError{StreamID: s.id, ErrorCode: code, Remote: true}
	s.readBuf = nil
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *Stream) setConnErr(err error) {
	s.mu.Lock()
	if s.readErr == nil {
		s.readErr = err
	}
	if s.writeErr == nil {
		s.writeErr = err
	}
	s.mu.Unlock()
	s.cond.Broadcast()
	s.cancel()
}

func (s *Stream) StreamID() quic.StreamID {
	return s.id
}

func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.readErr != nil {
			return 0, s.readErr
		}
		if len(s.readBuf) > 0 {
			n := copy(p, s.readBuf)
			s.readBuf = s.readBuf[n:]
			return n, nil
		}
		if s.readFin {
			return 0, io.EOF
		}
		s.cond.Wait()
	}
}

func (s *Stream) CancelRead(code quic.StreamErrorCode) {
	s.mu.Lock()
	if !s.cancelReadSet {
		s.cancelRead = code
		s.cancelReadSet = true
		s.readErr = &quic.StreamError{StreamID: s.id, ErrorCode: code}
		s.readBuf = nil
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if s.writeClosed {
		return 0, errors.New("quictest: write on closed stream")
	}
	s.written = append(s.written, p...)
	return len(p), nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	s.writeClosed = true
	s.mu.Unlock()
	s.cancel()
	return nil
}

func (s *Stream) CancelWrite(code quic.StreamErrorCode) {
	s.mu.Lock()
	if !s.cancelWriteSet {
		s.cancelWrite = code
		s.cancelWriteSet = true
		s.writeErr = &quic.StreamError{StreamID: s.id, ErrorCode: code}
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *Stream) Context() context.Context {
	return s.ctx
}

func (s *Stream) SetDeadline(time.Time) error      { return nil }
func (s *Stream) SetReadDeadline(time.Time) error  { return nil }
func (s *Stream) SetWriteDeadline(time.Time) error { return nil }

// Written returns a snapshot of everything written so far.
func (s *Stream) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written...)
}

// WriteClosed reports whether Close was called on the send side.
func (s *Stream) WriteClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeClosed
}

// CancelledRead returns the code passed to CancelRead, if any.
func (s *Stream) CancelledRead() (quic.StreamErrorCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRead, s.cancelReadSet
}

// CancelledWrite returns the code passed to CancelWrite, if any.
func (s *Stream) CancelledWrite() (quic.StreamErrorCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelWrite, s.cancelWriteSet
}
