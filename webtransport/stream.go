package webtransport

import (
	"io"

	"github.com/quic-go/quic-go"
)

// SessionID identifies a WebTransport session on its connection. It is
// the stream id of the CONNECT request that established the session.
type SessionID = quic.StreamID

// ReceiveStream is the readable half of a session stream. The session
// preamble has already been consumed, so reads yield payload bytes
// only.
type ReceiveStream struct {
	str       quic.ReceiveStream
	sessionID SessionID
}

var _ io.Reader = (*ReceiveStream)(nil)

func newReceiveStream(str quic.ReceiveStream, sid SessionID) *ReceiveStream {
	return &ReceiveStream{str: str, sessionID: sid}
}

// Read reads session payload bytes. io.EOF marks the peer's FIN.
func (r *ReceiveStream) Read(p []byte) (int, error) {
	return r.str.Read(p)
}

// CancelRead aborts reception with the given code.
func (r *ReceiveStream) CancelRead(code quic.StreamErrorCode) {
	r.str.CancelRead(code)
}

// StreamID returns the underlying transport stream id.
func (r *ReceiveStream) StreamID() quic.StreamID {
	return r.str.StreamID()
}

// SessionID returns the id of the session the stream belongs to.
func (r *ReceiveStream) SessionID() SessionID {
	return r.sessionID
}

// SendStream is the writable half of a session stream. On outbound
// streams the preamble has already been written.
type SendStream struct {
	str       quic.SendStream
	sessionID SessionID
}

var _ io.WriteCloser = (*SendStream)(nil)

func newSendStream(str quic.SendStream, sid SessionID) *SendStream {
	return &SendStream{str: str, sessionID: sid}
}

// Write writes session payload bytes.
func (s *SendStream) Write(p []byte) (int, error) {
	return s.str.Write(p)
}

// Close finishes the send side with a clean FIN.
func (s *SendStream) Close() error {
	return s.str.Close()
}

// CancelWrite aborts transmission with the given code.
func (s *SendStream) CancelWrite(code quic.StreamErrorCode) {
	s.str.CancelWrite(code)
}

// StreamID returns the underlying transport stream id.
func (s *SendStream) StreamID() quic.StreamID {
	return s.str.StreamID()
}

// SessionID returns the id of the session the stream belongs to.
func (s *SendStream) SessionID() SessionID {
	return s.sessionID
}

// Stream is a bidirectional session stream.
type Stream struct {
	*SendStream
	*ReceiveStream
}

var _ io.ReadWriteCloser = (*Stream)(nil)

func newStream(str quic.Stream, sid SessionID) *Stream {
	return &Stream{
		SendStream:    newSendStream(str, sid),
		ReceiveStream: newReceiveStream(str, sid),
	}
}

// StreamID returns the underlying transport stream id.
func (s *Stream) StreamID() quic.StreamID {
	return s.SendStream.StreamID()
}

// SessionID returns the id of the session the stream belongs to.
func (s *Stream) SessionID() SessionID {
	return s.SendStream.SessionID()
}

// Split separates the stream into its independent halves so that reads
// and writes can proceed on different goroutines.
func (s *Stream) Split() (*SendStream, *ReceiveStream) {
	return s.SendStream, s.ReceiveStream
}
