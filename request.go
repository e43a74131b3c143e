package h3

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/quicvarint"

	"github.com/security-union/h3/internal/header"
	"github.com/security-union/h3/internal/wire"
)

// bodyChunkSize bounds the per-call allocation in RecvData.
const bodyChunkSize = 16 << 10

// RequestStream is the server's handle for one request: the receive
// half yields body data and trailers, the send half carries the
// response. Split separates the halves for concurrent use.
//
// Every request must end in a terminal operation: Finish, SendTrailers,
// StopStream, or Close. The first of these delivers the request's
// single completion back to the connection; Close is the catch-all and
// is safe to defer on every path.
type RequestStream struct {
	*SendStream
	*RecvStream
}

func newRequestStream(str quic.Stream, shared *sharedState, end *requestEnd, localMax uint64, abort func(*ConnectionError) error) *RequestStream {
	return &RequestStream{
		SendStream: &SendStream{str: str, shared: shared, end: end},
		RecvStream: &RecvStream{
			str:      str,
			qr:       quicvarint.NewReader(str),
			shared:   shared,
			end:      end,
			localMax: localMax,
			abort:    abort,
		},
	}
}

// StreamID returns the underlying QUIC stream id, which doubles as the
// request's identifier.
func (rs *RequestStream) StreamID() quic.StreamID {
	return rs.SendStream.StreamID()
}

// StopStream aborts the request in both directions with code and
// completes it.
func (rs *RequestStream) StopStream(code Code) {
	rs.RecvStream.StopSending(code)
	rs.SendStream.StopStream(code)
}

// Close releases the request. Directions still open are aborted with
// H3_REQUEST_CANCELLED. Exactly one completion is delivered per
// request no matter how many release paths run.
func (rs *RequestStream) Close() error {
	rs.RecvStream.Close()
	return rs.SendStream.Close()
}

// Split separates the request into its two halves so that body intake
// and response writing can proceed on different goroutines. The halves
// share the completion obligation: the first terminal operation on
// either half delivers it.
func (rs *RequestStream) Split() (*SendStream, *RecvStream) {
	return rs.SendStream, rs.RecvStream
}

// SendStream is the response half of a request stream.
type SendStream struct {
	str    quic.SendStream
	shared *sharedState
	end    *requestEnd

	grease     bool
	headerSent bool
	finished   bool
}

func (s *SendStream) StreamID() quic.StreamID {
	return s.str.StreamID()
}

// SendResponse writes the response HEADERS frame. It must be called
// exactly once per request, before any body data. If the connection is
// armed for greasing, a reserved-type frame precedes the headers.
func (s *SendStream) SendResponse(status int, hdr http.Header) error {
	if s.shared.isClosed() {
		return ErrConnectionClosed
	}
	if s.headerSent {
		return errResponseSent
	}
	if s.finished {
		return errStreamFinished
	}
	block, size, err := header.EncodeResponse(status, hdr)
	if err != nil {
		return err
	}
	if max := s.shared.peerHeaderLimit(); size > max {
		return &StreamError{StreamID: s.StreamID(), Code: CodeExcessiveLoad, Err: &HeaderTooLongError{ActualSize: size, MaxSize: max}}
	}
	var buf []byte
	if s.grease {
		buf = wire.AppendGreaseFrame(buf)
	}
	buf = wire.AppendFrameHeader(buf, wire.FrameHeaders, uint64(len(block)))
	buf = append(buf, block...)
	if _, err := s.str.Write(buf); err != nil {
		return s.writeErr(err)
	}
	s.headerSent = true
	s.grease = false
	return nil
}

// SendData frames p as a DATA frame on the response body.
func (s *SendStream) SendData(p []byte) error {
	if s.shared.isClosed() {
		return ErrConnectionClosed
	}
	if !s.headerSent {
		return errNoResponse
	}
	if s.finished {
		return errStreamFinished
	}
	if len(p) == 0 {
		return nil
	}
	hdr := wire.AppendFrameHeader(nil, wire.FrameData, uint64(len(p)))
	if _, err := s.str.Write(hdr); err != nil {
		return s.writeErr(err)
	}
	if _, err := s.str.Write(p); err != nil {
		return s.writeErr(err)
	}
	return nil
}

// SendTrailers encodes the trailer section, closes the send side, and
// completes the request.
func (s *SendStream) SendTrailers(hdr http.Header) error {
	if s.shared.isClosed() {
		return ErrConnectionClosed
	}
	if !s.headerSent {
		return errNoResponse
	}
	if s.finished {
		return errStreamFinished
	}
	block, size, err := header.EncodeTrailers(hdr)
	if err != nil {
		return err
	}
	if max := s.shared.peerHeaderLimit(); size > max {
		return &StreamError{StreamID: s.StreamID(), Code: CodeExcessiveLoad, Err: &HeaderTooLongError{ActualSize: size, MaxSize: max}}
	}
	buf := wire.AppendFrameHeader(nil, wire.FrameHeaders, uint64(len(block)))
	buf = append(buf, block...)
	_, werr := s.str.Write(buf)
	s.finished = true
	cerr := s.str.Close()
	s.end.complete()
	if werr != nil {
		return s.writeErr(werr)
	}
	if cerr != nil {
		return s.writeErr(cerr)
	}
	return nil
}

// Finish closes the send side cleanly and completes the request.
func (s *SendStream) Finish() error {
	if s.finished {
		return errStreamFinished
	}
	s.finished = true
	err := s.str.Close()
	s.end.complete()
	if err != nil {
		return s.writeErr(err)
	}
	return nil
}

// StopStream aborts the send direction with code and completes the
// request.
func (s *SendStream) StopStream(code Code) {
	s.finished = true
	s.str.CancelWrite(quic.StreamErrorCode(code))
	s.end.complete()
}

// Close releases the send half. An unfinished response is aborted with
// H3_REQUEST_CANCELLED; the completion is delivered either way.
func (s *SendStream) Close() error {
	if !s.finished {
		s.finished = true
		s.str.CancelWrite(quic.StreamErrorCode(CodeRequestCancelled))
	}
	s.end.complete()
	return nil
}

// writeErr maps a transport write failure onto the package error model.
func (s *SendStream) writeErr(err error) error {
	var serr *quic.StreamError
	if errors.As(err, &serr) {
		return &StreamError{StreamID: s.StreamID(), Code: Code(serr.ErrorCode), Err: err}
	}
	if isTransportClosed(err) {
		return ErrConnectionClosed
	}
	return fmt.Errorf("h3: stream write: %w", err)
}

// RecvStream is the request-body half of a request stream.
type RecvStream struct {
	str    quic.ReceiveStream
	qr     quicvarint.Reader
	shared *sharedState
	end    *requestEnd
	abort  func(*ConnectionError) error

	localMax      uint64
	dataRemaining uint64
	trailers      http.Header
	bodyDone      bool
	recvDone      bool
}

func (r *RecvStream) StreamID() quic.StreamID {
	return r.str.StreamID()
}

// RecvData returns the next chunk of the request body. io.EOF marks
// the end of the body; trailers, if the peer sent any, are available
// from RecvTrailers afterwards.
func (r *RecvStream) RecvData() ([]byte, error) {
	if r.shared.isClosed() {
		return nil, ErrConnectionClosed
	}
	for {
		if r.bodyDone {
			return nil, io.EOF
		}
		if r.dataRemaining == 0 {
			h, err := r.nextFrameHeader()
			if err != nil {
				return nil, r.frameErr(err)
			}
			switch h.Type {
			case wire.FrameData:
				r.dataRemaining = h.Length
				continue
			case wire.FrameHeaders:
				// Trailers end the body.
				if err := r.decodeTrailers(h); err != nil {
					return nil, err
				}
				r.bodyDone = true
				r.recvDone = true
				return nil, io.EOF
			default:
				return nil, r.abort(&ConnectionError{Code: CodeFrameUnexpected, Reason: fmt.Sprintf("frame %#x on request stream", uint64(h.Type))})
			}
		}
		buf := make([]byte, min(r.dataRemaining, bodyChunkSize))
		m, err := r.qr.Read(buf)
		if m > 0 {
			r.dataRemaining -= uint64(m)
			return buf[:m], nil
		}
		if err != nil {
			return nil, r.payloadErr(err)
		}
	}
}

// RecvTrailers reads through any unconsumed body and returns the
// trailer section, nil when the peer sent none.
func (r *RecvStream) RecvTrailers() (http.Header, error) {
	for !r.bodyDone {
		if _, err := r.RecvData(); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}
	return r.trailers, nil
}

// StopSending tells the peer to stop transmitting the request body. It
// does not complete the request; the send half remains usable.
func (r *RecvStream) StopSending(code Code) {
	r.recvDone = true
	r.str.CancelRead(quic.StreamErrorCode(code))
}

// Close releases the receive half, aborting unread body data.
func (r *RecvStream) Close() error {
	if !r.recvDone {
		r.recvDone = true
		r.str.CancelRead(quic.StreamErrorCode(CodeRequestCancelled))
	}
	r.end.complete()
	return nil
}

// nextFrameHeader returns the next recognized frame header, skipping
// grease and unknown extension frames.
func (r *RecvStream) nextFrameHeader() (wire.FrameHeader, error) {
	for {
		h, err := wire.ReadFrameHeader(r.qr)
		if err != nil {
			return wire.FrameHeader{}, err
		}
		if h.Type.IsReservedHTTP2() || knownFrame(h.Type) {
			return h, nil
		}
		if err := wire.SkipFramePayload(r.qr, h.Length); err != nil {
			return wire.FrameHeader{}, err
		}
	}
}

func (r *RecvStream) decodeTrailers(h wire.FrameHeader) error {
	if h.Length > maxHeaderFrameBytes {
		r.StopSending(CodeFrameError)
		return &StreamError{StreamID: r.StreamID(), Code: CodeFrameError, Err: fmt.Errorf("trailer HEADERS frame of %d bytes", h.Length)}
	}
	block := make([]byte, h.Length)
	if _, err := io.ReadFull(r.qr, block); err != nil {
		return r.payloadErr(err)
	}
	fields, size, err := header.DecodeBlock(block)
	if err != nil {
		return r.abort(&ConnectionError{Code: CodeQPACKDecompressionFailed, Reason: "failed to decode trailers"})
	}
	if r.localMax > 0 && size > r.localMax {
		r.StopSending(CodeExcessiveLoad)
		return &StreamError{StreamID: r.StreamID(), Code: CodeExcessiveLoad, Err: &HeaderTooLongError{ActualSize: size, MaxSize: r.localMax}}
	}
	trailers, err := header.TrailerFromFields(fields)
	if err != nil {
		r.StopSending(CodeMessageError)
		return &StreamError{StreamID: r.StreamID(), Code: CodeMessageError, Err: err}
	}
	r.trailers = trailers
	return nil
}

// frameErr classifies an error between frames; a clean FIN here simply
// ends the body.
func (r *RecvStream) frameErr(err error) error {
	if err == io.EOF {
		r.bodyDone = true
		r.recvDone = true
		return io.EOF
	}
	var serr *quic.StreamError
	switch {
	case errors.As(err, &serr):
		r.recvDone = true
		return &StreamError{StreamID: r.StreamID(), Code: Code(serr.ErrorCode), Err: err}
	case isTransportClosed(err):
		return ErrConnectionClosed
	default:
		return r.abort(&ConnectionError{Code: CodeFrameError, Reason: "malformed request body framing"})
	}
}

// payloadErr classifies an error inside a frame payload, where an EOF
// means the frame is shorter than its advertised length.
func (r *RecvStream) payloadErr(err error) error {
	var serr *quic.StreamError
	switch {
	case errors.As(err, &serr):
		r.recvDone = true
		return &StreamError{StreamID: r.StreamID(), Code: Code(serr.ErrorCode), Err: err}
	case isTransportClosed(err):
		return ErrConnectionClosed
	default:
		return r.abort(&ConnectionError{Code: CodeFrameError, Reason: "request body shorter than DATA frame length"})
	}
}
