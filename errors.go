package h3

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
)

// Code is an HTTP/3 or QPACK application error code as carried in QUIC
// RESET_STREAM, STOP_SENDING, and CONNECTION_CLOSE signals.
type Code uint64

// Error codes (RFC 9114 §8.1, RFC 9204 §6, RFC 9297 §5.3).
const (
	CodeNoError                  Code = 0x100
	CodeGeneralProtocolError     Code = 0x101
	CodeInternalError            Code = 0x102
	CodeStreamCreationError      Code = 0x103
	CodeClosedCriticalStream     Code = 0x104
	CodeFrameUnexpected          Code = 0x105
	CodeFrameError               Code = 0x106
	CodeExcessiveLoad            Code = 0x107
	CodeIDError                  Code = 0x108
	CodeSettingsError            Code = 0x109
	CodeMissingSettings          Code = 0x10a
	CodeRequestRejected          Code = 0x10b
	CodeRequestCancelled         Code = 0x10c
	CodeRequestIncomplete        Code = 0x10d
	CodeMessageError             Code = 0x10e
	CodeConnectError             Code = 0x10f
	CodeVersionFallback          Code = 0x110
	CodeDatagramError            Code = 0x33
	CodeQPACKDecompressionFailed Code = 0x200
	CodeQPACKEncoderStreamError  Code = 0x201
	CodeQPACKDecoderStreamError  Code = 0x202
)

func (c Code) String() string {
	switch c {
	case CodeNoError:
		return "H3_NO_ERROR"
	case CodeGeneralProtocolError:
		return "H3_GENERAL_PROTOCOL_ERROR"
	case CodeInternalError:
		return "H3_INTERNAL_ERROR"
	case CodeStreamCreationError:
		return "H3_STREAM_CREATION_ERROR"
	case CodeClosedCriticalStream:
		return "H3_CLOSED_CRITICAL_STREAM"
	case CodeFrameUnexpected:
		return "H3_FRAME_UNEXPECTED"
	case CodeFrameError:
		return "H3_FRAME_ERROR"
	case CodeExcessiveLoad:
		return "H3_EXCESSIVE_LOAD"
	case CodeIDError:
		return "H3_ID_ERROR"
	case CodeSettingsError:
		return "H3_SETTINGS_ERROR"
	case CodeMissingSettings:
		return "H3_MISSING_SETTINGS"
	case CodeRequestRejected:
		return "H3_REQUEST_REJECTED"
	case CodeRequestCancelled:
		return "H3_REQUEST_CANCELLED"
	case CodeRequestIncomplete:
		return "H3_REQUEST_INCOMPLETE"
	case CodeMessageError:
		return "H3_MESSAGE_ERROR"
	case CodeConnectError:
		return "H3_CONNECT_ERROR"
	case CodeVersionFallback:
		return "H3_VERSION_FALLBACK"
	case CodeDatagramError:
		return "H3_DATAGRAM_ERROR"
	case CodeQPACKDecompressionFailed:
		return "QPACK_DECOMPRESSION_FAILED"
	case CodeQPACKEncoderStreamError:
		return "QPACK_ENCODER_STREAM_ERROR"
	case CodeQPACKDecoderStreamError:
		return "QPACK_DECODER_STREAM_ERROR"
	default:
		return fmt.Sprintf("H3 error (%#x)", uint64(c))
	}
}

// ErrConnectionClosed is the quiet terminal result: the connection
// drained after shutdown, was closed locally, or its fatal cause was
// already reported. It repeats on every further operation.
var ErrConnectionClosed = errors.New("h3: connection closed")

// ConnectionError is fatal to the whole connection. Accept surfaces it
// once; afterwards every operation returns ErrConnectionClosed.
type ConnectionError struct {
	Code   Code
	Reason string
}

func (e *ConnectionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("h3: connection error %s", e.Code)
	}
	return fmt.Sprintf("h3: connection error %s: %s", e.Code, e.Reason)
}

// StreamError damages a single request stream; the connection and its
// accept loop remain usable.
type StreamError struct {
	StreamID quic.StreamID
	Code     Code
	Err      error
}

func (e *StreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("h3: stream %d: %s", int64(e.StreamID), e.Code)
	}
	return fmt.Sprintf("h3: stream %d: %s: %v", int64(e.StreamID), e.Code, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// HeaderTooLongError reports a field section exceeding the advertised
// size limit: the local limit on receive (the 431 path), the peer's
// limit on send. It arrives wrapped in a *StreamError.
type HeaderTooLongError struct {
	ActualSize uint64
	MaxSize    uint64
}

func (e *HeaderTooLongError) Error() string {
	return fmt.Sprintf("h3: header field section of %d bytes exceeds limit of %d", e.ActualSize, e.MaxSize)
}

// Misuse of the request stream API.
var (
	errResponseSent   = errors.New("h3: response headers already sent")
	errNoResponse     = errors.New("h3: response headers not sent")
	errStreamFinished = errors.New("h3: request stream already finished")
)

// isTransportClosed reports transport errors that mean the connection
// is simply gone (peer close, timeouts, local close) rather than an
// HTTP/3 protocol failure.
func isTransportClosed(err error) bool {
	var (
		appErr       *quic.ApplicationError
		transportErr *quic.TransportError
		idleErr      *quic.IdleTimeoutError
		hsErr        *quic.HandshakeTimeoutError
		resetErr     *quic.StatelessResetError
	)
	switch {
	case errors.As(err, &appErr),
		errors.As(err, &transportErr),
		errors.As(err, &idleErr),
		errors.As(err, &hsErr),
		errors.As(err, &resetErr):
		return true
	case errors.Is(err, net.ErrClosed), errors.Is(err, context.Canceled):
		return true
	}
	return false
}
