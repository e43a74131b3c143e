// Package h3 implements the server side of HTTP/3 (RFC 9114) over a
// QUIC transport: the control stream with SETTINGS exchange, the
// request accept loop with leading-frame validation and QPACK header
// decoding, graceful GOAWAY shutdown, and per-request stream handles
// whose completions feed back into the connection's drain tracking.
//
// A server wraps an accepted QUIC connection with [NewConnection] and
// pulls requests from [Connection.Accept] until it reports
// [ErrConnectionClosed]. Every handed-out [RequestStream] must be
// finished, aborted, or closed; the connection counts these
// completions to know when a shutdown has drained.
//
// The package also carries the extension plumbing used by WebTransport
// sessions: extended CONNECT (RFC 9220), HTTP datagrams (RFC 9297),
// and WebTransport stream routing. The session layer itself lives in
// [github.com/security-union/h3/webtransport].
package h3
