// Package webtransport layers WebTransport sessions over HTTP/3
// connections served by [github.com/security-union/h3]. [Accept]
// elevates an extended CONNECT request carrying the "webtransport"
// protocol token into a [Session], which from then on owns the
// connection: datagrams, unidirectional streams, and bidirectional
// streams tagged with the session id are routed through it instead of
// the regular request dispatch.
//
// Each connection carries at most one session, and the two lifetimes
// are fused: closing the session closes the connection and vice versa.
package webtransport
