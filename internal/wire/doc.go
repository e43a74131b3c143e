// Package wire implements the HTTP/3 framing layer (RFC 9114 §7):
// generic type/length/payload frame headers, the SETTINGS and GOAWAY
// codecs, unidirectional stream type markers, and reserved (grease)
// code points, all in QUIC varint encoding.
//
// This package contains no connection or stream logic; those
// higher-level concerns live in [github.com/security-union/h3].
package wire
