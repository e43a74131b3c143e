// Package header maps QPACK field sections to and from net/http
// request and response types: pseudo-field validation on decode
// (RFC 9114 §4.3), response and trailer encoding, and the RFC 9114
// §4.2.2 field-section size accounting that connection-level limits
// are enforced against.
//
// The QPACK coding itself is delegated to [github.com/quic-go/qpack];
// this package never touches dynamic-table state.
package header
