package h3

import (
	"log/slog"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/security-union/h3/internal/wire"
)

// NextProtoH3 is the ALPN token for HTTP/3 (RFC 9114 §3.1).
const NextProtoH3 = "h3"

// Config controls what a server connection advertises in SETTINGS and
// which limits it enforces locally. The zero value is a plain HTTP/3
// server with no limits and no extensions.
type Config struct {
	// MaxFieldSectionSize caps the cumulative size of a received field
	// section, counted as name length + value length + 32 per field
	// (RFC 9114 §4.2.2). Oversized request headers draw a best-effort
	// 431 response. 0 means no limit.
	MaxFieldSectionSize uint64

	// SendGrease arms the one-shot reserved-type probe: one grease
	// entry in SETTINGS and one grease frame ahead of the first
	// response headers on the connection.
	SendGrease bool

	// EnableConnect advertises SETTINGS_ENABLE_CONNECT_PROTOCOL,
	// allowing extended CONNECT requests (RFC 9220).
	EnableConnect bool

	// EnableDatagram advertises SETTINGS_H3_DATAGRAM (RFC 9297). The
	// QUIC connection must have datagram support negotiated as well.
	EnableDatagram bool

	// EnableWebTransport advertises SETTINGS_ENABLE_WEBTRANSPORT and
	// routes WebTransport-typed streams to the session layer. It is
	// only useful together with EnableConnect and EnableDatagram.
	EnableWebTransport bool

	// WebTransportMaxSessions is the advertised session limit. The
	// engine itself serves at most one live session per connection.
	WebTransportMaxSessions uint64

	// Logger receives connection lifecycle and protocol events.
	// Defaults to slog.Default.
	Logger *slog.Logger
}

// DefaultConfig returns the baseline configuration: no header limit,
// greasing enabled, extensions off.
func DefaultConfig() Config {
	return Config{SendGrease: true}
}

// WebTransportConfig returns a configuration with WebTransport and its
// prerequisite extensions enabled.
func WebTransportConfig() Config {
	cfg := DefaultConfig()
	cfg.EnableConnect = true
	cfg.EnableDatagram = true
	cfg.EnableWebTransport = true
	cfg.WebTransportMaxSessions = 1
	return cfg
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// settings translates the configuration into the wire-level SETTINGS
// payload.
func (c Config) settings() wire.Settings {
	s := wire.DefaultSettings()
	if c.MaxFieldSectionSize > 0 {
		s.MaxFieldSectionSize = c.MaxFieldSectionSize
	}
	s.EnableConnectProtocol = c.EnableConnect
	s.EnableDatagram = c.EnableDatagram
	s.EnableWebTransport = c.EnableWebTransport
	s.WebTransportMaxSessions = c.WebTransportMaxSessions
	s.Grease = c.SendGrease
	return s
}

// configFromSettings is the reverse mapping, used to expose the peer's
// SETTINGS through the same type. SendGrease is never set.
func configFromSettings(s wire.Settings) Config {
	maxField := s.MaxFieldSectionSize
	if maxField == quicvarint.Max {
		maxField = 0
	}
	return Config{
		MaxFieldSectionSize:     maxField,
		EnableConnect:           s.EnableConnectProtocol,
		EnableDatagram:          s.EnableDatagram,
		EnableWebTransport:      s.EnableWebTransport,
		WebTransportMaxSessions: s.WebTransportMaxSessions,
	}
}
