package wire

import (
	"github.com/quic-go/quic-go/quicvarint"
)

// Setting identifiers (RFC 9114 §7.2.4.1, RFC 9297 §2.1.1,
// draft-ietf-webtrans-http3-02 §8.2).
const (
	SettingMaxFieldSectionSize     uint64 = 0x06
	SettingEnableConnectProtocol   uint64 = 0x08
	SettingH3Datagram              uint64 = 0x33
	SettingEnableWebTransport      uint64 = 0x2b603742
	SettingWebTransportMaxSessions uint64 = 0x2b603743
)

// Settings is the decoded form of the recognized SETTINGS entries.
// MaxFieldSectionSize defaults to quicvarint.Max, meaning the peer
// advertised no limit.
type Settings struct {
	MaxFieldSectionSize     uint64
	EnableConnectProtocol   bool
	EnableDatagram          bool
	EnableWebTransport      bool
	WebTransportMaxSessions uint64

	// Grease adds one reserved-type entry when appending. It is never
	// set by ParseSettings; unrecognized entries are discarded on read.
	Grease bool
}

// DefaultSettings returns the value ParseSettings yields for an empty
// payload.
func DefaultSettings() Settings {
	return Settings{MaxFieldSectionSize: quicvarint.Max}
}

// ParseSettings decodes a SETTINGS frame payload. Unknown identifiers
// are ignored; duplicate recognized identifiers, reserved HTTP/2
// identifiers, and non-boolean values for boolean settings are
// SettingsErrors. Truncated payloads surface as ParseErrors.
func ParseSettings(payload []byte) (Settings, error) {
	s := DefaultSettings()
	seen := make(map[uint64]bool)
	br := &bufReader{data: payload}

	for br.remaining() > 0 {
		id, err := br.readVarint()
		if err != nil {
			return Settings{}, &ParseError{Field: "setting id", Err: err}
		}
		val, err := br.readVarint()
		if err != nil {
			return Settings{}, &ParseError{Field: "setting value", Err: err}
		}

		if isReservedHTTP2Setting(id) {
			return Settings{}, &SettingsError{ID: id, Reason: "reserved HTTP/2 setting"}
		}
		if seen[id] {
			return Settings{}, &SettingsError{ID: id, Reason: "duplicate setting"}
		}
		seen[id] = true

		switch id {
		case SettingMaxFieldSectionSize:
			s.MaxFieldSectionSize = val
		case SettingEnableConnectProtocol:
			b, err := boolSetting(id, val)
			if err != nil {
				return Settings{}, err
			}
			s.EnableConnectProtocol = b
		case SettingH3Datagram:
			b, err := boolSetting(id, val)
			if err != nil {
				return Settings{}, err
			}
			s.EnableDatagram = b
		case SettingEnableWebTransport:
			b, err := boolSetting(id, val)
			if err != nil {
				return Settings{}, err
			}
			s.EnableWebTransport = b
		case SettingWebTransportMaxSessions:
			s.WebTransportMaxSessions = val
		}
	}
	return s, nil
}

// Append appends a complete SETTINGS frame (type, length, payload).
// Entries carrying their default value are omitted.
func (s Settings) Append(b []byte) []byte {
	var p []byte
	if s.MaxFieldSectionSize != quicvarint.Max && s.MaxFieldSectionSize != 0 {
		p = appendSetting(p, SettingMaxFieldSectionSize, s.MaxFieldSectionSize)
	}
	if s.EnableConnectProtocol {
		p = appendSetting(p, SettingEnableConnectProtocol, 1)
	}
	if s.EnableDatagram {
		p = appendSetting(p, SettingH3Datagram, 1)
	}
	if s.EnableWebTransport {
		p = appendSetting(p, SettingEnableWebTransport, 1)
	}
	if s.WebTransportMaxSessions > 0 {
		p = appendSetting(p, SettingWebTransportMaxSessions, s.WebTransportMaxSessions)
	}
	if s.Grease {
		p = appendSetting(p, GreaseCode(), GreaseCode())
	}

	b = AppendFrameHeader(b, FrameSettings, uint64(len(p)))
	return append(b, p...)
}

func appendSetting(b []byte, id, val uint64) []byte {
	b = quicvarint.Append(b, id)
	return quicvarint.Append(b, val)
}

func boolSetting(id, val uint64) (bool, error) {
	if val > 1 {
		return false, &SettingsError{ID: id, Reason: "value must be 0 or 1"}
	}
	return val == 1, nil
}

// isReservedHTTP2Setting reports identifiers that RFC 9114 §7.2.4.1
// forbids from appearing in HTTP/3 SETTINGS.
func isReservedHTTP2Setting(id uint64) bool {
	switch id {
	case 0x00, 0x02, 0x03, 0x04, 0x05:
		return true
	}
	return false
}
