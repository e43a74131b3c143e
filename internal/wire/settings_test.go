package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"
)

// parseSettingsFrame decodes a full SETTINGS frame produced by Append.
func parseSettingsFrame(t *testing.T, buf []byte) Settings {
	t.Helper()

	r := bytes.NewReader(buf)
	h, err := ReadFrameHeader(r)
	if err != nil {
		t.Fatal(err)
	}
	if h.Type != FrameSettings {
		t.Fatalf("type = %#x, want %#x", uint64(h.Type), uint64(FrameSettings))
	}
	payload, err := ReadControlFramePayload(r, h)
	if err != nil {
		t.Fatal(err)
	}
	s, err := ParseSettings(payload)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSettingsRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		s    Settings
	}{
		{"defaults", DefaultSettings()},
		{"field section limit", Settings{MaxFieldSectionSize: 1000}},
		{
			"webtransport",
			Settings{
				MaxFieldSectionSize:     quicvarint.Max,
				EnableConnectProtocol:   true,
				EnableDatagram:          true,
				EnableWebTransport:      true,
				WebTransportMaxSessions: 1,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := parseSettingsFrame(t, tt.s.Append(nil))
			if got != tt.s {
				t.Fatalf("settings = %+v, want %+v", got, tt.s)
			}
		})
	}
}

func TestSettingsGreaseEntryIgnoredOnParse(t *testing.T) {
	t.Parallel()

	s := Settings{MaxFieldSectionSize: 1000, EnableDatagram: true, Grease: true}
	got := parseSettingsFrame(t, s.Append(nil))

	want := s
	want.Grease = false
	if got != want {
		t.Fatalf("settings = %+v, want %+v", got, want)
	}
}

func TestSettingsAppendOmitsDefaults(t *testing.T) {
	t.Parallel()

	buf := DefaultSettings().Append(nil)
	r := bytes.NewReader(buf)
	h, err := ReadFrameHeader(r)
	if err != nil {
		t.Fatal(err)
	}
	if h.Length != 0 {
		t.Fatalf("default settings payload length = %d, want 0", h.Length)
	}
}

func TestParseSettingsEmptyPayload(t *testing.T) {
	t.Parallel()

	s, err := ParseSettings(nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.MaxFieldSectionSize != quicvarint.Max {
		t.Fatalf("MaxFieldSectionSize = %d, want unlimited", s.MaxFieldSectionSize)
	}
	if s.EnableWebTransport || s.EnableDatagram || s.EnableConnectProtocol {
		t.Fatalf("boolean settings set on empty payload: %+v", s)
	}
}

func TestParseSettingsUnknownIgnored(t *testing.T) {
	t.Parallel()

	var p []byte
	p = appendSetting(p, 0x4d44, 98)
	p = appendSetting(p, SettingMaxFieldSectionSize, 512)

	s, err := ParseSettings(p)
	if err != nil {
		t.Fatal(err)
	}
	if s.MaxFieldSectionSize != 512 {
		t.Fatalf("MaxFieldSectionSize = %d, want 512", s.MaxFieldSectionSize)
	}
}

func TestParseSettingsDuplicate(t *testing.T) {
	t.Parallel()

	var p []byte
	p = appendSetting(p, SettingEnableWebTransport, 1)
	p = appendSetting(p, SettingEnableWebTransport, 1)

	var serr *SettingsError
	if _, err := ParseSettings(p); !errors.As(err, &serr) {
		t.Fatalf("err = %v, want *SettingsError", err)
	}
}

func TestParseSettingsReservedHTTP2(t *testing.T) {
	t.Parallel()

	for _, id := range []uint64{0x00, 0x02, 0x03, 0x04, 0x05} {
		var serr *SettingsError
		if _, err := ParseSettings(appendSetting(nil, id, 1)); !errors.As(err, &serr) {
			t.Fatalf("setting %#x: err = %v, want *SettingsError", id, err)
		}
	}
}

func TestParseSettingsBadBooleanValue(t *testing.T) {
	t.Parallel()

	var serr *SettingsError
	if _, err := ParseSettings(appendSetting(nil, SettingH3Datagram, 2)); !errors.As(err, &serr) {
		t.Fatalf("err = %v, want *SettingsError", err)
	}
}

func TestParseSettingsTruncated(t *testing.T) {
	t.Parallel()

	// An id with no value.
	p := quicvarint.Append(nil, SettingMaxFieldSectionSize)

	var perr *ParseError
	if _, err := ParseSettings(p); !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
}
