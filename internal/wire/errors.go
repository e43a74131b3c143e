package wire

import "fmt"

// ParseError indicates a structurally malformed frame payload. It wraps
// the underlying error and records which field was being parsed.
// Structural damage maps to H3_FRAME_ERROR at the connection layer.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// SettingsError indicates a structurally valid but semantically illegal
// SETTINGS entry (RFC 9114 §7.2.4.1). It maps to H3_SETTINGS_ERROR at
// the connection layer.
type SettingsError struct {
	ID     uint64
	Reason string
}

func (e *SettingsError) Error() string {
	return fmt.Sprintf("wire: setting %#x: %s", e.ID, e.Reason)
}
