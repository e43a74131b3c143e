package header

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/quic-go/qpack"
)

// fieldOverhead is the per-field accounting overhead of RFC 9114 §4.2.2.
const fieldOverhead = 32

// MessageError reports a field section that violates the HTTP/3 message
// rules (RFC 9114 §4.1.2). It maps to H3_MESSAGE_ERROR at the
// connection layer.
type MessageError struct {
	Reason string
}

func (e *MessageError) Error() string {
	return "header: malformed message: " + e.Reason
}

// SectionSize returns the field-section size of fields: the sum of name
// length, value length, and 32 for each field.
func SectionSize(fields []qpack.HeaderField) uint64 {
	var n uint64
	for _, f := range fields {
		n += uint64(len(f.Name)) + uint64(len(f.Value)) + fieldOverhead
	}
	return n
}

// DecodeBlock decodes a QPACK field section and reports its size.
func DecodeBlock(block []byte) ([]qpack.HeaderField, uint64, error) {
	fields, err := qpack.NewDecoder(nil).DecodeFull(block)
	if err != nil {
		return nil, 0, fmt.Errorf("header: decode field section: %w", err)
	}
	return fields, SectionSize(fields), nil
}

// RequestFromFields builds an *http.Request from a decoded request
// field section. For extended CONNECT (RFC 9220) the :protocol token is
// exposed as Request.Proto; all other requests carry "HTTP/3.0". The
// request body is not attached here.
func RequestFromFields(fields []qpack.HeaderField) (*http.Request, error) {
	var method, scheme, authority, path, protocol, contentLength string
	seenPseudo := make(map[string]bool, 5)
	hdr := make(http.Header, len(fields))
	sawRegular := false

	for _, f := range fields {
		if f.IsPseudo() {
			if sawRegular {
				return nil, &MessageError{"pseudo field after regular field"}
			}
			if seenPseudo[f.Name] {
				return nil, &MessageError{"duplicate pseudo field " + f.Name}
			}
			seenPseudo[f.Name] = true
			switch f.Name {
			case ":method":
				method = f.Value
			case ":scheme":
				scheme = f.Value
			case ":authority":
				authority = f.Value
			case ":path":
				path = f.Value
			case ":protocol":
				protocol = f.Value
			default:
				return nil, &MessageError{"unknown pseudo field " + f.Name}
			}
			continue
		}

		sawRegular = true
		if f.Name != strings.ToLower(f.Name) {
			return nil, &MessageError{"uppercase field name " + f.Name}
		}
		if isConnectionSpecific(f.Name) {
			return nil, &MessageError{"connection-specific field " + f.Name}
		}
		if f.Name == "te" && f.Value != "trailers" {
			return nil, &MessageError{"te field with value " + f.Value}
		}
		if f.Name == "content-length" {
			contentLength = f.Value
		}
		hdr.Add(f.Name, f.Value)
	}

	if method == "" {
		return nil, &MessageError{"missing :method"}
	}
	if authority == "" {
		authority = hdr.Get("Host")
	}

	var (
		u          *url.URL
		requestURI string
	)
	switch {
	case method == http.MethodConnect && protocol == "":
		if scheme != "" || path != "" {
			return nil, &MessageError{"CONNECT with :scheme or :path"}
		}
		if authority == "" {
			return nil, &MessageError{"CONNECT without :authority"}
		}
		u = &url.URL{Host: authority}
		requestURI = authority
	case method == http.MethodConnect:
		// Extended CONNECT (RFC 9220 §3).
		if scheme == "" || path == "" || authority == "" {
			return nil, &MessageError{"extended CONNECT missing :scheme, :path, or :authority"}
		}
		var err error
		if u, err = url.ParseRequestURI(path); err != nil {
			return nil, &MessageError{"invalid :path " + path}
		}
		u.Scheme = scheme
		u.Host = authority
		requestURI = path
	default:
		if protocol != "" {
			return nil, &MessageError{":protocol on a non-CONNECT request"}
		}
		if scheme == "" || path == "" {
			return nil, &MessageError{"missing :scheme or :path"}
		}
		var err error
		if u, err = url.ParseRequestURI(path); err != nil {
			return nil, &MessageError{"invalid :path " + path}
		}
		u.Scheme = scheme
		u.Host = authority
		requestURI = path
	}

	var length int64
	if contentLength != "" {
		cl, err := strconv.ParseUint(contentLength, 10, 63)
		if err != nil {
			return nil, &MessageError{"invalid content-length " + contentLength}
		}
		length = int64(cl)
	}

	proto := "HTTP/3.0"
	if protocol != "" {
		proto = protocol
	}
	return &http.Request{
		Method:        method,
		URL:           u,
		Proto:         proto,
		ProtoMajor:    3,
		Header:        hdr,
		Host:          authority,
		RequestURI:    requestURI,
		ContentLength: length,
	}, nil
}

// TrailerFromFields builds an http.Header from a decoded trailer
// section. Pseudo fields are not permitted in trailers.
func TrailerFromFields(fields []qpack.HeaderField) (http.Header, error) {
	trailer := make(http.Header, len(fields))
	for _, f := range fields {
		if f.IsPseudo() {
			return nil, &MessageError{"pseudo field " + f.Name + " in trailers"}
		}
		trailer.Add(f.Name, f.Value)
	}
	return trailer, nil
}

// EncodeResponse encodes a response field section carrying :status and
// hdr, reporting the section size alongside the QPACK block.
func EncodeResponse(status int, hdr http.Header) ([]byte, uint64, error) {
	if status < 100 || status > 999 {
		return nil, 0, fmt.Errorf("header: invalid status %d", status)
	}
	fields := []qpack.HeaderField{{Name: ":status", Value: strconv.Itoa(status)}}
	fields, err := appendFieldMap(fields, hdr)
	if err != nil {
		return nil, 0, err
	}
	return encodeFields(fields)
}

// EncodeTrailers encodes a trailer field section.
func EncodeTrailers(hdr http.Header) ([]byte, uint64, error) {
	fields, err := appendFieldMap(nil, hdr)
	if err != nil {
		return nil, 0, err
	}
	return encodeFields(fields)
}

func encodeFields(fields []qpack.HeaderField) ([]byte, uint64, error) {
	var buf bytes.Buffer
	enc := qpack.NewEncoder(&buf)
	for _, f := range fields {
		if err := enc.WriteField(f); err != nil {
			return nil, 0, fmt.Errorf("header: encode %s: %w", f.Name, err)
		}
	}
	return buf.Bytes(), SectionSize(fields), nil
}

// appendFieldMap flattens an http.Header into lower-cased fields in a
// deterministic (sorted) order.
func appendFieldMap(fields []qpack.HeaderField, hdr http.Header) ([]qpack.HeaderField, error) {
	keys := make([]string, 0, len(hdr))
	for k := range hdr {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := strings.ToLower(k)
		if strings.HasPrefix(name, ":") {
			return nil, &MessageError{"pseudo field " + k + " in field map"}
		}
		if isConnectionSpecific(name) {
			return nil, &MessageError{"connection-specific field " + k}
		}
		for _, v := range hdr[k] {
			fields = append(fields, qpack.HeaderField{Name: name, Value: v})
		}
	}
	return fields, nil
}

// isConnectionSpecific reports field names that RFC 9114 §4.2 forbids
// in HTTP/3 messages.
func isConnectionSpecific(name string) bool {
	switch name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return true
	}
	return false
}
