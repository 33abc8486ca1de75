package kv

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// DefaultCharset is used for string values when no charset is requested.
const DefaultCharset = "utf-8"

// lookupCharset resolves a WHATWG charset label. Blank or unknown labels
// resolve to UTF-8 with ok=false.
func lookupCharset(label string) (encoding.Encoding, string, bool) {
	label = strings.TrimSpace(label)
	if label == "" {
		return unicode.UTF8, DefaultCharset, false
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return unicode.UTF8, DefaultCharset, false
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		name = strings.ToLower(label)
	}
	return enc, name, true
}

// decodeString converts data declared with charset into a Go string.
func decodeString(data []byte, charset string) (string, error) {
	enc, name, _ := lookupCharset(charset)
	if name == DefaultCharset {
		return string(data), nil
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("kv: decode %s: %w", name, err)
	}
	return string(out), nil
}

// encodeString converts s into charset and returns the canonical charset
// name to record with the value.
func encodeString(s, charset string) ([]byte, string, error) {
	enc, name, ok := lookupCharset(charset)
	if !ok && strings.TrimSpace(charset) != "" {
		return nil, "", fmt.Errorf("kv: unknown charset %q", charset)
	}
	if name == DefaultCharset {
		return []byte(s), name, nil
	}
	out, err := enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, "", fmt.Errorf("kv: encode %s: %w", name, err)
	}
	return out, name, nil
}
