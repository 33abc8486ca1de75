package blob

import "strings"

// CloneMetadata returns a copy of md, or nil when md is empty.
func CloneMetadata(md map[string]string) map[string]string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// LookupMetadata finds key in md ignoring case. Backends canonicalise
// metadata keys differently (HTTP header casing, lower-casing).
func LookupMetadata(md map[string]string, key string) (string, bool) {
	if v, ok := md[key]; ok {
		return v, true
	}
	for k, v := range md {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// WithoutMetadata returns a copy of md with key removed (case-insensitive).
func WithoutMetadata(md map[string]string, key string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		if strings.EqualFold(k, key) {
			continue
		}
		out[k] = v
	}
	return out
}

// WithMetadata returns a copy of md with key set to value, replacing any
// existing entry that differs only in case.
func WithMetadata(md map[string]string, key, value string) map[string]string {
	out := WithoutMetadata(md, key)
	out[key] = value
	return out
}
