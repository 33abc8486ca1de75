package kv

import (
	"time"

	"pkt.systems/blobkv/internal/blob"
)

// ExpiresMetadataKey and ExpiresLayout define the persisted expiration
// format. Existing data depends on both.
const (
	ExpiresMetadataKey = "Expires"
	ExpiresLayout      = "2006-01-02T15:04:05Z"
)

// FormatExpires renders t in the persisted layout (UTC, second precision).
func FormatExpires(t time.Time) string {
	return t.UTC().Format(ExpiresLayout)
}

// ParseExpires reads the expiration stored in md. ok is false when no value
// is present or it does not parse.
func ParseExpires(md map[string]string) (time.Time, bool) {
	raw, found := blob.LookupMetadata(md, ExpiresMetadataKey)
	if !found {
		return time.Time{}, false
	}
	t, err := time.Parse(ExpiresLayout, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// expired reports whether md carries an expiration at or before now.
func expired(md map[string]string, now time.Time) bool {
	t, ok := ParseExpires(md)
	return ok && !t.After(now)
}
