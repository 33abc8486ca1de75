// Package kv implements a conditional, lease-protected key-value store on top
// of a blob.Container. Entries carry entity tags for optimistic concurrency,
// are serialised through short backend leases while being mutated, can be
// snapshotted before overwrite and expire through an "Expires" metadata
// value that readers and the sweeper honour.
package kv

import (
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrNotFound is returned by reads in strict mode (FailOnMissing) when
	// the entry does not exist or has expired.
	ErrNotFound = errors.New("kv: not found")
	// ErrLeaseUnavailable is returned when a write lease could not be acquired
	// because another writer holds the entry.
	ErrLeaseUnavailable = errors.New("kv: lease unavailable")
	// ErrPreconditionFailed is returned by the Adapter when a concurrency
	// stamp no longer matches.
	ErrPreconditionFailed = errors.New("kv: precondition failed")
)

// ConfigurationError reports that the store cannot reach its backend because
// of missing or unusable configuration.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return "kv: configuration: " + e.Reason
	}
	return fmt.Sprintf("kv: configuration: %s: %v", e.Reason, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Status is the outcome of a conditional operation.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusNotModified
	StatusPreconditionFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusNotModified:
		return "not_modified"
	case StatusPreconditionFailed:
		return "precondition_failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Entry describes one stored version.
type Entry struct {
	Key             string
	Namespace       string
	ContentType     string
	ContentEncoding string
	ETag            string
	CreatedAt       time.Time
	LastModified    time.Time
	// ExpiresAt is zero when the entry never expires.
	ExpiresAt time.Time
	Size      int64
}

// Result is returned by Get, Put and GetStream. Body is only set by reads
// with StatusOK and must be closed by the caller.
type Result struct {
	Status Status
	Entry  Entry
	Body   io.ReadCloser
}

// Close closes Body when present.
func (r *Result) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// BytesResult is returned by GetBytes.
type BytesResult struct {
	Status Status
	Entry  Entry
	Value  []byte
}

// StringResult is returned by GetString.
type StringResult struct {
	Status Status
	Entry  Entry
	Value  string
}

// SnapshotResult is returned by Snapshot.
type SnapshotResult struct {
	Status     Status
	SnapshotID string
}

// SweepStats summarises one RemoveExpired pass.
type SweepStats struct {
	Scanned int
	Expired int
	Deleted int
	// Skipped counts expired entries that vanished or changed between
	// listing and deletion.
	Skipped int
}

// GetOptions configures Get and its variants.
type GetOptions struct {
	Namespace       string
	IfNoneMatch     string
	IfModifiedSince time.Time
	FailOnMissing   bool
}

// PutOptions configures Put and its variants.
type PutOptions struct {
	Namespace         string
	ContentType       string
	ContentEncoding   string
	IfMatch           string
	IfUnmodifiedSince time.Time
	ExpiresAt         time.Time
}

// DeleteOptions configures Delete.
type DeleteOptions struct {
	Namespace         string
	IfMatch           string
	IfUnmodifiedSince time.Time
}

// SnapshotOptions configures Snapshot.
type SnapshotOptions struct {
	Namespace         string
	IfMatch           string
	IfUnmodifiedSince time.Time
}
