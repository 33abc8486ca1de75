// Package objstore layers blob semantics (stable entity tags, leases and
// snapshots) over plain S3-style object stores that only offer conditional
// puts. Drivers supply the raw object primitives; Container emulates the rest
// using sidecar objects under reserved prefixes.
package objstore

import (
	"context"
	"io"
	"time"
)

// Attrs describes a raw object as reported by a driver. ETag is the
// store-native entity tag, not the emulated version exposed to callers.
type Attrs struct {
	Key             string
	ETag            string
	Size            int64
	LastModified    time.Time
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
}

// PutOptions configures Driver.Put. IfMatch and IfNoneMatch carry native
// entity tags; IfNoneMatch "*" requests create-only semantics.
type PutOptions struct {
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
	IfMatch         string
	IfNoneMatch     string
}

// CopyOptions configures Driver.Copy. When ReplaceMetadata is false the
// destination inherits the source headers and metadata.
type CopyOptions struct {
	SourceIfMatch   string
	ReplaceMetadata bool
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
}

// DeleteOptions configures Driver.Delete. A non-empty IfMatch carries the
// native entity tag the object must still have for the delete to apply.
type DeleteOptions struct {
	IfMatch string
}

// Driver is the minimal surface an object store must provide. Implementations
// report missing objects as blob.ErrNotFound, failed native preconditions as
// blob.ErrPreconditionFailed and an existing bucket as blob.ErrContainerExists.
type Driver interface {
	CreateBucket(ctx context.Context) error
	Stat(ctx context.Context, key string) (Attrs, error)
	Get(ctx context.Context, key string) (io.ReadCloser, Attrs, error)
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (Attrs, error)
	Copy(ctx context.Context, src, dst string, opts CopyOptions) (Attrs, error)
	Delete(ctx context.Context, key string, opts DeleteOptions) error
	// List returns up to limit objects with keys under prefix sorted after
	// startAfter, and whether more remain. Metadata is only populated when
	// withMetadata is set.
	List(ctx context.Context, prefix, startAfter string, limit int, withMetadata bool) ([]Attrs, bool, error)
}
