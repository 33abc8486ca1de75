package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// ContentTypeOctetStream is the content type applied when a writer supplies none.
const ContentTypeOctetStream = "application/octet-stream"

// Sentinel errors shared by all backends.
var (
	ErrNotFound           = errors.New("blob: not found")
	ErrPreconditionFailed = errors.New("blob: precondition failed")
	ErrNotModified        = errors.New("blob: not modified")
	ErrLeaseConflict      = errors.New("blob: lease conflict")
	ErrContainerExists    = errors.New("blob: container already exists")
	ErrNotImplemented     = errors.New("blob: not implemented")
)

// Conditions carries the optional preconditions accepted by object operations.
// Zero values are ignored. IfNoneMatch may be "*" to require absence.
type Conditions struct {
	IfMatch           string
	IfNoneMatch       string
	IfModifiedSince   *time.Time
	IfUnmodifiedSince *time.Time
	LeaseID           string
}

// IsZero reports whether no condition is set.
func (c Conditions) IsZero() bool {
	return c.IfMatch == "" && c.IfNoneMatch == "" && c.IfModifiedSince == nil && c.IfUnmodifiedSince == nil && c.LeaseID == ""
}

// Properties describes an object version.
type Properties struct {
	ETag            string
	ContentType     string
	ContentEncoding string
	ContentLength   int64
	CreatedAt       time.Time
	LastModified    time.Time
	Metadata        map[string]string
}

// Clone returns a deep copy of p.
func (p Properties) Clone() Properties {
	out := p
	out.Metadata = CloneMetadata(p.Metadata)
	return out
}

// UploadOptions configures Object.Upload. Metadata replaces any metadata
// already stored on the object.
type UploadOptions struct {
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
	Conditions      Conditions
}

// DeleteOptions configures Object.Delete.
type DeleteOptions struct {
	IncludeSnapshots bool
	Conditions       Conditions
}

// Item is one listed object with its properties.
type Item struct {
	Name       string
	Properties Properties
}

// ListOptions configures Container.List.
type ListOptions struct {
	Prefix          string
	Marker          string
	MaxResults      int
	IncludeMetadata bool
}

// ListPage is one page of listing results. NextMarker is empty on the last page.
type ListPage struct {
	Items      []Item
	NextMarker string
}

// Container is a named group of objects.
type Container interface {
	// Create creates the container, returning ErrContainerExists when present.
	Create(ctx context.Context) error
	// Object returns a reference to namespace/key. It performs no I/O.
	Object(namespace, key string) (Object, error)
	// List returns one page of live objects (snapshots excluded).
	List(ctx context.Context, opts ListOptions) (ListPage, error)
}

// Object is a reference to a single blob.
type Object interface {
	Name() string
	Properties(ctx context.Context, cond Conditions) (Properties, error)
	Download(ctx context.Context, cond Conditions) (io.ReadCloser, Properties, error)
	Upload(ctx context.Context, body io.Reader, opts UploadOptions) (Properties, error)
	SetHTTPHeaders(ctx context.Context, contentType, contentEncoding string, cond Conditions) (Properties, error)
	SetMetadata(ctx context.Context, metadata map[string]string, cond Conditions) (Properties, error)
	// Snapshot creates a read-only copy and returns its identifier.
	Snapshot(ctx context.Context, cond Conditions) (string, error)
	Delete(ctx context.Context, opts DeleteOptions) error
	// AcquireLease returns the granted lease id. ErrLeaseConflict is returned
	// when another holder owns an active lease.
	AcquireLease(ctx context.Context, duration time.Duration) (string, error)
	ReleaseLease(ctx context.Context, leaseID string) error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
