package objstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"pkt.systems/blobkv/internal/blob"
	"pkt.systems/blobkv/internal/clock"
)

// Reserved metadata keys and prefixes. Caller metadata is carried as one
// encoded value so that keys which collide with HTTP headers (Expires,
// Content-*) survive S3 clients that promote them to standard headers.
const (
	VersionMetadataKey = "Blobkv-Version"
	CreatedMetadataKey = "Blobkv-Created"
	UserMetadataKey    = "Blobkv-Meta"

	leasesDir    = ".leases"
	snapshotsDir = ".snapshots"
)

// Options configures a Container.
type Options struct {
	Name   string
	Prefix string
	Clock  clock.Clock
}

// Container implements blob.Container on top of a Driver.
type Container struct {
	driver Driver
	name   string
	prefix string
	clock  clock.Clock
}

// New wraps driver.
func New(driver Driver, opts Options) *Container {
	return &Container{
		driver: driver,
		name:   opts.Name,
		prefix: strings.Trim(opts.Prefix, "/"),
		clock:  clock.Or(opts.Clock),
	}
}

// Name returns the bucket name.
func (c *Container) Name() string { return c.name }

// Create creates the underlying bucket.
func (c *Container) Create(ctx context.Context) error {
	return c.driver.CreateBucket(ctx)
}

// Object returns a reference to namespace/key.
func (c *Container) Object(namespace, key string) (blob.Object, error) {
	name, err := blob.ObjectName(namespace, key)
	if err != nil {
		return nil, err
	}
	first, _, _ := strings.Cut(name, "/")
	if first == leasesDir || first == snapshotsDir {
		return nil, fmt.Errorf("objstore: name %q uses a reserved prefix", name)
	}
	return &object{c: c, name: name}, nil
}

// List returns one page of live objects.
func (c *Container) List(ctx context.Context, opts blob.ListOptions) (blob.ListPage, error) {
	limit := opts.MaxResults
	if limit <= 0 {
		limit = 1000
	}
	startAfter := ""
	if opts.Marker != "" {
		startAfter = c.key(opts.Marker)
	}
	attrs, more, err := c.driver.List(ctx, c.key(opts.Prefix), startAfter, limit, opts.IncludeMetadata)
	if err != nil {
		return blob.ListPage{}, err
	}
	page := blob.ListPage{}
	lastName := ""
	for _, a := range attrs {
		name := c.name0(a.Key)
		lastName = name
		first, _, _ := strings.Cut(name, "/")
		if first == leasesDir || first == snapshotsDir {
			continue
		}
		page.Items = append(page.Items, blob.Item{Name: name, Properties: c.props(a)})
	}
	if more && lastName != "" {
		page.NextMarker = lastName
	}
	return page, nil
}

func (c *Container) key(name string) string {
	if c.prefix == "" {
		return name
	}
	return c.prefix + "/" + name
}

func (c *Container) name0(key string) string {
	if c.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, c.prefix+"/")
}

// props converts raw attributes into the emulated view.
func (c *Container) props(a Attrs) blob.Properties {
	p := blob.Properties{
		ETag:            a.ETag,
		ContentType:     a.ContentType,
		ContentEncoding: a.ContentEncoding,
		ContentLength:   a.Size,
		CreatedAt:       a.LastModified,
		LastModified:    a.LastModified,
	}
	if v, ok := blob.LookupMetadata(a.Metadata, VersionMetadataKey); ok && v != "" {
		p.ETag = v
	}
	if v, ok := blob.LookupMetadata(a.Metadata, CreatedMetadataKey); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			p.CreatedAt = ts
		}
	}
	if v, ok := blob.LookupMetadata(a.Metadata, UserMetadataKey); ok && v != "" {
		p.Metadata = decodeMetadata(v)
	}
	return p
}

type object struct {
	c    *Container
	name string
}

type leaseRecord struct {
	ID      string    `json:"id"`
	Expires time.Time `json:"expires,omitempty"`
	Forever bool      `json:"forever,omitempty"`
}

func (o *object) Name() string { return o.name }

func (o *object) key() string         { return o.c.key(o.name) }
func (o *object) leaseKey() string    { return o.c.key(path.Join(leasesDir, o.name)) }
func (o *object) snapshotDir() string { return o.c.key(path.Join(snapshotsDir, o.name)) + "/" }

// stat returns the raw attributes and whether the object exists.
func (o *object) stat(ctx context.Context) (Attrs, bool, error) {
	attrs, err := o.c.driver.Stat(ctx, o.key())
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return Attrs{}, false, nil
		}
		return Attrs{}, false, err
	}
	return attrs, true, nil
}

func (o *object) Properties(ctx context.Context, cond blob.Conditions) (blob.Properties, error) {
	attrs, exists, err := o.stat(ctx)
	if err != nil {
		return blob.Properties{}, err
	}
	props := o.c.props(attrs)
	if err := blob.EvaluateRead(cond, exists, props); err != nil {
		return blob.Properties{}, err
	}
	return props, nil
}

func (o *object) Download(ctx context.Context, cond blob.Conditions) (io.ReadCloser, blob.Properties, error) {
	rc, attrs, err := o.c.driver.Get(ctx, o.key())
	if err != nil {
		return nil, blob.Properties{}, err
	}
	props := o.c.props(attrs)
	if err := blob.EvaluateRead(cond, true, props); err != nil {
		rc.Close()
		return nil, blob.Properties{}, err
	}
	return rc, props, nil
}

func (o *object) Upload(ctx context.Context, body io.Reader, opts blob.UploadOptions) (blob.Properties, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return blob.Properties{}, fmt.Errorf("objstore: read body: %w", err)
	}
	attrs, exists, err := o.checkWrite(ctx, opts.Conditions)
	if err != nil {
		return blob.Properties{}, err
	}
	now := o.c.clock.Now()
	created := now
	putOpts := PutOptions{
		ContentType:     opts.ContentType,
		ContentEncoding: opts.ContentEncoding,
	}
	if putOpts.ContentType == "" {
		putOpts.ContentType = blob.ContentTypeOctetStream
	}
	if exists {
		created = o.c.props(attrs).CreatedAt
		putOpts.IfMatch = attrs.ETag
	} else {
		putOpts.IfNoneMatch = "*"
	}
	version := blob.NewVersionToken()
	putOpts.Metadata = stamp(opts.Metadata, version, created)
	out, err := o.c.driver.Put(ctx, o.key(), bytes.NewReader(payload), int64(len(payload)), putOpts)
	if err != nil {
		return blob.Properties{}, err
	}
	out.Metadata = putOpts.Metadata
	out.ContentType = putOpts.ContentType
	out.ContentEncoding = putOpts.ContentEncoding
	out.Size = int64(len(payload))
	if out.LastModified.IsZero() {
		out.LastModified = now
	}
	return o.c.props(out), nil
}

func (o *object) SetHTTPHeaders(ctx context.Context, contentType, contentEncoding string, cond blob.Conditions) (blob.Properties, error) {
	return o.rewrite(ctx, cond, func(a *Attrs) {
		a.ContentType = contentType
		a.ContentEncoding = contentEncoding
	})
}

func (o *object) SetMetadata(ctx context.Context, metadata map[string]string, cond blob.Conditions) (blob.Properties, error) {
	return o.rewrite(ctx, cond, func(a *Attrs) {
		a.Metadata = blob.CloneMetadata(metadata)
	})
}

// rewrite copies the object onto itself with replaced headers or metadata,
// minting a new version.
func (o *object) rewrite(ctx context.Context, cond blob.Conditions, apply func(*Attrs)) (blob.Properties, error) {
	attrs, exists, err := o.checkWrite(ctx, cond)
	if err != nil {
		return blob.Properties{}, err
	}
	if !exists {
		return blob.Properties{}, blob.ErrNotFound
	}
	current := o.c.props(attrs)
	next := Attrs{
		ContentType:     attrs.ContentType,
		ContentEncoding: attrs.ContentEncoding,
		Metadata:        current.Metadata,
	}
	apply(&next)
	metadata := stamp(next.Metadata, blob.NewVersionToken(), current.CreatedAt)
	out, err := o.c.driver.Copy(ctx, o.key(), o.key(), CopyOptions{
		SourceIfMatch:   attrs.ETag,
		ReplaceMetadata: true,
		ContentType:     next.ContentType,
		ContentEncoding: next.ContentEncoding,
		Metadata:        metadata,
	})
	if err != nil {
		return blob.Properties{}, err
	}
	out.Metadata = metadata
	out.ContentType = next.ContentType
	out.ContentEncoding = next.ContentEncoding
	out.Size = attrs.Size
	return o.c.props(out), nil
}

func (o *object) Snapshot(ctx context.Context, cond blob.Conditions) (string, error) {
	attrs, exists, err := o.stat(ctx)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", blob.ErrNotFound
	}
	if err := blob.EvaluateWrite(cond, true, o.c.props(attrs)); err != nil {
		return "", err
	}
	if cond.LeaseID != "" {
		holder, _, err := o.leaseHolder(ctx)
		if err != nil {
			return "", err
		}
		if err := blob.EvaluateLease(holder, cond.LeaseID); err != nil {
			return "", err
		}
	}
	id := blob.NewVersionToken()
	if _, err := o.c.driver.Copy(ctx, o.key(), o.snapshotDir()+id, CopyOptions{SourceIfMatch: attrs.ETag}); err != nil {
		return "", err
	}
	return id, nil
}

func (o *object) Delete(ctx context.Context, opts blob.DeleteOptions) error {
	attrs, exists, err := o.checkWrite(ctx, opts.Conditions)
	if err != nil {
		return err
	}
	if !exists {
		return blob.ErrNotFound
	}
	snapshots, err := o.snapshotKeys(ctx)
	if err != nil {
		return err
	}
	if len(snapshots) > 0 && !opts.IncludeSnapshots {
		return fmt.Errorf("objstore: delete %s: object has snapshots: %w", o.name, blob.ErrPreconditionFailed)
	}
	// The checked version must still be current when the delete lands.
	if err := o.c.driver.Delete(ctx, o.key(), DeleteOptions{IfMatch: attrs.ETag}); err != nil {
		return err
	}
	for _, key := range snapshots {
		if err := o.c.driver.Delete(ctx, key, DeleteOptions{}); err != nil && !errors.Is(err, blob.ErrNotFound) {
			return err
		}
	}
	if err := o.c.driver.Delete(ctx, o.leaseKey(), DeleteOptions{}); err != nil && !errors.Is(err, blob.ErrNotFound) {
		return err
	}
	return nil
}

func (o *object) AcquireLease(ctx context.Context, duration time.Duration) (string, error) {
	if _, exists, err := o.stat(ctx); err != nil {
		return "", err
	} else if !exists {
		return "", blob.ErrNotFound
	}
	holder, native, err := o.leaseHolder(ctx)
	if err != nil {
		return "", err
	}
	if holder != "" {
		return "", blob.ErrLeaseConflict
	}
	rec := leaseRecord{ID: blob.NewVersionToken()}
	if duration < 0 {
		rec.Forever = true
	} else {
		rec.Expires = o.c.clock.Now().Add(duration)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("objstore: encode lease: %w", err)
	}
	putOpts := PutOptions{ContentType: "application/json"}
	if native != "" {
		putOpts.IfMatch = native
	} else {
		putOpts.IfNoneMatch = "*"
	}
	if _, err := o.c.driver.Put(ctx, o.leaseKey(), bytes.NewReader(payload), int64(len(payload)), putOpts); err != nil {
		if errors.Is(err, blob.ErrPreconditionFailed) {
			return "", blob.ErrLeaseConflict
		}
		return "", err
	}
	return rec.ID, nil
}

func (o *object) ReleaseLease(ctx context.Context, leaseID string) error {
	rec, native, err := o.readLease(ctx)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return blob.ErrLeaseConflict
		}
		return err
	}
	if rec.ID != leaseID {
		return blob.ErrLeaseConflict
	}
	if err := o.c.driver.Delete(ctx, o.leaseKey(), DeleteOptions{IfMatch: native}); err != nil {
		switch {
		case errors.Is(err, blob.ErrNotFound):
			return nil
		case errors.Is(err, blob.ErrPreconditionFailed):
			return blob.ErrLeaseConflict
		}
		return err
	}
	return nil
}

// checkWrite evaluates cond and the lease state for a mutation.
func (o *object) checkWrite(ctx context.Context, cond blob.Conditions) (Attrs, bool, error) {
	attrs, exists, err := o.stat(ctx)
	if err != nil {
		return Attrs{}, false, err
	}
	if err := blob.EvaluateWrite(cond, exists, o.c.props(attrs)); err != nil {
		return Attrs{}, false, err
	}
	if !exists {
		if cond.LeaseID != "" {
			return Attrs{}, false, blob.ErrLeaseConflict
		}
		return attrs, false, nil
	}
	holder, _, err := o.leaseHolder(ctx)
	if err != nil {
		return Attrs{}, false, err
	}
	if err := blob.EvaluateLease(holder, cond.LeaseID); err != nil {
		return Attrs{}, false, err
	}
	return attrs, true, nil
}

// leaseHolder returns the active lease id (empty when none) and the native
// entity tag of the lease record, if one exists.
func (o *object) leaseHolder(ctx context.Context) (string, string, error) {
	rec, native, err := o.readLease(ctx)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return "", "", nil
		}
		return "", "", err
	}
	if rec.Forever || o.c.clock.Now().Before(rec.Expires) {
		return rec.ID, native, nil
	}
	return "", native, nil
}

func (o *object) readLease(ctx context.Context) (leaseRecord, string, error) {
	rc, attrs, err := o.c.driver.Get(ctx, o.leaseKey())
	if err != nil {
		return leaseRecord{}, "", err
	}
	defer rc.Close()
	var rec leaseRecord
	if err := json.NewDecoder(rc).Decode(&rec); err != nil {
		return leaseRecord{}, "", fmt.Errorf("objstore: decode lease: %w", err)
	}
	return rec, attrs.ETag, nil
}

func (o *object) snapshotKeys(ctx context.Context) ([]string, error) {
	var keys []string
	startAfter := ""
	for {
		attrs, more, err := o.c.driver.List(ctx, o.snapshotDir(), startAfter, 1000, false)
		if err != nil {
			return nil, err
		}
		for _, a := range attrs {
			keys = append(keys, a.Key)
			startAfter = a.Key
		}
		if !more || len(attrs) == 0 {
			return keys, nil
		}
	}
}

func stamp(md map[string]string, version string, created time.Time) map[string]string {
	out := map[string]string{
		VersionMetadataKey: version,
		CreatedMetadataKey: created.UTC().Format(time.RFC3339Nano),
	}
	if len(md) > 0 {
		out[UserMetadataKey] = encodeMetadata(md)
	}
	return out
}

func encodeMetadata(md map[string]string) string {
	raw, _ := json.Marshal(md)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeMetadata(v string) map[string]string {
	raw, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		return nil
	}
	var md map[string]string
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil
	}
	return md
}
