// Package memory implements blob.Container in-process. It honours entity
// tags, leases and snapshots the same way the remote backends do and is
// intended for tests and local development.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/blobkv/internal/blob"
	"pkt.systems/blobkv/internal/clock"
)

// Option configures a Container.
type Option func(*Container)

// WithClock sets the time source used for timestamps and lease expiry.
func WithClock(c clock.Clock) Option {
	return func(m *Container) {
		m.clock = clock.Or(c)
	}
}

// WithoutCreate starts the container in the not-yet-created state so that
// operations fail with blob.ErrNotFound until Create is called.
func WithoutCreate() Option {
	return func(m *Container) {
		m.created = false
	}
}

// Container is an in-memory blob.Container.
type Container struct {
	name  string
	clock clock.Clock

	mu        sync.Mutex
	created   bool
	objects   map[string]*entry
	snapshots map[string][]snapshot
}

type entry struct {
	payload []byte
	props   blob.Properties
	lease   lease
}

type lease struct {
	id      string
	expires time.Time
	forever bool
}

type snapshot struct {
	id      string
	payload []byte
	props   blob.Properties
}

// New returns a ready container named name.
func New(name string, opts ...Option) *Container {
	c := &Container{
		name:      name,
		clock:     clock.Real{},
		created:   true,
		objects:   make(map[string]*entry),
		snapshots: make(map[string][]snapshot),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the container name.
func (c *Container) Name() string { return c.name }

// Create marks the container as existing.
func (c *Container) Create(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.created {
		return blob.ErrContainerExists
	}
	c.created = true
	return nil
}

// Object returns a reference to namespace/key.
func (c *Container) Object(namespace, key string) (blob.Object, error) {
	name, err := blob.ObjectName(namespace, key)
	if err != nil {
		return nil, err
	}
	return &object{c: c, name: name}, nil
}

// List returns one page of live objects in name order.
func (c *Container) List(ctx context.Context, opts blob.ListOptions) (blob.ListPage, error) {
	if err := ctx.Err(); err != nil {
		return blob.ListPage{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.created {
		return blob.ListPage{}, blob.ErrNotFound
	}
	names := make([]string, 0, len(c.objects))
	for name := range c.objects {
		if strings.HasPrefix(name, opts.Prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	start := 0
	if opts.Marker != "" {
		start = sort.Search(len(names), func(i int) bool { return names[i] > opts.Marker })
	}
	end := len(names)
	if opts.MaxResults > 0 && start+opts.MaxResults < end {
		end = start + opts.MaxResults
	}
	page := blob.ListPage{Items: make([]blob.Item, 0, end-start)}
	for _, name := range names[start:end] {
		props := c.objects[name].props.Clone()
		if !opts.IncludeMetadata {
			props.Metadata = nil
		}
		page.Items = append(page.Items, blob.Item{Name: name, Properties: props})
	}
	if end < len(names) {
		page.NextMarker = names[end-1]
	}
	return page, nil
}

// SnapshotCount reports how many snapshots exist for namespace/key.
func (c *Container) SnapshotCount(namespace, key string) int {
	name, err := blob.ObjectName(namespace, key)
	if err != nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snapshots[name])
}

// Exists reports whether namespace/key is physically present, ignoring any
// expiration metadata.
func (c *Container) Exists(namespace, key string) bool {
	name, err := blob.ObjectName(namespace, key)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.objects[name]
	return ok
}

// LeaseHolder returns the id of the active lease on namespace/key, if any.
func (c *Container) LeaseHolder(namespace, key string) string {
	name, err := blob.ObjectName(namespace, key)
	if err != nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.objects[name]
	if !ok {
		return ""
	}
	return c.activeLeaseLocked(e)
}

func (c *Container) activeLeaseLocked(e *entry) string {
	if e.lease.id == "" {
		return ""
	}
	if e.lease.forever || c.clock.Now().Before(e.lease.expires) {
		return e.lease.id
	}
	e.lease = lease{}
	return ""
}

type object struct {
	c    *Container
	name string
}

func (o *object) Name() string { return o.name }

// lookup returns the entry for o. Callers hold c.mu.
func (o *object) lookup() (*entry, error) {
	if !o.c.created {
		return nil, blob.ErrNotFound
	}
	e, ok := o.c.objects[o.name]
	if !ok {
		return nil, nil
	}
	return e, nil
}

func (o *object) Properties(ctx context.Context, cond blob.Conditions) (blob.Properties, error) {
	if err := ctx.Err(); err != nil {
		return blob.Properties{}, err
	}
	o.c.mu.Lock()
	defer o.c.mu.Unlock()
	e, err := o.lookup()
	if err != nil {
		return blob.Properties{}, err
	}
	if e == nil {
		return blob.Properties{}, blob.ErrNotFound
	}
	if err := blob.EvaluateRead(cond, true, e.props); err != nil {
		return blob.Properties{}, err
	}
	return e.props.Clone(), nil
}

func (o *object) Download(ctx context.Context, cond blob.Conditions) (io.ReadCloser, blob.Properties, error) {
	if err := ctx.Err(); err != nil {
		return nil, blob.Properties{}, err
	}
	o.c.mu.Lock()
	defer o.c.mu.Unlock()
	e, err := o.lookup()
	if err != nil {
		return nil, blob.Properties{}, err
	}
	if err := blob.EvaluateRead(cond, e != nil, propsOf(e)); err != nil {
		return nil, blob.Properties{}, err
	}
	payload := append([]byte(nil), e.payload...)
	return io.NopCloser(bytes.NewReader(payload)), e.props.Clone(), nil
}

func (o *object) Upload(ctx context.Context, body io.Reader, opts blob.UploadOptions) (blob.Properties, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return blob.Properties{}, fmt.Errorf("memory: read body: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return blob.Properties{}, err
	}
	o.c.mu.Lock()
	defer o.c.mu.Unlock()
	e, err := o.lookup()
	if err != nil {
		return blob.Properties{}, err
	}
	if err := o.checkWriteLocked(e, opts.Conditions); err != nil {
		return blob.Properties{}, err
	}
	now := o.c.clock.Now()
	contentType := opts.ContentType
	if contentType == "" {
		contentType = blob.ContentTypeOctetStream
	}
	props := blob.Properties{
		ETag:            blob.NewVersionToken(),
		ContentType:     contentType,
		ContentEncoding: opts.ContentEncoding,
		ContentLength:   int64(len(payload)),
		CreatedAt:       now,
		LastModified:    now,
		Metadata:        blob.CloneMetadata(opts.Metadata),
	}
	if e == nil {
		e = &entry{}
		o.c.objects[o.name] = e
	} else {
		props.CreatedAt = e.props.CreatedAt
	}
	e.payload = payload
	e.props = props
	return props.Clone(), nil
}

func (o *object) SetHTTPHeaders(ctx context.Context, contentType, contentEncoding string, cond blob.Conditions) (blob.Properties, error) {
	return o.mutate(ctx, cond, func(p *blob.Properties) {
		p.ContentType = contentType
		p.ContentEncoding = contentEncoding
	})
}

func (o *object) SetMetadata(ctx context.Context, metadata map[string]string, cond blob.Conditions) (blob.Properties, error) {
	return o.mutate(ctx, cond, func(p *blob.Properties) {
		p.Metadata = blob.CloneMetadata(metadata)
	})
}

func (o *object) mutate(ctx context.Context, cond blob.Conditions, apply func(*blob.Properties)) (blob.Properties, error) {
	if err := ctx.Err(); err != nil {
		return blob.Properties{}, err
	}
	o.c.mu.Lock()
	defer o.c.mu.Unlock()
	e, err := o.lookup()
	if err != nil {
		return blob.Properties{}, err
	}
	if e == nil {
		return blob.Properties{}, blob.ErrNotFound
	}
	if err := o.checkWriteLocked(e, cond); err != nil {
		return blob.Properties{}, err
	}
	apply(&e.props)
	e.props.ETag = blob.NewVersionToken()
	e.props.LastModified = o.c.clock.Now()
	return e.props.Clone(), nil
}

func (o *object) Snapshot(ctx context.Context, cond blob.Conditions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	o.c.mu.Lock()
	defer o.c.mu.Unlock()
	e, err := o.lookup()
	if err != nil {
		return "", err
	}
	if e == nil {
		return "", blob.ErrNotFound
	}
	if err := blob.EvaluateWrite(cond, true, e.props); err != nil {
		return "", err
	}
	// Snapshots may be taken by the lease holder or without a lease, but a
	// stale lease id is rejected.
	if cond.LeaseID != "" {
		if err := blob.EvaluateLease(o.c.activeLeaseLocked(e), cond.LeaseID); err != nil {
			return "", err
		}
	}
	id := o.c.clock.Now().Format("2006-01-02T15:04:05.0000000Z")
	o.c.snapshots[o.name] = append(o.c.snapshots[o.name], snapshot{
		id:      id,
		payload: append([]byte(nil), e.payload...),
		props:   e.props.Clone(),
	})
	return id, nil
}

func (o *object) Delete(ctx context.Context, opts blob.DeleteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.c.mu.Lock()
	defer o.c.mu.Unlock()
	e, err := o.lookup()
	if err != nil {
		return err
	}
	if e == nil {
		return blob.ErrNotFound
	}
	if err := o.checkWriteLocked(e, opts.Conditions); err != nil {
		return err
	}
	if len(o.c.snapshots[o.name]) > 0 && !opts.IncludeSnapshots {
		return fmt.Errorf("memory: delete %s: object has snapshots: %w", o.name, blob.ErrPreconditionFailed)
	}
	delete(o.c.objects, o.name)
	delete(o.c.snapshots, o.name)
	return nil
}

func (o *object) AcquireLease(ctx context.Context, duration time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	o.c.mu.Lock()
	defer o.c.mu.Unlock()
	e, err := o.lookup()
	if err != nil {
		return "", err
	}
	if e == nil {
		return "", blob.ErrNotFound
	}
	if holder := o.c.activeLeaseLocked(e); holder != "" {
		return "", blob.ErrLeaseConflict
	}
	l := lease{id: blob.NewVersionToken()}
	if duration < 0 {
		l.forever = true
	} else {
		l.expires = o.c.clock.Now().Add(duration)
	}
	e.lease = l
	return l.id, nil
}

func (o *object) ReleaseLease(ctx context.Context, leaseID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.c.mu.Lock()
	defer o.c.mu.Unlock()
	e, err := o.lookup()
	if err != nil {
		return err
	}
	if e == nil {
		return blob.ErrNotFound
	}
	if e.lease.id != leaseID {
		return blob.ErrLeaseConflict
	}
	e.lease = lease{}
	return nil
}

func (o *object) checkWriteLocked(e *entry, cond blob.Conditions) error {
	if err := blob.EvaluateWrite(cond, e != nil, propsOf(e)); err != nil {
		return err
	}
	if e == nil {
		if cond.LeaseID != "" {
			return blob.ErrLeaseConflict
		}
		return nil
	}
	return blob.EvaluateLease(o.c.activeLeaseLocked(e), cond.LeaseID)
}

func propsOf(e *entry) blob.Properties {
	if e == nil {
		return blob.Properties{}
	}
	return e.props
}
