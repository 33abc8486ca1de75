package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"pkt.systems/pslog"

	"pkt.systems/blobkv/internal/blob"
	"pkt.systems/blobkv/internal/clock"
	"pkt.systems/blobkv/internal/loggingutil"
)

const (
	leaseRetryBase = 50 * time.Millisecond
	leaseRetryMax  = time.Second

	resolveTimeout = 30 * time.Second
)

// Store is the conditional, lease-protected key-value store.
type Store struct {
	opts    Options
	logger  pslog.Logger
	clock   clock.Clock
	metrics *storeMetrics

	group     singleflight.Group
	mu        sync.RWMutex
	container blob.Container
}

// New validates opts and returns a Store. No backend I/O happens until the
// first operation.
func New(opts Options) (*Store, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	logger := loggingutil.WithSubsystem(opts.Logger, "kv.store")
	s := &Store{
		opts:    opts,
		logger:  logger,
		clock:   clock.Or(opts.Clock),
		metrics: newStoreMetrics(logger),
	}
	if opts.Container != nil {
		s.container = s.decorate(opts.Container)
	}
	return s, nil
}

func (s *Store) decorate(c blob.Container) blob.Container {
	if s.opts.Decorate == nil {
		return c
	}
	return s.opts.Decorate(c)
}

// ensureReady returns the container handle, resolving it from the secret
// store on first use. Failed resolutions are not cached. Resolution runs
// detached from any one caller so a cancelled caller does not fail the others
// waiting on it.
func (s *Store) ensureReady(ctx context.Context) (blob.Container, error) {
	s.mu.RLock()
	c := s.container
	s.mu.RUnlock()
	if c != nil {
		return c, nil
	}
	ch := s.group.DoChan("container", func() (any, error) {
		s.mu.RLock()
		c := s.container
		s.mu.RUnlock()
		if c != nil {
			return c, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()
		resolved, err := s.resolve(rctx)
		if err != nil {
			return nil, err
		}
		resolved = s.decorate(resolved)
		s.mu.Lock()
		s.container = resolved
		s.mu.Unlock()
		return resolved, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(blob.Container), nil
	}
}

func (s *Store) resolve(ctx context.Context) (blob.Container, error) {
	name := s.opts.ConnectionStringSecret
	useConnectionString := name != ""
	if !useConnectionString {
		name = s.opts.SASSecret
	}
	if name == "" {
		return nil, &ConfigurationError{Reason: "no container and no credential secret configured"}
	}
	if s.opts.Secrets == nil {
		return nil, &ConfigurationError{Reason: "no secret resolver configured"}
	}
	if s.opts.Opener == nil {
		return nil, &ConfigurationError{Reason: "no container opener configured"}
	}
	if s.opts.ContainerName == "" {
		return nil, &ConfigurationError{Reason: "container name required"}
	}
	secret, err := s.opts.Secrets.Secret(ctx, name)
	if err != nil {
		return nil, &ConfigurationError{Reason: "resolve secret " + name, Err: err}
	}
	var c blob.Container
	if useConnectionString {
		c, err = s.opts.Opener.OpenConnectionString(ctx, secret, s.opts.ContainerName)
	} else {
		c, err = s.opts.Opener.OpenSharedAccessSignature(ctx, secret, s.opts.Account, s.opts.EndpointSuffix, s.opts.ContainerName)
	}
	if err != nil {
		return nil, &ConfigurationError{Reason: "open container " + s.opts.ContainerName, Err: err}
	}
	s.logger.Info("kv.container.resolved", "container", s.opts.ContainerName, "secret", name, "connection_string", useConnectionString)
	return c, nil
}

func (s *Store) namespace(ns string) string {
	if strings.TrimSpace(ns) == "" {
		return s.opts.DefaultNamespace
	}
	return ns
}

func (s *Store) object(ctx context.Context, namespace, key string) (blob.Object, error) {
	c, err := s.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	return c.Object(s.namespace(namespace), key)
}

func (s *Store) entry(key, namespace string, props blob.Properties) Entry {
	e := Entry{
		Key:             key,
		Namespace:       s.namespace(namespace),
		ContentType:     props.ContentType,
		ContentEncoding: props.ContentEncoding,
		ETag:            props.ETag,
		CreatedAt:       props.CreatedAt,
		LastModified:    props.LastModified,
		Size:            props.ContentLength,
	}
	if t, ok := ParseExpires(props.Metadata); ok {
		e.ExpiresAt = t
	}
	return e
}

func (s *Store) finish(ctx context.Context, op string, begin time.Time, status Status, err error) {
	result := status.String()
	if err != nil {
		result = "error"
	}
	s.metrics.recordOp(ctx, op, result, s.clock.Now().Sub(begin))
}

// Get reads key. With StatusOK the returned Body must be closed.
func (s *Store) Get(ctx context.Context, key string, opts GetOptions) (res *Result, err error) {
	begin := s.clock.Now()
	defer func() {
		status := StatusOK
		if res != nil {
			status = res.Status
		}
		s.finish(ctx, "get", begin, status, err)
	}()
	obj, err := s.object(ctx, opts.Namespace, key)
	if err != nil {
		return nil, err
	}
	notFound := func() (*Result, error) {
		if opts.FailOnMissing {
			return nil, fmt.Errorf("kv: get %s: %w", obj.Name(), ErrNotFound)
		}
		return &Result{Status: StatusNotFound, Entry: Entry{Key: key, Namespace: s.namespace(opts.Namespace)}}, nil
	}

	props, err := obj.Properties(ctx, blob.Conditions{})
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return notFound()
		}
		return nil, fmt.Errorf("kv: get %s: properties: %w", obj.Name(), err)
	}
	if expired(props.Metadata, s.clock.Now()) {
		if s.opts.DeleteExpiredOnRead {
			s.deleteExpired(ctx, obj, props.ETag)
		}
		return notFound()
	}
	entry := s.entry(key, opts.Namespace, props)
	if opts.IfNoneMatch != "" && blob.NormalizeETag(opts.IfNoneMatch) == blob.NormalizeETag(props.ETag) {
		return &Result{Status: StatusNotModified, Entry: entry}, nil
	}
	if !opts.IfModifiedSince.IsZero() && !props.LastModified.IsZero() && !props.LastModified.After(opts.IfModifiedSince) {
		return &Result{Status: StatusNotModified, Entry: entry}, nil
	}

	cond := blob.Conditions{IfNoneMatch: opts.IfNoneMatch}
	if !opts.IfModifiedSince.IsZero() {
		since := opts.IfModifiedSince
		cond.IfModifiedSince = &since
	}
	body, current, err := obj.Download(ctx, cond)
	if err != nil {
		switch {
		case errors.Is(err, blob.ErrNotFound):
			return notFound()
		case errors.Is(err, blob.ErrNotModified), errors.Is(err, blob.ErrPreconditionFailed):
			return &Result{Status: StatusNotModified, Entry: entry}, nil
		}
		return nil, fmt.Errorf("kv: get %s: download: %w", obj.Name(), err)
	}
	if current.CreatedAt.IsZero() && current.ETag == props.ETag {
		current.CreatedAt = props.CreatedAt
	}
	return &Result{Status: StatusOK, Entry: s.entry(key, opts.Namespace, current), Body: body}, nil
}

// deleteExpired removes an expired object guarded by etag. Failures are
// logged and ignored.
func (s *Store) deleteExpired(ctx context.Context, obj blob.Object, etag string) {
	err := obj.Delete(ctx, blob.DeleteOptions{
		IncludeSnapshots: true,
		Conditions:       blob.Conditions{IfMatch: etag},
	})
	if err != nil {
		s.logger.Debug("kv.get.expired_delete_failed", "name", obj.Name(), "error", err)
		return
	}
	s.logger.Debug("kv.get.expired_deleted", "name", obj.Name())
}

// GetStream is an alias of Get.
func (s *Store) GetStream(ctx context.Context, key string, opts GetOptions) (*Result, error) {
	return s.Get(ctx, key, opts)
}

// GetBytes reads key fully into memory.
func (s *Store) GetBytes(ctx context.Context, key string, opts GetOptions) (*BytesResult, error) {
	res, err := s.Get(ctx, key, opts)
	if err != nil {
		return nil, err
	}
	out := &BytesResult{Status: res.Status, Entry: res.Entry}
	if res.Body == nil {
		return out, nil
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("kv: get %s: read body: %w", key, err)
	}
	out.Value = data
	return out, nil
}

// GetString reads key and decodes it using the charset recorded as its
// content encoding, falling back to UTF-8.
func (s *Store) GetString(ctx context.Context, key string, opts GetOptions) (*StringResult, error) {
	res, err := s.GetBytes(ctx, key, opts)
	if err != nil {
		return nil, err
	}
	out := &StringResult{Status: res.Status, Entry: res.Entry}
	if res.Status != StatusOK {
		return out, nil
	}
	out.Value, err = decodeString(res.Value, res.Entry.ContentEncoding)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put writes body to key.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (res *Result, err error) {
	begin := s.clock.Now()
	defer func() {
		status := StatusOK
		if res != nil {
			status = res.Status
		}
		s.finish(ctx, "put", begin, status, err)
	}()
	if body == nil {
		return nil, fmt.Errorf("kv: put %s: nil body", key)
	}
	obj, err := s.object(ctx, opts.Namespace, key)
	if err != nil {
		return nil, err
	}
	err = s.withLease(ctx, obj, "put", func(l *heldLease) error {
		var perr error
		res, perr = s.put(ctx, obj, l, key, body, opts)
		return perr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) put(ctx context.Context, obj blob.Object, l *heldLease, key string, body io.Reader, opts PutOptions) (*Result, error) {
	existing, err := obj.Properties(ctx, blob.Conditions{})
	exists := err == nil
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		return nil, fmt.Errorf("kv: put %s: properties: %w", obj.Name(), err)
	}
	failed := func() *Result {
		return &Result{Status: StatusPreconditionFailed, Entry: s.entry(key, opts.Namespace, existing)}
	}

	cond := blob.Conditions{IfMatch: opts.IfMatch}
	if !opts.IfUnmodifiedSince.IsZero() {
		since := opts.IfUnmodifiedSince
		cond.IfUnmodifiedSince = &since
	}
	if exists && s.opts.LeaseOnWrite {
		if err := l.acquire(ctx); err != nil {
			return nil, fmt.Errorf("kv: put %s: %w: %w", obj.Name(), ErrLeaseUnavailable, err)
		}
	}
	cond.LeaseID = l.id
	if exists && s.opts.SnapshotOnWrite {
		if _, err := obj.Snapshot(ctx, cond); err != nil {
			if conditionFailed(err) {
				return failed(), nil
			}
			return nil, fmt.Errorf("kv: put %s: snapshot: %w", obj.Name(), err)
		}
	}
	props, err := obj.Upload(ctx, body, blob.UploadOptions{
		ContentType:     strings.TrimSpace(opts.ContentType),
		ContentEncoding: strings.TrimSpace(opts.ContentEncoding),
		Conditions:      cond,
	})
	if err != nil {
		if conditionFailed(err) {
			return failed(), nil
		}
		return nil, fmt.Errorf("kv: put %s: upload: %w", obj.Name(), err)
	}
	if !exists && s.opts.LeaseOnWrite {
		if err := l.acquire(ctx); err != nil {
			l.logger.Debug("kv.put.new_object_lease_skipped", "name", obj.Name(), "error", err)
		}
	}

	held := blob.Conditions{LeaseID: l.id}
	props, err = obj.Properties(ctx, held)
	if err != nil {
		return nil, fmt.Errorf("kv: put %s: refresh: %w", obj.Name(), err)
	}
	contentType := props.ContentType
	contentEncoding := props.ContentEncoding
	changed := false
	if v := strings.TrimSpace(opts.ContentType); v != "" && v != contentType {
		contentType = v
		changed = true
	}
	if v := strings.TrimSpace(opts.ContentEncoding); v != "" && v != contentEncoding {
		contentEncoding = v
		changed = true
	}
	if changed {
		if props, err = obj.SetHTTPHeaders(ctx, contentType, contentEncoding, held); err != nil {
			return nil, fmt.Errorf("kv: put %s: set headers: %w", obj.Name(), err)
		}
	}

	current, hasExpiry := blob.LookupMetadata(props.Metadata, ExpiresMetadataKey)
	switch {
	case !opts.ExpiresAt.IsZero():
		want := FormatExpires(opts.ExpiresAt)
		if !hasExpiry || current != want {
			if _, err := obj.SetMetadata(ctx, blob.WithMetadata(props.Metadata, ExpiresMetadataKey, want), held); err != nil {
				return nil, fmt.Errorf("kv: put %s: set expiry: %w", obj.Name(), err)
			}
			if props, err = obj.Properties(ctx, held); err != nil {
				return nil, fmt.Errorf("kv: put %s: refresh: %w", obj.Name(), err)
			}
		}
	case hasExpiry:
		if _, err := obj.SetMetadata(ctx, blob.WithoutMetadata(props.Metadata, ExpiresMetadataKey), held); err != nil {
			return nil, fmt.Errorf("kv: put %s: clear expiry: %w", obj.Name(), err)
		}
		if props, err = obj.Properties(ctx, held); err != nil {
			return nil, fmt.Errorf("kv: put %s: refresh: %w", obj.Name(), err)
		}
	}
	return &Result{Status: StatusOK, Entry: s.entry(key, opts.Namespace, props)}, nil
}

// PutStream is an alias of Put.
func (s *Store) PutStream(ctx context.Context, key string, body io.Reader, opts PutOptions) (*Result, error) {
	return s.Put(ctx, key, body, opts)
}

// PutBytes writes value to key.
func (s *Store) PutBytes(ctx context.Context, key string, value []byte, opts PutOptions) (*Result, error) {
	if value == nil {
		value = []byte{}
	}
	return s.Put(ctx, key, bytes.NewReader(value), opts)
}

// PutString encodes value using opts.ContentEncoding as a charset (UTF-8
// when blank) and records the canonical charset name as the content
// encoding.
func (s *Store) PutString(ctx context.Context, key, value string, opts PutOptions) (*Result, error) {
	data, charset, err := encodeString(value, opts.ContentEncoding)
	if err != nil {
		return nil, err
	}
	opts.ContentEncoding = charset
	return s.Put(ctx, key, bytes.NewReader(data), opts)
}

// Delete removes key together with its snapshots.
func (s *Store) Delete(ctx context.Context, key string, opts DeleteOptions) (status Status, err error) {
	begin := s.clock.Now()
	defer func() { s.finish(ctx, "delete", begin, status, err) }()
	obj, err := s.object(ctx, opts.Namespace, key)
	if err != nil {
		return StatusOK, err
	}
	status = StatusOK
	err = s.withLease(ctx, obj, "delete", func(l *heldLease) error {
		if s.opts.LeaseOnWrite {
			if err := l.acquire(ctx); err != nil {
				if errors.Is(err, blob.ErrNotFound) {
					status = StatusNotFound
					return nil
				}
				return fmt.Errorf("kv: delete %s: %w: %w", obj.Name(), ErrLeaseUnavailable, err)
			}
		}
		cond := blob.Conditions{IfMatch: opts.IfMatch, LeaseID: l.id}
		if !opts.IfUnmodifiedSince.IsZero() {
			since := opts.IfUnmodifiedSince
			cond.IfUnmodifiedSince = &since
		}
		err := obj.Delete(ctx, blob.DeleteOptions{IncludeSnapshots: true, Conditions: cond})
		switch {
		case err == nil:
			// The object is gone and so is its lease.
			l.id = ""
		case errors.Is(err, blob.ErrNotFound):
			status = StatusNotFound
		case conditionFailed(err):
			status = StatusPreconditionFailed
		default:
			return fmt.Errorf("kv: delete %s: %w", obj.Name(), err)
		}
		return nil
	})
	return status, err
}

// Snapshot creates a read-only copy of key.
func (s *Store) Snapshot(ctx context.Context, key string, opts SnapshotOptions) (res *SnapshotResult, err error) {
	begin := s.clock.Now()
	defer func() {
		status := StatusOK
		if res != nil {
			status = res.Status
		}
		s.finish(ctx, "snapshot", begin, status, err)
	}()
	obj, err := s.object(ctx, opts.Namespace, key)
	if err != nil {
		return nil, err
	}
	res = &SnapshotResult{Status: StatusOK}
	err = s.withLease(ctx, obj, "snapshot", func(l *heldLease) error {
		if s.opts.LeaseOnWrite {
			if err := l.acquire(ctx); err != nil {
				if errors.Is(err, blob.ErrNotFound) {
					res.Status = StatusNotFound
					return nil
				}
				return fmt.Errorf("kv: snapshot %s: %w: %w", obj.Name(), ErrLeaseUnavailable, err)
			}
		}
		cond := blob.Conditions{IfMatch: opts.IfMatch, LeaseID: l.id}
		if !opts.IfUnmodifiedSince.IsZero() {
			since := opts.IfUnmodifiedSince
			cond.IfUnmodifiedSince = &since
		}
		id, err := obj.Snapshot(ctx, cond)
		switch {
		case err == nil:
			res.SnapshotID = id
		case errors.Is(err, blob.ErrNotFound):
			res.Status = StatusNotFound
		case conditionFailed(err):
			res.Status = StatusPreconditionFailed
		default:
			return fmt.Errorf("kv: snapshot %s: %w", obj.Name(), err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CreateContainerIfMissing creates the backing container. created is false
// when it already existed.
func (s *Store) CreateContainerIfMissing(ctx context.Context) (bool, error) {
	c, err := s.ensureReady(ctx)
	if err != nil {
		return false, err
	}
	if err := c.Create(ctx); err != nil {
		if errors.Is(err, blob.ErrContainerExists) {
			return false, nil
		}
		return false, fmt.Errorf("kv: create container: %w", err)
	}
	s.logger.Info("kv.container.created")
	return true, nil
}

// conditionFailed reports whether err is a failed precondition or a write
// rejected because another holder owns the lease.
func conditionFailed(err error) bool {
	return errors.Is(err, blob.ErrPreconditionFailed) || errors.Is(err, blob.ErrLeaseConflict)
}

// heldLease tracks the lease taken for one mutating operation.
type heldLease struct {
	s      *Store
	obj    blob.Object
	op     string
	id     string
	logger pslog.Logger
}

// withLease runs fn with a lease scope on obj. Whatever lease fn acquires is
// released afterwards on a context that ignores cancellation.
func (s *Store) withLease(ctx context.Context, obj blob.Object, op string, fn func(*heldLease) error) error {
	l := &heldLease{s: s, obj: obj, op: op, logger: s.logger.With("op", op, "name", obj.Name())}
	defer l.release(ctx)
	return fn(l)
}

func (l *heldLease) acquire(ctx context.Context) error {
	s := l.s
	deadline := s.clock.Now().Add(s.opts.LeaseWait)
	delay := leaseRetryBase
	for {
		id, err := l.obj.AcquireLease(ctx, s.opts.LeaseDuration)
		if err == nil {
			l.id = id
			s.metrics.recordLease(ctx, s.metrics.leaseAcquire, l.op, "ok")
			return nil
		}
		if !errors.Is(err, blob.ErrLeaseConflict) || s.opts.LeaseWait <= 0 || !s.clock.Now().Before(deadline) {
			s.metrics.recordLease(ctx, s.metrics.leaseAcquire, l.op, leaseResult(err))
			return err
		}
		l.logger.Trace("kv.lease.contended", "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(delay):
		}
		delay *= 2
		if delay > leaseRetryMax {
			delay = leaseRetryMax
		}
	}
}

func (l *heldLease) release(ctx context.Context) {
	if l.id == "" {
		return
	}
	s := l.s
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ReleaseTimeout)
	defer cancel()
	err := l.obj.ReleaseLease(blob.ContextWithoutRetry(rctx), l.id)
	if err != nil {
		l.logger.Warn("kv."+l.op+".lease_release_error", "error", err)
		s.metrics.recordLease(ctx, s.metrics.leaseRelease, l.op, "error")
		return
	}
	l.id = ""
	s.metrics.recordLease(ctx, s.metrics.leaseRelease, l.op, "ok")
}

func leaseResult(err error) string {
	switch {
	case errors.Is(err, blob.ErrLeaseConflict):
		return "conflict"
	case errors.Is(err, blob.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
