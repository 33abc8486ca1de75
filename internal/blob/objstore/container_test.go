package objstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/blobkv/internal/blob"
	"pkt.systems/blobkv/internal/clock"
)

// mapDriver is a minimal Driver used to exercise the emulation layer.
type mapDriver struct {
	mu      sync.Mutex
	seq     int
	objects map[string]mapObject
}

type mapObject struct {
	data  []byte
	attrs Attrs
}

func newMapDriver() *mapDriver {
	return &mapDriver{objects: make(map[string]mapObject)}
}

func (d *mapDriver) CreateBucket(context.Context) error { return blob.ErrContainerExists }

func (d *mapDriver) Stat(_ context.Context, key string) (Attrs, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj, ok := d.objects[key]
	if !ok {
		return Attrs{}, blob.ErrNotFound
	}
	return obj.attrs, nil
}

func (d *mapDriver) Get(_ context.Context, key string) (io.ReadCloser, Attrs, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	obj, ok := d.objects[key]
	if !ok {
		return nil, Attrs{}, blob.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.attrs, nil
}

func (d *mapDriver) Put(_ context.Context, key string, body io.Reader, _ int64, opts PutOptions) (Attrs, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return Attrs{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	current, exists := d.objects[key]
	if opts.IfNoneMatch == "*" && exists {
		return Attrs{}, blob.ErrPreconditionFailed
	}
	if opts.IfMatch != "" && (!exists || current.attrs.ETag != opts.IfMatch) {
		return Attrs{}, blob.ErrPreconditionFailed
	}
	d.seq++
	attrs := Attrs{
		Key:             key,
		ETag:            "n" + strconv.Itoa(d.seq),
		Size:            int64(len(data)),
		LastModified:    time.Now().UTC(),
		ContentType:     opts.ContentType,
		ContentEncoding: opts.ContentEncoding,
		Metadata:        blob.CloneMetadata(opts.Metadata),
	}
	d.objects[key] = mapObject{data: data, attrs: attrs}
	return attrs, nil
}

func (d *mapDriver) Copy(_ context.Context, src, dst string, opts CopyOptions) (Attrs, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	source, ok := d.objects[src]
	if !ok {
		return Attrs{}, blob.ErrNotFound
	}
	if opts.SourceIfMatch != "" && source.attrs.ETag != opts.SourceIfMatch {
		return Attrs{}, blob.ErrPreconditionFailed
	}
	attrs := source.attrs
	attrs.Key = dst
	if opts.ReplaceMetadata {
		attrs.ContentType = opts.ContentType
		attrs.ContentEncoding = opts.ContentEncoding
		attrs.Metadata = blob.CloneMetadata(opts.Metadata)
	}
	d.objects[dst] = mapObject{data: append([]byte(nil), source.data...), attrs: attrs}
	return attrs, nil
}

func (d *mapDriver) Delete(_ context.Context, key string, opts DeleteOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	current, ok := d.objects[key]
	if !ok {
		return blob.ErrNotFound
	}
	if opts.IfMatch != "" && current.attrs.ETag != opts.IfMatch {
		return blob.ErrPreconditionFailed
	}
	delete(d.objects, key)
	return nil
}

func (d *mapDriver) List(_ context.Context, prefix, startAfter string, limit int, _ bool) ([]Attrs, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.objects))
	for key := range d.objects {
		if strings.HasPrefix(key, prefix) && key > startAfter {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	more := false
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
		more = true
	}
	out := make([]Attrs, 0, len(keys))
	for _, key := range keys {
		out = append(out, d.objects[key].attrs)
	}
	return out, more, nil
}

func (d *mapDriver) count(prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for key := range d.objects {
		if strings.HasPrefix(key, prefix) {
			n++
		}
	}
	return n
}

func TestVersionChangesOnMetadataRewrite(t *testing.T) {
	ctx := context.Background()
	driver := newMapDriver()
	c := New(driver, Options{Name: "bucket", Prefix: "kv"})
	obj, err := c.Object("ns", "k")
	if err != nil {
		t.Fatalf("object: %v", err)
	}
	first, err := obj.Upload(ctx, strings.NewReader("v1"), blob.UploadOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	second, err := obj.SetMetadata(ctx, map[string]string{"Expires": "2030-01-01T00:00:00Z"}, blob.Conditions{IfMatch: first.ETag})
	if err != nil {
		t.Fatalf("set metadata: %v", err)
	}
	if second.ETag == first.ETag {
		t.Fatalf("metadata rewrite kept etag %q", second.ETag)
	}
	props, err := obj.Properties(ctx, blob.Conditions{})
	if err != nil {
		t.Fatalf("properties: %v", err)
	}
	if props.ETag != second.ETag || props.Metadata["Expires"] != "2030-01-01T00:00:00Z" {
		t.Fatalf("unexpected properties %+v", props)
	}
	if props.ContentType != "text/plain" {
		t.Fatalf("content type lost on rewrite: %q", props.ContentType)
	}
	if !props.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("creation time changed")
	}
	if _, err := obj.SetMetadata(ctx, nil, blob.Conditions{IfMatch: first.ETag}); !errors.Is(err, blob.ErrPreconditionFailed) {
		t.Fatalf("expected stale etag to fail, got %v", err)
	}
}

func TestEmulatedLease(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	driver := newMapDriver()
	c := New(driver, Options{Clock: clk})
	obj, _ := c.Object("", "k")
	if _, err := obj.AcquireLease(ctx, 15*time.Second); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := obj.Upload(ctx, strings.NewReader("v1"), blob.UploadOptions{}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	id, err := obj.AcquireLease(ctx, 15*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := obj.AcquireLease(ctx, 15*time.Second); !errors.Is(err, blob.ErrLeaseConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := obj.Upload(ctx, strings.NewReader("v2"), blob.UploadOptions{}); !errors.Is(err, blob.ErrLeaseConflict) {
		t.Fatalf("expected write without lease to fail, got %v", err)
	}
	if _, err := obj.Upload(ctx, strings.NewReader("v2"), blob.UploadOptions{Conditions: blob.Conditions{LeaseID: id}}); err != nil {
		t.Fatalf("write with lease: %v", err)
	}
	clk.Advance(20 * time.Second)
	next, err := obj.AcquireLease(ctx, 15*time.Second)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if err := obj.ReleaseLease(ctx, id); !errors.Is(err, blob.ErrLeaseConflict) {
		t.Fatalf("expected stale release to conflict, got %v", err)
	}
	if err := obj.ReleaseLease(ctx, next); err != nil {
		t.Fatalf("release: %v", err)
	}
	if driver.count(leasesDir+"/") != 0 {
		t.Fatalf("lease record left behind")
	}
}

func TestSnapshotsHiddenAndDeleted(t *testing.T) {
	ctx := context.Background()
	driver := newMapDriver()
	c := New(driver, Options{})
	obj, _ := c.Object("ns", "k")
	if _, err := obj.Upload(ctx, strings.NewReader("v1"), blob.UploadOptions{}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := obj.Snapshot(ctx, blob.Conditions{}); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, err := obj.AcquireLease(ctx, time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	page, err := c.List(ctx, blob.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Name != "ns/k" {
		t.Fatalf("reserved objects leaked into listing: %+v", page.Items)
	}
	if err := obj.Delete(ctx, blob.DeleteOptions{}); !errors.Is(err, blob.ErrLeaseConflict) {
		t.Fatalf("expected leased delete to fail, got %v", err)
	}
	if _, err := c.Object("", ".leases/x"); err == nil {
		t.Fatalf("expected reserved name to be rejected")
	}
}

func TestDeleteIncludesSnapshots(t *testing.T) {
	ctx := context.Background()
	driver := newMapDriver()
	c := New(driver, Options{})
	obj, _ := c.Object("ns", "k")
	if _, err := obj.Upload(ctx, strings.NewReader("v1"), blob.UploadOptions{}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := obj.Snapshot(ctx, blob.Conditions{}); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := obj.Delete(ctx, blob.DeleteOptions{}); !errors.Is(err, blob.ErrPreconditionFailed) {
		t.Fatalf("expected delete without snapshots to fail, got %v", err)
	}
	if err := obj.Delete(ctx, blob.DeleteOptions{IncludeSnapshots: true}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n := driver.count(""); n != 0 {
		t.Fatalf("expected empty store, %d objects remain", n)
	}
}

// racingDriver runs interfere inside the first conditional Delete, after the
// emulation layer has checked its preconditions.
type racingDriver struct {
	*mapDriver
	once      sync.Once
	interfere func()
}

func (d *racingDriver) Delete(ctx context.Context, key string, opts DeleteOptions) error {
	if opts.IfMatch != "" {
		d.once.Do(d.interfere)
	}
	return d.mapDriver.Delete(ctx, key, opts)
}

func TestDeleteKeepsConcurrentRewrite(t *testing.T) {
	ctx := context.Background()
	driver := &racingDriver{mapDriver: newMapDriver()}
	c := New(driver, Options{})
	obj, _ := c.Object("ns", "k")
	v1, err := obj.Upload(ctx, strings.NewReader("v1"), blob.UploadOptions{})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	var v2 blob.Properties
	driver.interfere = func() {
		other, _ := c.Object("ns", "k")
		var err error
		if v2, err = other.Upload(ctx, strings.NewReader("v2"), blob.UploadOptions{}); err != nil {
			t.Errorf("rewrite: %v", err)
		}
	}

	err = obj.Delete(ctx, blob.DeleteOptions{IncludeSnapshots: true, Conditions: blob.Conditions{IfMatch: v1.ETag}})
	if !errors.Is(err, blob.ErrPreconditionFailed) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	props, err := obj.Properties(ctx, blob.Conditions{})
	if err != nil {
		t.Fatalf("rewritten object lost: %v", err)
	}
	if props.ETag != v2.ETag {
		t.Fatalf("expected etag %q, got %q", v2.ETag, props.ETag)
	}
}
