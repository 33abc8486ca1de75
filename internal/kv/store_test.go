package kv

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/blobkv/internal/blob"
	"pkt.systems/blobkv/internal/blob/memory"
	"pkt.systems/blobkv/internal/clock"
	"pkt.systems/blobkv/internal/secrets"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, mutate func(*Options)) (*Store, *memory.Container, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(testEpoch)
	mem := memory.New("kv-test", memory.WithClock(clk))
	opts := Options{Container: mem, Clock: clk, DefaultNamespace: "app"}
	if mutate != nil {
		mutate(&opts)
	}
	store, err := New(opts)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, mem, clk
}

func TestGetNeverWritten(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, nil)

	res, err := store.Get(ctx, "missing", GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.Status != StatusNotFound || res.Body != nil {
		t.Fatalf("expected not found without body, got %+v", res)
	}
	if _, err := store.Get(ctx, "missing", GetOptions{FailOnMissing: true}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound in strict mode, got %v", err)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, nil)

	put, err := store.PutBytes(ctx, "greeting", []byte("hello"), PutOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if put.Status != StatusOK || put.Entry.ETag == "" {
		t.Fatalf("unexpected put result %+v", put)
	}
	if put.Entry.Namespace != "app" || put.Entry.Key != "greeting" {
		t.Fatalf("unexpected entry identity %+v", put.Entry)
	}
	got, err := store.GetBytes(ctx, "greeting", GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusOK || string(got.Value) != "hello" {
		t.Fatalf("unexpected get result %+v", got)
	}
	if got.Entry.ETag != put.Entry.ETag || got.Entry.ContentType != "text/plain" || got.Entry.Size != 5 {
		t.Fatalf("entry mismatch: put %+v get %+v", put.Entry, got.Entry)
	}
}

func TestPutDefaultsContentType(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, nil)
	res, err := store.PutBytes(ctx, "raw", []byte{1, 2, 3}, PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if res.Entry.ContentType != blob.ContentTypeOctetStream {
		t.Fatalf("expected octet-stream, got %q", res.Entry.ContentType)
	}
}

func TestIfMatchRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, nil)

	first, err := store.PutString(ctx, "k", "v1", PutOptions{})
	if err != nil {
		t.Fatalf("put v1: %v", err)
	}
	second, err := store.PutString(ctx, "k", "v2", PutOptions{IfMatch: first.Entry.ETag})
	if err != nil {
		t.Fatalf("put v2: %v", err)
	}
	if second.Status != StatusOK || second.Entry.ETag == first.Entry.ETag {
		t.Fatalf("expected new etag, got %+v", second)
	}
	stale, err := store.PutString(ctx, "k", "v3", PutOptions{IfMatch: first.Entry.ETag})
	if err != nil {
		t.Fatalf("stale put returned error: %v", err)
	}
	if stale.Status != StatusPreconditionFailed {
		t.Fatalf("expected precondition failed, got %v", stale.Status)
	}
	got, err := store.GetString(ctx, "k", GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value != "v2" {
		t.Fatalf("stale write leaked: %q", got.Value)
	}
}

func TestIfMatchOnMissingKey(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, nil)
	res, err := store.PutString(ctx, "absent", "v", PutOptions{IfMatch: "some-etag"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if res.Status != StatusPreconditionFailed {
		t.Fatalf("expected precondition failed, got %v", res.Status)
	}
}

func TestIfUnmodifiedSince(t *testing.T) {
	ctx := context.Background()
	store, _, clk := newTestStore(t, nil)
	if _, err := store.PutString(ctx, "k", "v1", PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	before := clk.Now().Add(-time.Minute)
	res, err := store.PutString(ctx, "k", "v2", PutOptions{IfUnmodifiedSince: before})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if res.Status != StatusPreconditionFailed {
		t.Fatalf("expected precondition failed, got %v", res.Status)
	}
	res, err = store.PutString(ctx, "k", "v2", PutOptions{IfUnmodifiedSince: clk.Now()})
	if err != nil || res.Status != StatusOK {
		t.Fatalf("expected ok, got %+v %v", res, err)
	}
}

func TestIfNoneMatchNotModified(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, nil)
	put, err := store.PutString(ctx, "k", "v", PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	res, err := store.Get(ctx, "k", GetOptions{IfNoneMatch: put.Entry.ETag})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Close()
	if res.Status != StatusNotModified || res.Body != nil {
		t.Fatalf("expected not modified without body, got %+v", res)
	}
	if res.Entry.ETag != put.Entry.ETag {
		t.Fatalf("expected metadata with not modified, got %+v", res.Entry)
	}
	res2, err := store.Get(ctx, "k", GetOptions{IfNoneMatch: "other"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res2.Close()
	if res2.Status != StatusOK || res2.Body == nil {
		t.Fatalf("expected ok with body, got %+v", res2)
	}
}

func TestIfModifiedSince(t *testing.T) {
	ctx := context.Background()
	store, _, clk := newTestStore(t, nil)
	if _, err := store.PutString(ctx, "k", "v", PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	res, err := store.GetBytes(ctx, "k", GetOptions{IfModifiedSince: clk.Now()})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.Status != StatusNotModified {
		t.Fatalf("expected not modified, got %v", res.Status)
	}
	res, err = store.GetBytes(ctx, "k", GetOptions{IfModifiedSince: clk.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.Status != StatusOK || string(res.Value) != "v" {
		t.Fatalf("expected ok, got %+v", res)
	}
}

func TestExpiredEntryIsAbsent(t *testing.T) {
	ctx := context.Background()
	store, mem, clk := newTestStore(t, nil)
	expires := clk.Now().Add(time.Minute)
	put, err := store.PutString(ctx, "session", "token", PutOptions{ExpiresAt: expires})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !put.Entry.ExpiresAt.Equal(expires) {
		t.Fatalf("expected expiry %s, got %s", expires, put.Entry.ExpiresAt)
	}
	got, err := store.GetString(ctx, "session", GetOptions{})
	if err != nil || got.Status != StatusOK {
		t.Fatalf("expected live entry, got %+v %v", got, err)
	}

	clk.Advance(time.Minute)
	got, err = store.GetString(ctx, "session", GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusNotFound {
		t.Fatalf("expected not found at expiry, got %v", got.Status)
	}
	if !mem.Exists("app", "session") {
		t.Fatalf("expired object should remain physically present")
	}
	if _, err := store.GetString(ctx, "session", GetOptions{FailOnMissing: true}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired entry in strict mode, got %v", err)
	}
}

func TestDeleteExpiredOnRead(t *testing.T) {
	ctx := context.Background()
	store, mem, clk := newTestStore(t, func(o *Options) { o.DeleteExpiredOnRead = true })
	if _, err := store.PutString(ctx, "k", "v", PutOptions{ExpiresAt: clk.Now().Add(time.Second)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	clk.Advance(2 * time.Second)
	res, err := store.Get(ctx, "k", GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.Status != StatusNotFound {
		t.Fatalf("expected not found, got %v", res.Status)
	}
	if mem.Exists("app", "k") {
		t.Fatalf("expected expired object to be removed")
	}
}

func TestPutClearsExpiry(t *testing.T) {
	ctx := context.Background()
	store, mem, clk := newTestStore(t, nil)
	if _, err := store.PutString(ctx, "k", "v1", PutOptions{ExpiresAt: clk.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	res, err := store.PutString(ctx, "k", "v2", PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !res.Entry.ExpiresAt.IsZero() {
		t.Fatalf("expected expiry cleared, got %s", res.Entry.ExpiresAt)
	}
	obj, _ := mem.Object("app", "k")
	props, err := obj.Properties(ctx, blob.Conditions{})
	if err != nil {
		t.Fatalf("properties: %v", err)
	}
	if _, ok := blob.LookupMetadata(props.Metadata, ExpiresMetadataKey); ok {
		t.Fatalf("Expires metadata still present: %v", props.Metadata)
	}
	if props.ETag != res.Entry.ETag {
		t.Fatalf("returned etag %q is not the final version %q", res.Entry.ETag, props.ETag)
	}
}

func TestExpiresMetadataFormat(t *testing.T) {
	ctx := context.Background()
	store, mem, _ := newTestStore(t, nil)
	at := time.Date(2030, 6, 7, 8, 9, 10, 987654321, time.FixedZone("CEST", 2*3600))
	if _, err := store.PutString(ctx, "k", "v", PutOptions{ExpiresAt: at}); err != nil {
		t.Fatalf("put: %v", err)
	}
	obj, _ := mem.Object("app", "k")
	props, _ := obj.Properties(ctx, blob.Conditions{})
	raw, ok := blob.LookupMetadata(props.Metadata, "expires")
	if !ok || raw != "2030-06-07T06:09:10Z" {
		t.Fatalf("unexpected persisted expiry %q (found=%v)", raw, ok)
	}
}

func TestDeleteGetDelete(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, nil)
	if _, err := store.PutString(ctx, "k", "v", PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	status, err := store.Delete(ctx, "k", DeleteOptions{})
	if err != nil || status != StatusOK {
		t.Fatalf("first delete: %v %v", status, err)
	}
	res, err := store.Get(ctx, "k", GetOptions{})
	if err != nil || res.Status != StatusNotFound {
		t.Fatalf("get after delete: %+v %v", res, err)
	}
	status, err = store.Delete(ctx, "k", DeleteOptions{})
	if err != nil || status != StatusNotFound {
		t.Fatalf("second delete: %v %v", status, err)
	}
}

func TestDeletePreconditions(t *testing.T) {
	ctx := context.Background()
	store, mem, _ := newTestStore(t, nil)
	put, err := store.PutString(ctx, "k", "v", PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	status, err := store.Delete(ctx, "k", DeleteOptions{IfMatch: "stale"})
	if err != nil || status != StatusPreconditionFailed {
		t.Fatalf("expected precondition failed, got %v %v", status, err)
	}
	status, err = store.Delete(ctx, "k", DeleteOptions{IfMatch: put.Entry.ETag})
	if err != nil || status != StatusOK {
		t.Fatalf("expected ok, got %v %v", status, err)
	}
	if mem.Exists("app", "k") {
		t.Fatalf("object still present")
	}
}

func TestDeleteRemovesSnapshots(t *testing.T) {
	ctx := context.Background()
	store, mem, _ := newTestStore(t, nil)
	if _, err := store.PutString(ctx, "k", "v", PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	snap, err := store.Snapshot(ctx, "k", SnapshotOptions{})
	if err != nil || snap.Status != StatusOK || snap.SnapshotID == "" {
		t.Fatalf("snapshot: %+v %v", snap, err)
	}
	if status, err := store.Delete(ctx, "k", DeleteOptions{}); err != nil || status != StatusOK {
		t.Fatalf("delete: %v %v", status, err)
	}
	if n := mem.SnapshotCount("app", "k"); n != 0 {
		t.Fatalf("expected snapshots removed, %d remain", n)
	}
}

func TestSnapshotOnWrite(t *testing.T) {
	ctx := context.Background()
	store, mem, _ := newTestStore(t, func(o *Options) { o.SnapshotOnWrite = true })
	if _, err := store.PutString(ctx, "k", "v1", PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if n := mem.SnapshotCount("app", "k"); n != 0 {
		t.Fatalf("first write must not snapshot, got %d", n)
	}
	if _, err := store.PutString(ctx, "k", "v2", PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.PutString(ctx, "k", "v3", PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if n := mem.SnapshotCount("app", "k"); n != 2 {
		t.Fatalf("expected 2 snapshots, got %d", n)
	}
	res, err := store.PutString(ctx, "k", "v4", PutOptions{IfMatch: "stale"})
	if err != nil || res.Status != StatusPreconditionFailed {
		t.Fatalf("expected precondition failed, got %+v %v", res, err)
	}
	if n := mem.SnapshotCount("app", "k"); n != 2 {
		t.Fatalf("failed precondition must not snapshot, got %d", n)
	}
}

func TestSnapshotMissingAndStale(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, nil)
	res, err := store.Snapshot(ctx, "nope", SnapshotOptions{})
	if err != nil || res.Status != StatusNotFound {
		t.Fatalf("expected not found, got %+v %v", res, err)
	}
	if _, err := store.PutString(ctx, "k", "v", PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	res, err = store.Snapshot(ctx, "k", SnapshotOptions{IfMatch: "stale"})
	if err != nil || res.Status != StatusPreconditionFailed {
		t.Fatalf("expected precondition failed, got %+v %v", res, err)
	}
}

func TestLeaseOnWriteReleases(t *testing.T) {
	ctx := context.Background()
	store, mem, _ := newTestStore(t, func(o *Options) { o.LeaseOnWrite = true })
	if _, err := store.PutString(ctx, "k", "v1", PutOptions{}); err != nil {
		t.Fatalf("put new: %v", err)
	}
	if holder := mem.LeaseHolder("app", "k"); holder != "" {
		t.Fatalf("lease leaked after create: %s", holder)
	}
	if _, err := store.PutString(ctx, "k", "v2", PutOptions{}); err != nil {
		t.Fatalf("put existing: %v", err)
	}
	if holder := mem.LeaseHolder("app", "k"); holder != "" {
		t.Fatalf("lease leaked after overwrite: %s", holder)
	}
	if res, err := store.Snapshot(ctx, "k", SnapshotOptions{}); err != nil || res.Status != StatusOK {
		t.Fatalf("snapshot: %+v %v", res, err)
	}
	if holder := mem.LeaseHolder("app", "k"); holder != "" {
		t.Fatalf("lease leaked after snapshot: %s", holder)
	}
	if status, err := store.Delete(ctx, "missing", DeleteOptions{}); err != nil || status != StatusNotFound {
		t.Fatalf("delete missing: %v %v", status, err)
	}
}

func TestLeaseUnavailable(t *testing.T) {
	ctx := context.Background()
	store, mem, _ := newTestStore(t, func(o *Options) { o.LeaseOnWrite = true })
	if _, err := store.PutString(ctx, "k", "v1", PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	obj, _ := mem.Object("app", "k")
	foreign, err := obj.AcquireLease(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("foreign lease: %v", err)
	}
	if _, err := store.PutString(ctx, "k", "v2", PutOptions{}); !errors.Is(err, ErrLeaseUnavailable) {
		t.Fatalf("expected ErrLeaseUnavailable on put, got %v", err)
	}
	if _, err := store.Delete(ctx, "k", DeleteOptions{}); !errors.Is(err, ErrLeaseUnavailable) {
		t.Fatalf("expected ErrLeaseUnavailable on delete, got %v", err)
	}
	if _, err := store.Snapshot(ctx, "k", SnapshotOptions{}); !errors.Is(err, ErrLeaseUnavailable) {
		t.Fatalf("expected ErrLeaseUnavailable on snapshot, got %v", err)
	}
	if holder := mem.LeaseHolder("app", "k"); holder != foreign {
		t.Fatalf("foreign lease disturbed: %q", holder)
	}
}

func TestForeignLeaseWithoutLeaseOnWrite(t *testing.T) {
	ctx := context.Background()
	store, mem, _ := newTestStore(t, nil)
	if _, err := store.PutString(ctx, "k", "v1", PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	obj, _ := mem.Object("app", "k")
	if _, err := obj.AcquireLease(ctx, 30*time.Second); err != nil {
		t.Fatalf("foreign lease: %v", err)
	}
	res, err := store.PutString(ctx, "k", "v2", PutOptions{})
	if err != nil || res.Status != StatusPreconditionFailed {
		t.Fatalf("expected precondition failed, got %+v %v", res, err)
	}
	status, err := store.Delete(ctx, "k", DeleteOptions{})
	if err != nil || status != StatusPreconditionFailed {
		t.Fatalf("expected precondition failed, got %v %v", status, err)
	}
}

func TestLeaseWaitRetriesUntilReleased(t *testing.T) {
	ctx := context.Background()
	store, mem, clk := newTestStore(t, func(o *Options) {
		o.LeaseOnWrite = true
		o.LeaseWait = 5 * time.Second
	})
	if _, err := store.PutString(ctx, "k", "v1", PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	obj, _ := mem.Object("app", "k")
	foreign, err := obj.AcquireLease(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("foreign lease: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := store.PutString(ctx, "k", "v2", PutOptions{})
		done <- err
	}()
	waitForWaiter(t, clk)
	if err := obj.ReleaseLease(ctx, foreign); err != nil {
		t.Fatalf("release: %v", err)
	}
	clk.Advance(leaseRetryBase)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("put after wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("put did not resume after lease release")
	}
}

func waitForWaiter(t *testing.T, clk *clock.Manual) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for clk.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no goroutine waited on the clock")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestReleaseIgnoresCancellation(t *testing.T) {
	store, mem, _ := newTestStore(t, nil)
	ctx := context.Background()
	if _, err := store.PutString(ctx, "k", "v", PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	obj, _ := mem.Object("app", "k")
	id, err := obj.AcquireLease(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	l := &heldLease{s: store, obj: obj, op: "put", id: id, logger: store.logger}
	l.release(cancelled)
	if holder := mem.LeaseHolder("app", "k"); holder != "" {
		t.Fatalf("lease not released on cancelled context: %s", holder)
	}
}

func TestInvalidLeaseDuration(t *testing.T) {
	mem := memory.New("x")
	_, err := New(Options{Container: mem, LeaseOnWrite: true, LeaseDuration: 5 * time.Second})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := New(Options{Container: mem, LeaseOnWrite: true, LeaseDuration: 2 * time.Minute}); !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := New(Options{Container: mem, LeaseOnWrite: true, LeaseDuration: MinLeaseDuration}); err != nil {
		t.Fatalf("minimum lease rejected: %v", err)
	}
}

func TestPutStringCharset(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, nil)
	res, err := store.PutString(ctx, "latin", "café", PutOptions{ContentEncoding: "iso-8859-1"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if res.Entry.ContentEncoding != "windows-1252" || res.Entry.Size != 4 {
		t.Fatalf("unexpected encoded entry %+v", res.Entry)
	}
	got, err := store.GetString(ctx, "latin", GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value != "café" {
		t.Fatalf("unexpected decoded value %q", got.Value)
	}
	def, err := store.PutString(ctx, "utf", "café", PutOptions{})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if def.Entry.ContentEncoding != DefaultCharset || def.Entry.Size != 5 {
		t.Fatalf("unexpected default entry %+v", def.Entry)
	}
	if _, err := store.PutString(ctx, "bad", "x", PutOptions{ContentEncoding: "no-such-charset"}); err == nil {
		t.Fatalf("expected error for unknown charset")
	}
}

func TestGetStringUnknownEncodingFallsBack(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, nil)
	if _, err := store.PutBytes(ctx, "gz", []byte("plain"), PutOptions{ContentEncoding: "gzip"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.GetString(ctx, "gz", GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value != "plain" || got.Entry.ContentEncoding != "gzip" {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestPutReconcilesHeaders(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, nil)
	res, err := store.PutBytes(ctx, "k", []byte("{}"), PutOptions{ContentType: " application/json ", ContentEncoding: "identity"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if res.Entry.ContentType != "application/json" || res.Entry.ContentEncoding != "identity" {
		t.Fatalf("unexpected headers %+v", res.Entry)
	}
}

func TestNamespaces(t *testing.T) {
	ctx := context.Background()
	store, mem, _ := newTestStore(t, nil)
	if _, err := store.PutString(ctx, "k", "default", PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.PutString(ctx, "k", "other", PutOptions{Namespace: "tenant/a"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !mem.Exists("app", "k") || !mem.Exists("tenant/a", "k") {
		t.Fatalf("expected both namespaces populated")
	}
	got, err := store.GetString(ctx, "k", GetOptions{Namespace: "tenant/a"})
	if err != nil || got.Value != "other" {
		t.Fatalf("unexpected namespaced read %+v %v", got, err)
	}
}

func TestGetStreamBody(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t, nil)
	if _, err := store.PutStream(ctx, "k", strings.NewReader("streamed"), PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	res, err := store.GetStream(ctx, "k", GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil || string(data) != "streamed" {
		t.Fatalf("unexpected body %q %v", data, err)
	}
}

func TestCreateContainerIfMissing(t *testing.T) {
	ctx := context.Background()
	mem := memory.New("c", memory.WithoutCreate())
	store, err := New(Options{Container: mem})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	created, err := store.CreateContainerIfMissing(ctx)
	if err != nil || !created {
		t.Fatalf("first create: %v %v", created, err)
	}
	created, err = store.CreateContainerIfMissing(ctx)
	if err != nil || created {
		t.Fatalf("second create: %v %v", created, err)
	}
}

type countingOpener struct {
	calls     atomic.Int32
	container blob.Container
	lastCS    string
	lastSAS   string
	mu        sync.Mutex
}

func (o *countingOpener) OpenConnectionString(_ context.Context, cs, _ string) (blob.Container, error) {
	o.calls.Add(1)
	o.mu.Lock()
	o.lastCS = cs
	o.mu.Unlock()
	return o.container, nil
}

func (o *countingOpener) OpenSharedAccessSignature(_ context.Context, sas, _, _, _ string) (blob.Container, error) {
	o.calls.Add(1)
	o.mu.Lock()
	o.lastSAS = sas
	o.mu.Unlock()
	return o.container, nil
}

func TestResolverSharesInitialisation(t *testing.T) {
	ctx := context.Background()
	opener := &countingOpener{container: memory.New("resolved")}
	store, err := New(Options{
		Secrets:                secrets.Static{"conn": "UseDevelopmentStorage=true"},
		ConnectionStringSecret: "conn",
		SASSecret:              "sas",
		ContainerName:          "resolved",
		Opener:                 opener,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Get(ctx, "k", GetOptions{}); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := opener.calls.Load(); n != 1 {
		t.Fatalf("expected one open, got %d", n)
	}
	if opener.lastCS != "UseDevelopmentStorage=true" {
		t.Fatalf("connection string secret not preferred: %q", opener.lastCS)
	}
}

func TestResolverFallsBackToSAS(t *testing.T) {
	ctx := context.Background()
	opener := &countingOpener{container: memory.New("resolved")}
	store, err := New(Options{
		Secrets:       secrets.Static{"sas": "sv=2024&sig=abc"},
		SASSecret:     "sas",
		Account:       "acct",
		ContainerName: "resolved",
		Opener:        opener,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := store.Get(ctx, "k", GetOptions{}); err != nil {
		t.Fatalf("get: %v", err)
	}
	if opener.lastSAS != "sv=2024&sig=abc" {
		t.Fatalf("sas not used: %q", opener.lastSAS)
	}
}

func TestResolverFailureIsNotCached(t *testing.T) {
	ctx := context.Background()
	var fail atomic.Bool
	fail.Store(true)
	resolver := secrets.Func(func(context.Context, string) (string, error) {
		if fail.Load() {
			return "", secrets.ErrAuth
		}
		return "cs", nil
	})
	opener := &countingOpener{container: memory.New("resolved")}
	store, err := New(Options{Secrets: resolver, ConnectionStringSecret: "conn", ContainerName: "resolved", Opener: opener})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = store.Get(ctx, "k", GetOptions{})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) || !errors.Is(err, secrets.ErrAuth) {
		t.Fatalf("expected configuration error wrapping ErrAuth, got %v", err)
	}
	fail.Store(false)
	if _, err := store.Get(ctx, "k", GetOptions{}); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestResolverWithoutConfiguration(t *testing.T) {
	store, err := New(Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = store.Get(context.Background(), "k", GetOptions{})
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestDecorateAppliesToResolvedContainer(t *testing.T) {
	ctx := context.Background()
	var decorated atomic.Int32
	opener := &countingOpener{container: memory.New("resolved")}
	store, err := New(Options{
		Secrets:                secrets.Static{"conn": "cs"},
		ConnectionStringSecret: "conn",
		ContainerName:          "resolved",
		Opener:                 opener,
		Decorate: func(c blob.Container) blob.Container {
			decorated.Add(1)
			return c
		},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.Get(ctx, "k", GetOptions{}); err != nil {
			t.Fatalf("get: %v", err)
		}
	}
	if n := decorated.Load(); n != 1 {
		t.Fatalf("expected one decoration, got %d", n)
	}
}

func TestResolverSurvivesCancelledCaller(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	resolver := secrets.Func(func(ctx context.Context, _ string) (string, error) {
		once.Do(func() { close(started) })
		<-release
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "cs", nil
	})
	opener := &countingOpener{container: memory.New("resolved")}
	store, err := New(Options{Secrets: resolver, ConnectionStringSecret: "conn", ContainerName: "resolved", Opener: opener})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := store.Get(firstCtx, "k", GetOptions{})
		firstErr <- err
	}()
	<-started
	secondErr := make(chan error, 1)
	go func() {
		_, err := store.Get(context.Background(), "k", GetOptions{})
		secondErr <- err
	}()

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled caller to see context.Canceled, got %v", err)
	}
	close(release)
	if err := <-secondErr; err != nil {
		t.Fatalf("second caller: %v", err)
	}
	if n := opener.calls.Load(); n != 1 {
		t.Fatalf("expected one open, got %d", n)
	}
}

// creationlessContainer drops CreatedAt from downloaded properties, as some
// backends only report it on property reads.
type creationlessContainer struct {
	blob.Container
}

func (c creationlessContainer) Object(namespace, key string) (blob.Object, error) {
	obj, err := c.Container.Object(namespace, key)
	if err != nil {
		return nil, err
	}
	return creationlessObject{Object: obj}, nil
}

type creationlessObject struct {
	blob.Object
}

func (o creationlessObject) Download(ctx context.Context, cond blob.Conditions) (io.ReadCloser, blob.Properties, error) {
	body, props, err := o.Object.Download(ctx, cond)
	props.CreatedAt = time.Time{}
	return body, props, err
}

func TestGetReportsCreatedAt(t *testing.T) {
	ctx := context.Background()
	store, _, clk := newTestStore(t, func(o *Options) {
		o.Container = creationlessContainer{Container: o.Container}
	})
	created := clk.Now()
	if _, err := store.PutString(ctx, "k", "v1", PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	clk.Advance(time.Minute)
	put, err := store.PutString(ctx, "k", "v2", PutOptions{})
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	res, err := store.Get(ctx, "k", GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	res.Close()
	if res.Status != StatusOK || !res.Entry.CreatedAt.Equal(created) {
		t.Fatalf("expected created %v, got %+v", created, res.Entry)
	}
	cached, err := store.Get(ctx, "k", GetOptions{IfNoneMatch: put.Entry.ETag})
	if err != nil {
		t.Fatalf("conditional get: %v", err)
	}
	if cached.Status != StatusNotModified || !cached.Entry.CreatedAt.Equal(res.Entry.CreatedAt) {
		t.Fatalf("not modified entry differs: %+v vs %+v", cached.Entry, res.Entry)
	}
}

// Concurrent read-modify-write increments must serialise: every increment is
// applied exactly once and each successful write yields a later entity tag.
func TestConcurrentLeasedIncrements(t *testing.T) {
	ctx := context.Background()
	mem := memory.New("counter")
	store, err := New(Options{
		Container:     mem,
		LeaseOnWrite:  true,
		LeaseDuration: MinLeaseDuration,
		LeaseWait:     20 * time.Second,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := store.PutString(ctx, "n", "0", PutOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	const workers, perWorker = 6, 5
	var (
		mu    sync.Mutex
		etags []string
		wg    sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				for {
					cur, err := store.GetString(ctx, "n", GetOptions{})
					if err != nil {
						t.Errorf("get: %v", err)
						return
					}
					n, err := strconv.Atoi(cur.Value)
					if err != nil {
						t.Errorf("parse %q: %v", cur.Value, err)
						return
					}
					res, err := store.PutString(ctx, "n", strconv.Itoa(n+1), PutOptions{IfMatch: cur.Entry.ETag})
					if err != nil {
						t.Errorf("put: %v", err)
						return
					}
					if res.Status == StatusPreconditionFailed {
						continue
					}
					mu.Lock()
					etags = append(etags, res.Entry.ETag)
					mu.Unlock()
					break
				}
			}
		}()
	}
	wg.Wait()
	if t.Failed() {
		return
	}
	final, err := store.GetString(ctx, "n", GetOptions{})
	if err != nil {
		t.Fatalf("final get: %v", err)
	}
	if final.Value != strconv.Itoa(workers*perWorker) {
		t.Fatalf("lost updates: got %s want %d", final.Value, workers*perWorker)
	}
	seen := make(map[string]struct{}, len(etags))
	for _, tag := range etags {
		if _, dup := seen[tag]; dup {
			t.Fatalf("duplicate etag %s", tag)
		}
		seen[tag] = struct{}{}
		if tag > final.Entry.ETag {
			t.Fatalf("etag %s sorts after final %s", tag, final.Entry.ETag)
		}
	}
	if holder := mem.LeaseHolder("", "n"); holder != "" {
		t.Fatalf("lease leaked: %s", holder)
	}
}
