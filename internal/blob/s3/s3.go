// Package s3 provides an objstore.Driver for S3-compatible services (MinIO,
// Ceph, Garage, AWS) using minio-go.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/blobkv/internal/blob"
	"pkt.systems/blobkv/internal/blob/objstore"
	"pkt.systems/blobkv/internal/clock"
)

// Config controls the S3 driver.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string
	SecretKey      string
	SessionToken   string
	Insecure       bool
	ForcePathStyle bool
	Transport      http.RoundTripper
	Clock          clock.Clock
}

// Driver implements objstore.Driver with minio-go.
type Driver struct {
	client *minio.Client
	bucket string
	region string
}

// New returns a blob.Container backed by an S3 bucket.
func New(cfg Config) (*objstore.Container, error) {
	driver, err := NewDriver(cfg)
	if err != nil {
		return nil, err
	}
	return objstore.New(driver, objstore.Options{Name: cfg.Bucket, Prefix: cfg.Prefix, Clock: cfg.Clock}), nil
}

// NewDriver constructs the raw driver.
func NewDriver(cfg Config) (*Driver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &Driver{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	clone.MaxIdleConns = 256
	clone.MaxIdleConnsPerHost = 64
	clone.IdleConnTimeout = 90 * time.Second
	clone.TLSHandshakeTimeout = 10 * time.Second
	clone.ExpectContinueTimeout = time.Second
	return clone
}

// CreateBucket creates the configured bucket.
func (d *Driver) CreateBucket(ctx context.Context) error {
	exists, err := d.client.BucketExists(ctx, d.bucket)
	if err != nil {
		return wrapError(err, "s3: bucket exists")
	}
	if exists {
		return blob.ErrContainerExists
	}
	if err := d.client.MakeBucket(ctx, d.bucket, minio.MakeBucketOptions{Region: d.region}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "BucketAlreadyOwnedByYou" || resp.Code == "BucketAlreadyExists" {
			return blob.ErrContainerExists
		}
		return wrapError(err, "s3: make bucket")
	}
	return nil
}

// Stat returns the attributes of key.
func (d *Driver) Stat(ctx context.Context, key string) (objstore.Attrs, error) {
	info, err := d.client.StatObject(ctx, d.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return objstore.Attrs{}, wrapError(err, "s3: stat object")
	}
	return attrsFromInfo(info), nil
}

// Get opens key for reading.
func (d *Driver) Get(ctx context.Context, key string) (io.ReadCloser, objstore.Attrs, error) {
	obj, err := d.client.GetObject(ctx, d.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, objstore.Attrs{}, wrapError(err, "s3: get object")
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, objstore.Attrs{}, wrapError(err, "s3: stat object")
	}
	return obj, attrsFromInfo(info), nil
}

// Put uploads key under the native preconditions in opts.
func (d *Driver) Put(ctx context.Context, key string, body io.Reader, size int64, opts objstore.PutOptions) (objstore.Attrs, error) {
	putOpts := minio.PutObjectOptions{
		ContentType:     opts.ContentType,
		ContentEncoding: opts.ContentEncoding,
		UserMetadata:    opts.Metadata,
	}
	if opts.IfMatch != "" {
		putOpts.SetMatchETag(opts.IfMatch)
	}
	if opts.IfNoneMatch != "" {
		putOpts.SetMatchETagExcept(opts.IfNoneMatch)
	}
	info, err := d.client.PutObject(ctx, d.bucket, key, body, size, putOpts)
	if err != nil {
		return objstore.Attrs{}, wrapError(err, "s3: put object")
	}
	return objstore.Attrs{
		Key:          key,
		ETag:         stripETag(info.ETag),
		Size:         info.Size,
		LastModified: info.LastModified,
	}, nil
}

// Copy performs a server-side copy from src to dst.
func (d *Driver) Copy(ctx context.Context, src, dst string, opts objstore.CopyOptions) (objstore.Attrs, error) {
	srcOpts := minio.CopySrcOptions{Bucket: d.bucket, Object: src, MatchETag: opts.SourceIfMatch}
	dstOpts := minio.CopyDestOptions{Bucket: d.bucket, Object: dst}
	if opts.ReplaceMetadata {
		dstOpts.ReplaceMetadata = true
		dstOpts.UserMetadata = make(map[string]string, len(opts.Metadata)+2)
		for k, v := range opts.Metadata {
			dstOpts.UserMetadata[k] = v
		}
		contentType := opts.ContentType
		if contentType == "" {
			contentType = blob.ContentTypeOctetStream
		}
		dstOpts.UserMetadata["Content-Type"] = contentType
		if opts.ContentEncoding != "" {
			dstOpts.UserMetadata["Content-Encoding"] = opts.ContentEncoding
		}
	}
	info, err := d.client.CopyObject(ctx, dstOpts, srcOpts)
	if err != nil {
		return objstore.Attrs{}, wrapError(err, "s3: copy object")
	}
	return objstore.Attrs{
		Key:          dst,
		ETag:         stripETag(info.ETag),
		Size:         info.Size,
		LastModified: info.LastModified,
	}, nil
}

// Delete removes key. Missing keys are reported as blob.ErrNotFound.
func (d *Driver) Delete(ctx context.Context, key string, opts objstore.DeleteOptions) error {
	info, err := d.client.StatObject(ctx, d.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return wrapError(err, "s3: stat object")
	}
	// RemoveObject takes no preconditions; a write landing between this
	// check and the removal is lost.
	if opts.IfMatch != "" && stripETag(info.ETag) != opts.IfMatch {
		return fmt.Errorf("s3: remove object %s: %w", key, blob.ErrPreconditionFailed)
	}
	if err := d.client.RemoveObject(ctx, d.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return wrapError(err, "s3: remove object")
	}
	return nil
}

// List returns up to limit objects under prefix after startAfter.
func (d *Driver) List(ctx context.Context, prefix, startAfter string, limit int, withMetadata bool) ([]objstore.Attrs, bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	opts := minio.ListObjectsOptions{
		Prefix:     prefix,
		Recursive:  true,
		StartAfter: startAfter,
	}
	if limit > 0 {
		opts.MaxKeys = limit
	}
	var out []objstore.Attrs
	more := false
	for info := range d.client.ListObjects(ctx, d.bucket, opts) {
		if info.Err != nil {
			return nil, false, wrapError(info.Err, "s3: list objects")
		}
		if limit > 0 && len(out) >= limit {
			more = true
			break
		}
		attrs := objstore.Attrs{
			Key:          info.Key,
			ETag:         stripETag(info.ETag),
			Size:         info.Size,
			LastModified: info.LastModified,
			ContentType:  info.ContentType,
		}
		if withMetadata {
			full, err := d.Stat(ctx, info.Key)
			if err != nil {
				if errors.Is(err, blob.ErrNotFound) {
					continue
				}
				return nil, false, err
			}
			attrs = full
		}
		out = append(out, attrs)
	}
	return out, more, nil
}

func attrsFromInfo(info minio.ObjectInfo) objstore.Attrs {
	attrs := objstore.Attrs{
		Key:          info.Key,
		ETag:         stripETag(info.ETag),
		Size:         info.Size,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
		Metadata:     blob.CloneMetadata(info.UserMetadata),
	}
	if info.Metadata != nil {
		attrs.ContentEncoding = info.Metadata.Get("Content-Encoding")
	}
	return attrs
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	errResp := minio.ToErrorResponse(err)
	return errResp.StatusCode == http.StatusNotFound || errResp.Code == "NoSuchKey"
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ToErrorResponse(err)
	if errResp.StatusCode == http.StatusPreconditionFailed {
		return true
	}
	if errResp.StatusCode == http.StatusConflict {
		switch errResp.Code {
		case "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	return false
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	switch {
	case isNotFound(err):
		return fmt.Errorf("%s: %w", msg, blob.ErrNotFound)
	case isPreconditionFailed(err):
		return fmt.Errorf("%s: %w", msg, blob.ErrPreconditionFailed)
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if blob.IsRetryableNetworkError(err) {
		return blob.NewTransientError(wrapped)
	}
	if status := minio.ToErrorResponse(err).StatusCode; status != 0 && blob.IsRetryableStatus(status) {
		return blob.NewTransientError(wrapped)
	}
	return wrapped
}
