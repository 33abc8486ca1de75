// Package aws provides an objstore.Driver backed by the AWS SDK for Go v2.
package aws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/blobkv/internal/blob"
	"pkt.systems/blobkv/internal/blob/objstore"
	"pkt.systems/blobkv/internal/clock"
)

// Config controls the AWS S3 driver.
type Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	Prefix       string
	Insecure     bool
	UsePathStyle bool
	// AccessKey and SecretKey override the default credential chain when set.
	AccessKey    string
	SecretKey    string
	SessionToken string
	Clock        clock.Clock
}

// Driver implements objstore.Driver using the AWS SDK.
type Driver struct {
	client *s3.Client
	cfg    Config
}

// New returns a blob.Container backed by an AWS S3 bucket.
func New(ctx context.Context, cfg Config) (*objstore.Container, error) {
	driver, err := NewDriver(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return objstore.New(driver, objstore.Options{Name: cfg.Bucket, Prefix: cfg.Prefix, Clock: cfg.Clock}), nil
}

// NewDriver constructs the raw driver.
func NewDriver(ctx context.Context, cfg Config) (*Driver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: defaultTransport(cfg.Insecure)}),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &Driver{client: client, cfg: cfg}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
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
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Client exposes the underlying AWS client for diagnostics.
func (d *Driver) Client() *s3.Client { return d.client }

// CreateBucket creates the configured bucket.
func (d *Driver) CreateBucket(ctx context.Context) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(d.cfg.Bucket)}
	if d.cfg.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(d.cfg.Region),
		}
	}
	if _, err := d.client.CreateBucket(ctx, input); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
				return blob.ErrContainerExists
			}
		}
		return wrapError(err, "aws: create bucket")
	}
	return nil
}

// Stat returns the attributes of key.
func (d *Driver) Stat(ctx context.Context, key string) (objstore.Attrs, error) {
	out, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return objstore.Attrs{}, wrapError(err, "aws: head object")
	}
	return objstore.Attrs{
		Key:             key,
		ETag:            stripETag(aws.ToString(out.ETag)),
		Size:            aws.ToInt64(out.ContentLength),
		LastModified:    aws.ToTime(out.LastModified),
		ContentType:     aws.ToString(out.ContentType),
		ContentEncoding: aws.ToString(out.ContentEncoding),
		Metadata:        blob.CloneMetadata(out.Metadata),
	}, nil
}

// Get opens key for reading.
func (d *Driver) Get(ctx context.Context, key string) (io.ReadCloser, objstore.Attrs, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, objstore.Attrs{}, wrapError(err, "aws: get object")
	}
	return out.Body, objstore.Attrs{
		Key:             key,
		ETag:            stripETag(aws.ToString(out.ETag)),
		Size:            aws.ToInt64(out.ContentLength),
		LastModified:    aws.ToTime(out.LastModified),
		ContentType:     aws.ToString(out.ContentType),
		ContentEncoding: aws.ToString(out.ContentEncoding),
		Metadata:        blob.CloneMetadata(out.Metadata),
	}, nil
}

// Put uploads key under the native preconditions in opts.
func (d *Driver) Put(ctx context.Context, key string, body io.Reader, size int64, opts objstore.PutOptions) (objstore.Attrs, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(d.cfg.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		Metadata:      opts.Metadata,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.ContentEncoding != "" {
		input.ContentEncoding = aws.String(opts.ContentEncoding)
	}
	if opts.IfMatch != "" {
		input.IfMatch = aws.String(opts.IfMatch)
	}
	if opts.IfNoneMatch != "" {
		input.IfNoneMatch = aws.String(opts.IfNoneMatch)
	}
	out, err := d.client.PutObject(ctx, input)
	if err != nil {
		return objstore.Attrs{}, wrapError(err, "aws: put object")
	}
	return objstore.Attrs{
		Key:  key,
		ETag: stripETag(aws.ToString(out.ETag)),
		Size: size,
	}, nil
}

// Copy performs a server-side copy from src to dst.
func (d *Driver) Copy(ctx context.Context, src, dst string, opts objstore.CopyOptions) (objstore.Attrs, error) {
	input := &s3.CopyObjectInput{
		Bucket:     aws.String(d.cfg.Bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(copySource(d.cfg.Bucket, src)),
	}
	if opts.SourceIfMatch != "" {
		input.CopySourceIfMatch = aws.String(opts.SourceIfMatch)
	}
	if opts.ReplaceMetadata {
		input.MetadataDirective = types.MetadataDirectiveReplace
		input.Metadata = opts.Metadata
		contentType := opts.ContentType
		if contentType == "" {
			contentType = blob.ContentTypeOctetStream
		}
		input.ContentType = aws.String(contentType)
		if opts.ContentEncoding != "" {
			input.ContentEncoding = aws.String(opts.ContentEncoding)
		}
	}
	out, err := d.client.CopyObject(ctx, input)
	if err != nil {
		return objstore.Attrs{}, wrapError(err, "aws: copy object")
	}
	attrs := objstore.Attrs{Key: dst}
	if out.CopyObjectResult != nil {
		attrs.ETag = stripETag(aws.ToString(out.CopyObjectResult.ETag))
		attrs.LastModified = aws.ToTime(out.CopyObjectResult.LastModified)
	}
	return attrs, nil
}

// Delete removes key. Missing keys are reported as blob.ErrNotFound.
func (d *Driver) Delete(ctx context.Context, key string, opts objstore.DeleteOptions) error {
	if _, err := d.Stat(ctx, key); err != nil {
		return err
	}
	input := &s3.DeleteObjectInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(key),
	}
	if opts.IfMatch != "" {
		input.IfMatch = aws.String(opts.IfMatch)
	}
	if _, err := d.client.DeleteObject(ctx, input); err != nil {
		return wrapError(err, "aws: delete object")
	}
	return nil
}

// List returns up to limit objects under prefix after startAfter.
func (d *Driver) List(ctx context.Context, prefix, startAfter string, limit int, withMetadata bool) ([]objstore.Attrs, bool, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(d.cfg.Bucket),
		Prefix: aws.String(prefix),
	}
	if startAfter != "" {
		input.StartAfter = aws.String(startAfter)
	}
	if limit > 0 {
		input.MaxKeys = aws.Int32(int32(limit))
	}
	out, err := d.client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, false, wrapError(err, "aws: list objects")
	}
	items := make([]objstore.Attrs, 0, len(out.Contents))
	for _, obj := range out.Contents {
		key := aws.ToString(obj.Key)
		if withMetadata {
			attrs, err := d.Stat(ctx, key)
			if err != nil {
				if errors.Is(err, blob.ErrNotFound) {
					continue
				}
				return nil, false, err
			}
			items = append(items, attrs)
			continue
		}
		items = append(items, objstore.Attrs{
			Key:          key,
			ETag:         stripETag(aws.ToString(obj.ETag)),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	return items, aws.ToBool(out.IsTruncated), nil
}

func copySource(bucket, key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	return bucket + "/" + strings.TrimPrefix(escaped, "/")
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
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
	if isRetryable(err) {
		return blob.NewTransientError(wrapped)
	}
	return wrapped
}

func isRetryable(err error) bool {
	if blob.IsRetryableNetworkError(err) {
		return true
	}
	if status, ok := httpStatusCode(err); ok {
		return blob.IsRetryableStatus(status)
	}
	return false
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusPreconditionFailed || status == http.StatusConflict
	}
	return false
}

func httpStatusCode(err error) (int, bool) {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	return 0, false
}
