// Package azure implements blob.Container on Azure Blob Storage using native
// leases, snapshots and conditional headers.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	azblobblob "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"

	"pkt.systems/blobkv/internal/blob"
)

// DefaultEndpointSuffix is the public-cloud blob endpoint suffix.
const DefaultEndpointSuffix = "core.windows.net"

// Config controls connectivity to Azure Blob Storage. Exactly one of
// ConnectionString, SASToken or AccountKey supplies the credential.
type Config struct {
	ConnectionString string
	Account          string
	AccountKey       string
	SASToken         string
	Endpoint         string
	EndpointSuffix   string
	Container        string
	Prefix           string
}

// Container implements blob.Container for one Azure container.
type Container struct {
	client *container.Client
	name   string
	prefix string
}

// New constructs a Container from cfg. It performs no network I/O.
func New(cfg Config) (*Container, error) {
	if strings.TrimSpace(cfg.Container) == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	clientOpts := defaultClientOptions()
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case strings.TrimSpace(cfg.ConnectionString) != "":
		client, err = azblob.NewClientFromConnectionString(strings.TrimSpace(cfg.ConnectionString), clientOpts)
	case cfg.SASToken != "":
		endpoint, eerr := serviceEndpoint(cfg)
		if eerr != nil {
			return nil, eerr
		}
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	case cfg.AccountKey != "":
		endpoint, eerr := serviceEndpoint(cfg)
		if eerr != nil {
			return nil, eerr
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	default:
		return nil, fmt.Errorf("azure: connection string, SAS token or account key required")
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	return &Container{
		client: client.ServiceClient().NewContainerClient(cfg.Container),
		name:   cfg.Container,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func serviceEndpoint(cfg Config) (string, error) {
	if cfg.Endpoint != "" {
		return cfg.Endpoint, nil
	}
	if cfg.Account == "" {
		return "", fmt.Errorf("azure: account is required")
	}
	suffix := strings.Trim(cfg.EndpointSuffix, ". ")
	if suffix == "" {
		suffix = DefaultEndpointSuffix
	}
	return fmt.Sprintf("https://%s.blob.%s/", cfg.Account, suffix), nil
}

func defaultClientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: defaultTransporter(),
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	clone.MaxIdleConns = 256
	clone.MaxIdleConnsPerHost = 64
	clone.IdleConnTimeout = 90 * time.Second
	clone.TLSHandshakeTimeout = 10 * time.Second
	clone.ExpectContinueTimeout = time.Second
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(strings.TrimSpace(sas), "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// Name returns the container name.
func (c *Container) Name() string { return c.name }

// Create creates the container.
func (c *Container) Create(ctx context.Context) error {
	if _, err := c.client.Create(ctx, nil); err != nil {
		return classify(err, "create container")
	}
	return nil
}

// Object returns a reference to namespace/key under the configured prefix.
func (c *Container) Object(namespace, key string) (blob.Object, error) {
	name, err := blob.ObjectName(namespace, key)
	if err != nil {
		return nil, err
	}
	full := c.prefixed(name)
	return &object{
		name:   name,
		client: c.client.NewBlockBlobClient(full),
	}, nil
}

// List returns one page of base blobs. Snapshots are not included.
func (c *Container) List(ctx context.Context, opts blob.ListOptions) (blob.ListPage, error) {
	prefix := opts.Prefix
	if c.prefix != "" {
		prefix = c.prefix + "/" + opts.Prefix
	}
	listOpts := &container.ListBlobsFlatOptions{
		Include: container.ListBlobsInclude{Metadata: opts.IncludeMetadata},
	}
	if prefix != "" {
		listOpts.Prefix = to.Ptr(prefix)
	}
	if opts.Marker != "" {
		listOpts.Marker = to.Ptr(opts.Marker)
	}
	if opts.MaxResults > 0 {
		listOpts.MaxResults = to.Ptr(int32(opts.MaxResults))
	}
	pager := c.client.NewListBlobsFlatPager(listOpts)
	if !pager.More() {
		return blob.ListPage{}, nil
	}
	resp, err := pager.NextPage(ctx)
	if err != nil {
		return blob.ListPage{}, classify(err, "list blobs")
	}
	page := blob.ListPage{}
	if resp.Segment != nil {
		for _, item := range resp.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			out := blob.Item{Name: c.trimPrefix(*item.Name)}
			if p := item.Properties; p != nil {
				out.Properties = blob.Properties{
					ETag:            etagString(p.ETag),
					ContentType:     deref(p.ContentType),
					ContentEncoding: deref(p.ContentEncoding),
					ContentLength:   deref(p.ContentLength),
					CreatedAt:       deref(p.CreationTime),
					LastModified:    deref(p.LastModified),
				}
			}
			out.Properties.Metadata = fromAzureMetadata(item.Metadata)
			page.Items = append(page.Items, out)
		}
	}
	if resp.NextMarker != nil {
		page.NextMarker = *resp.NextMarker
	}
	return page, nil
}

func (c *Container) prefixed(name string) string {
	if c.prefix == "" {
		return name
	}
	if name == "" {
		return c.prefix
	}
	return path.Join(c.prefix, name)
}

func (c *Container) trimPrefix(name string) string {
	if c.prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, c.prefix+"/")
}

type object struct {
	name   string
	client *blockblob.Client
}

func (o *object) Name() string { return o.name }

func (o *object) Properties(ctx context.Context, cond blob.Conditions) (blob.Properties, error) {
	resp, err := o.client.GetProperties(ctx, &azblobblob.GetPropertiesOptions{AccessConditions: accessConditions(cond)})
	if err != nil {
		return blob.Properties{}, classify(err, "get properties "+o.name)
	}
	return blob.Properties{
		ETag:            etagString(resp.ETag),
		ContentType:     deref(resp.ContentType),
		ContentEncoding: deref(resp.ContentEncoding),
		ContentLength:   deref(resp.ContentLength),
		CreatedAt:       deref(resp.CreationTime),
		LastModified:    deref(resp.LastModified),
		Metadata:        fromAzureMetadata(resp.Metadata),
	}, nil
}

func (o *object) Download(ctx context.Context, cond blob.Conditions) (io.ReadCloser, blob.Properties, error) {
	resp, err := o.client.DownloadStream(ctx, &azblobblob.DownloadStreamOptions{AccessConditions: accessConditions(cond)})
	if err != nil {
		return nil, blob.Properties{}, classify(err, "download "+o.name)
	}
	props := blob.Properties{
		ETag:            etagString(resp.ETag),
		ContentType:     deref(resp.ContentType),
		ContentEncoding: deref(resp.ContentEncoding),
		ContentLength:   deref(resp.ContentLength),
		LastModified:    deref(resp.LastModified),
		Metadata:        fromAzureMetadata(resp.Metadata),
	}
	return resp.Body, props, nil
}

func (o *object) Upload(ctx context.Context, body io.Reader, opts blob.UploadOptions) (blob.Properties, error) {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = blob.ContentTypeOctetStream
	}
	headers := &azblobblob.HTTPHeaders{BlobContentType: to.Ptr(contentType)}
	if opts.ContentEncoding != "" {
		headers.BlobContentEncoding = to.Ptr(opts.ContentEncoding)
	}
	resp, err := o.client.UploadStream(ctx, body, &blockblob.UploadStreamOptions{
		HTTPHeaders:      headers,
		Metadata:         toAzureMetadata(opts.Metadata),
		AccessConditions: accessConditions(opts.Conditions),
	})
	if err != nil {
		return blob.Properties{}, classify(err, "upload "+o.name)
	}
	return blob.Properties{
		ETag:            etagString(resp.ETag),
		ContentType:     contentType,
		ContentEncoding: opts.ContentEncoding,
		LastModified:    deref(resp.LastModified),
		Metadata:        blob.CloneMetadata(opts.Metadata),
	}, nil
}

func (o *object) SetHTTPHeaders(ctx context.Context, contentType, contentEncoding string, cond blob.Conditions) (blob.Properties, error) {
	headers := azblobblob.HTTPHeaders{}
	if contentType != "" {
		headers.BlobContentType = to.Ptr(contentType)
	}
	if contentEncoding != "" {
		headers.BlobContentEncoding = to.Ptr(contentEncoding)
	}
	resp, err := o.client.SetHTTPHeaders(ctx, headers, &azblobblob.SetHTTPHeadersOptions{AccessConditions: accessConditions(cond)})
	if err != nil {
		return blob.Properties{}, classify(err, "set headers "+o.name)
	}
	return blob.Properties{
		ETag:            etagString(resp.ETag),
		ContentType:     contentType,
		ContentEncoding: contentEncoding,
		LastModified:    deref(resp.LastModified),
	}, nil
}

func (o *object) SetMetadata(ctx context.Context, metadata map[string]string, cond blob.Conditions) (blob.Properties, error) {
	resp, err := o.client.SetMetadata(ctx, toAzureMetadata(metadata), &azblobblob.SetMetadataOptions{AccessConditions: accessConditions(cond)})
	if err != nil {
		return blob.Properties{}, classify(err, "set metadata "+o.name)
	}
	return blob.Properties{
		ETag:         etagString(resp.ETag),
		LastModified: deref(resp.LastModified),
		Metadata:     blob.CloneMetadata(metadata),
	}, nil
}

func (o *object) Snapshot(ctx context.Context, cond blob.Conditions) (string, error) {
	resp, err := o.client.CreateSnapshot(ctx, &azblobblob.CreateSnapshotOptions{AccessConditions: accessConditions(cond)})
	if err != nil {
		return "", classify(err, "snapshot "+o.name)
	}
	return deref(resp.Snapshot), nil
}

func (o *object) Delete(ctx context.Context, opts blob.DeleteOptions) error {
	deleteOpts := &azblobblob.DeleteOptions{AccessConditions: accessConditions(opts.Conditions)}
	if opts.IncludeSnapshots {
		deleteOpts.DeleteSnapshots = to.Ptr(azblobblob.DeleteSnapshotsOptionTypeInclude)
	}
	if _, err := o.client.Delete(ctx, deleteOpts); err != nil {
		return classify(err, "delete "+o.name)
	}
	return nil
}

func (o *object) AcquireLease(ctx context.Context, duration time.Duration) (string, error) {
	leaseClient, err := lease.NewBlobClient(o.client, &lease.BlobClientOptions{LeaseID: to.Ptr(blob.NewVersionToken())})
	if err != nil {
		return "", fmt.Errorf("azure: lease client: %w", err)
	}
	seconds := int32(-1)
	if duration > 0 {
		seconds = int32(duration / time.Second)
	}
	resp, err := leaseClient.AcquireLease(ctx, seconds, nil)
	if err != nil {
		return "", classify(err, "acquire lease "+o.name)
	}
	return deref(resp.LeaseID), nil
}

func (o *object) ReleaseLease(ctx context.Context, leaseID string) error {
	leaseClient, err := lease.NewBlobClient(o.client, &lease.BlobClientOptions{LeaseID: to.Ptr(leaseID)})
	if err != nil {
		return fmt.Errorf("azure: lease client: %w", err)
	}
	if _, err := leaseClient.ReleaseLease(ctx, nil); err != nil {
		return classify(err, "release lease "+o.name)
	}
	return nil
}

func accessConditions(cond blob.Conditions) *azblobblob.AccessConditions {
	if cond.IsZero() {
		return nil
	}
	out := &azblobblob.AccessConditions{}
	if cond.IfMatch != "" || cond.IfNoneMatch != "" || cond.IfModifiedSince != nil || cond.IfUnmodifiedSince != nil {
		mod := &azblobblob.ModifiedAccessConditions{
			IfModifiedSince:   cond.IfModifiedSince,
			IfUnmodifiedSince: cond.IfUnmodifiedSince,
		}
		if cond.IfMatch != "" {
			mod.IfMatch = to.Ptr(azcore.ETag(cond.IfMatch))
		}
		if cond.IfNoneMatch != "" {
			mod.IfNoneMatch = to.Ptr(azcore.ETag(cond.IfNoneMatch))
		}
		out.ModifiedAccessConditions = mod
	}
	if cond.LeaseID != "" {
		out.LeaseAccessConditions = &azblobblob.LeaseAccessConditions{LeaseID: to.Ptr(cond.LeaseID)}
	}
	return out
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func etagString(etag *azcore.ETag) string {
	if etag == nil {
		return ""
	}
	return string(*etag)
}

func fromAzureMetadata(md map[string]*string) map[string]string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		if v == nil {
			continue
		}
		out[k] = *v
	}
	return out
}

func toAzureMetadata(md map[string]string) map[string]*string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]*string, len(md))
	for k, v := range md {
		out[k] = to.Ptr(v)
	}
	return out
}

// classify maps Azure responses onto the blob sentinel errors.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	switch {
	case bloberror.HasCode(err,
		bloberror.LeaseAlreadyPresent,
		bloberror.LeaseIDMissing,
		bloberror.LeaseIDMismatchWithBlobOperation,
		bloberror.LeaseIDMismatchWithLeaseOperation,
		bloberror.LeaseNotPresentWithBlobOperation,
		bloberror.LeaseNotPresentWithLeaseOperation,
		bloberror.LeaseLost):
		return fmt.Errorf("azure: %s: %w", op, blob.ErrLeaseConflict)
	case bloberror.HasCode(err, bloberror.ContainerAlreadyExists):
		return fmt.Errorf("azure: %s: %w", op, blob.ErrContainerExists)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("azure: %s: %w", op, blob.ErrNotFound)
		case http.StatusNotModified:
			return fmt.Errorf("azure: %s: %w", op, blob.ErrNotModified)
		case http.StatusPreconditionFailed:
			return fmt.Errorf("azure: %s: %w", op, blob.ErrPreconditionFailed)
		}
		if blob.IsRetryableStatus(respErr.StatusCode) {
			return blob.NewTransientError(fmt.Errorf("azure: %s: %w", op, err))
		}
		return fmt.Errorf("azure: %s: %w", op, err)
	}
	if blob.IsRetryableNetworkError(err) {
		return blob.NewTransientError(fmt.Errorf("azure: %s: %w", op, err))
	}
	return fmt.Errorf("azure: %s: %w", op, err)
}
