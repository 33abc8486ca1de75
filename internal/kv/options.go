package kv

import (
	"context"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/blobkv/internal/blob"
	"pkt.systems/blobkv/internal/clock"
	"pkt.systems/blobkv/internal/secrets"
)

// Lease and paging defaults.
const (
	MinLeaseDuration      = 15 * time.Second
	MaxLeaseDuration      = 60 * time.Second
	DefaultLeaseDuration  = 30 * time.Second
	DefaultReleaseTimeout = 10 * time.Second
	DefaultEndpointSuffix = "core.windows.net"
	DefaultPageSize       = 1000
)

// ContainerOpener turns a resolved credential into a container handle.
type ContainerOpener interface {
	OpenConnectionString(ctx context.Context, connectionString, container string) (blob.Container, error)
	OpenSharedAccessSignature(ctx context.Context, sas, account, endpointSuffix, container string) (blob.Container, error)
}

// Options configures a Store. Either Container is set, or Secrets, Opener and
// one of ConnectionStringSecret/SASSecret are, in which case the container is
// resolved on first use.
type Options struct {
	Container blob.Container

	Secrets                secrets.Resolver
	ConnectionStringSecret string
	SASSecret              string
	Account                string
	EndpointSuffix         string
	ContainerName          string
	Opener                 ContainerOpener

	// Decorate wraps every container handle the store uses, direct or
	// resolved. Retry and tracing decorators are installed here.
	Decorate func(blob.Container) blob.Container

	// DefaultNamespace applies when an operation names none.
	DefaultNamespace string

	LeaseOnWrite  bool
	LeaseDuration time.Duration
	// LeaseWait keeps retrying a contended lease for up to this long. Zero
	// fails on the first conflict.
	LeaseWait      time.Duration
	ReleaseTimeout time.Duration

	SnapshotOnWrite     bool
	DeleteExpiredOnRead bool
	PageSize            int

	Clock  clock.Clock
	Logger pslog.Logger
}

func (o *Options) normalize() error {
	if o.LeaseDuration == 0 {
		o.LeaseDuration = DefaultLeaseDuration
	}
	if o.LeaseOnWrite && (o.LeaseDuration < MinLeaseDuration || o.LeaseDuration > MaxLeaseDuration) {
		return &ConfigurationError{Reason: fmt.Sprintf("lease duration %s outside [%s, %s]", o.LeaseDuration, MinLeaseDuration, MaxLeaseDuration)}
	}
	if o.LeaseWait < 0 {
		return &ConfigurationError{Reason: "lease wait must not be negative"}
	}
	if o.ReleaseTimeout <= 0 {
		o.ReleaseTimeout = DefaultReleaseTimeout
	}
	if o.EndpointSuffix == "" {
		o.EndpointSuffix = DefaultEndpointSuffix
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if _, err := blob.CleanNamespace(o.DefaultNamespace); err != nil {
		return &ConfigurationError{Reason: "default namespace", Err: err}
	}
	return nil
}
