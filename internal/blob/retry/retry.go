// Package retry decorates blob containers so that transient backend failures
// are retried with exponential backoff.
package retry

import (
	"context"
	"io"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/blobkv/internal/blob"
	"pkt.systems/blobkv/internal/clock"
	"pkt.systems/blobkv/internal/loggingutil"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultConfig mirrors the backoff used by the bundled CLI.
func DefaultConfig() Config {
	return Config{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2}
}

// Wrap returns a container that retries transient errors according to cfg.
func Wrap(inner blob.Container, logger pslog.Logger, clk clock.Clock, cfg Config) blob.Container {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	return &container{
		inner:  inner,
		logger: loggingutil.EnsureLogger(logger),
		clock:  clock.Or(clk),
		cfg:    cfg,
	}
}

type container struct {
	inner  blob.Container
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (c *container) Name() string { return c.inner.Name() }

func (c *container) Create(ctx context.Context) error {
	return c.withRetry(ctx, "create_container", "", func(ctx context.Context) error {
		return c.inner.Create(ctx)
	})
}

func (c *container) Object(namespace, key string) (blob.Object, error) {
	obj, err := c.inner.Object(namespace, key)
	if err != nil {
		return nil, err
	}
	return &object{c: c, inner: obj}, nil
}

func (c *container) List(ctx context.Context, opts blob.ListOptions) (blob.ListPage, error) {
	var page blob.ListPage
	err := c.withRetry(ctx, "list", opts.Prefix, func(ctx context.Context) error {
		var err error
		page, err = c.inner.List(ctx, opts)
		return err
	})
	return page, err
}

type object struct {
	c     *container
	inner blob.Object
}

func (o *object) Name() string { return o.inner.Name() }

func (o *object) Properties(ctx context.Context, cond blob.Conditions) (blob.Properties, error) {
	var props blob.Properties
	err := o.c.withRetry(ctx, "properties", o.Name(), func(ctx context.Context) error {
		var err error
		props, err = o.inner.Properties(ctx, cond)
		return err
	})
	return props, err
}

func (o *object) Download(ctx context.Context, cond blob.Conditions) (io.ReadCloser, blob.Properties, error) {
	var (
		rc    io.ReadCloser
		props blob.Properties
	)
	err := o.c.withRetry(ctx, "download", o.Name(), func(ctx context.Context) error {
		var err error
		rc, props, err = o.inner.Download(ctx, cond)
		return err
	})
	return rc, props, err
}

// Upload only retries bodies that can be rewound.
func (o *object) Upload(ctx context.Context, body io.Reader, opts blob.UploadOptions) (blob.Properties, error) {
	seeker, ok := body.(io.Seeker)
	if !ok {
		return o.inner.Upload(ctx, body, opts)
	}
	start, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return o.inner.Upload(ctx, body, opts)
	}
	var props blob.Properties
	first := true
	err = o.c.withRetry(ctx, "upload", o.Name(), func(ctx context.Context) error {
		if !first {
			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return err
			}
		}
		first = false
		var err error
		props, err = o.inner.Upload(ctx, body, opts)
		return err
	})
	return props, err
}

func (o *object) SetHTTPHeaders(ctx context.Context, contentType, contentEncoding string, cond blob.Conditions) (blob.Properties, error) {
	var props blob.Properties
	err := o.c.withRetry(ctx, "set_http_headers", o.Name(), func(ctx context.Context) error {
		var err error
		props, err = o.inner.SetHTTPHeaders(ctx, contentType, contentEncoding, cond)
		return err
	})
	return props, err
}

func (o *object) SetMetadata(ctx context.Context, metadata map[string]string, cond blob.Conditions) (blob.Properties, error) {
	var props blob.Properties
	err := o.c.withRetry(ctx, "set_metadata", o.Name(), func(ctx context.Context) error {
		var err error
		props, err = o.inner.SetMetadata(ctx, metadata, cond)
		return err
	})
	return props, err
}

func (o *object) Snapshot(ctx context.Context, cond blob.Conditions) (string, error) {
	var id string
	err := o.c.withRetry(ctx, "snapshot", o.Name(), func(ctx context.Context) error {
		var err error
		id, err = o.inner.Snapshot(ctx, cond)
		return err
	})
	return id, err
}

func (o *object) Delete(ctx context.Context, opts blob.DeleteOptions) error {
	return o.c.withRetry(ctx, "delete", o.Name(), func(ctx context.Context) error {
		return o.inner.Delete(ctx, opts)
	})
}

func (o *object) AcquireLease(ctx context.Context, duration time.Duration) (string, error) {
	var id string
	err := o.c.withRetry(ctx, "acquire_lease", o.Name(), func(ctx context.Context) error {
		var err error
		id, err = o.inner.AcquireLease(ctx, duration)
		return err
	})
	return id, err
}

func (o *object) ReleaseLease(ctx context.Context, leaseID string) error {
	return o.c.withRetry(ctx, "release_lease", o.Name(), func(ctx context.Context) error {
		return o.inner.ReleaseLease(ctx, leaseID)
	})
}

func (c *container) withRetry(ctx context.Context, op, name string, fn func(context.Context) error) error {
	attempts := c.cfg.MaxAttempts
	if attempts <= 1 || blob.RetryDisabled(ctx) {
		return fn(ctx)
	}
	delay := c.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !blob.IsTransient(err) || attempt == attempts {
			return err
		}
		c.logger.Warn("blob transient error",
			"operation", op,
			"container", c.inner.Name(),
			"name", name,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(delay):
		}
		next := time.Duration(float64(delay) * c.cfg.Multiplier)
		if c.cfg.MaxDelay > 0 && next > c.cfg.MaxDelay {
			next = c.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}
