package kv

import (
	"context"
	"fmt"
	"io"
	"time"
)

// ReadOnlyKeyValue is the read half of the partitioned key-value view.
// concurrencyStamp is the entity tag the caller already holds. When it is
// still current the read returns an empty value and the same stamp.
type ReadOnlyKeyValue interface {
	GetBytes(ctx context.Context, key, partition, concurrencyStamp string, failOnMissing bool) ([]byte, string, error)
	GetString(ctx context.Context, key, partition, concurrencyStamp string, failOnMissing bool) (string, string, error)
	GetStream(ctx context.Context, key, partition, concurrencyStamp string, failOnMissing bool) (io.ReadCloser, string, error)
}

// KeyValue adds writes to ReadOnlyKeyValue. A non-empty concurrencyStamp
// must match the stored entity tag or the write fails with
// ErrPreconditionFailed. A zero expiresAt stores an entry that never
// expires.
type KeyValue interface {
	ReadOnlyKeyValue
	AddOrReplaceBytes(ctx context.Context, key string, value []byte, partition, concurrencyStamp string, expiresAt time.Time) (string, error)
	AddOrReplaceString(ctx context.Context, key, value, partition, concurrencyStamp string, expiresAt time.Time) (string, error)
	AddOrReplaceStream(ctx context.Context, key string, value io.Reader, partition, concurrencyStamp string, expiresAt time.Time) (string, error)
	Remove(ctx context.Context, key, partition string) error
}

// Adapter exposes a Store through KeyValue. Partitions map to namespaces.
type Adapter struct {
	store *Store
}

var _ KeyValue = (*Adapter)(nil)

// KeyValue returns the partitioned key-value view of s.
func (s *Store) KeyValue() *Adapter {
	return &Adapter{store: s}
}

func (a *Adapter) GetBytes(ctx context.Context, key, partition, concurrencyStamp string, failOnMissing bool) ([]byte, string, error) {
	res, err := a.store.GetBytes(ctx, key, GetOptions{
		Namespace:     partition,
		IfNoneMatch:   concurrencyStamp,
		FailOnMissing: failOnMissing,
	})
	if err != nil {
		return nil, "", err
	}
	return res.Value, res.Entry.ETag, nil
}

func (a *Adapter) GetString(ctx context.Context, key, partition, concurrencyStamp string, failOnMissing bool) (string, string, error) {
	res, err := a.store.GetString(ctx, key, GetOptions{
		Namespace:     partition,
		IfNoneMatch:   concurrencyStamp,
		FailOnMissing: failOnMissing,
	})
	if err != nil {
		return "", "", err
	}
	return res.Value, res.Entry.ETag, nil
}

// GetStream returns a nil reader unless the entry exists and changed since
// concurrencyStamp.
func (a *Adapter) GetStream(ctx context.Context, key, partition, concurrencyStamp string, failOnMissing bool) (io.ReadCloser, string, error) {
	res, err := a.store.GetStream(ctx, key, GetOptions{
		Namespace:     partition,
		IfNoneMatch:   concurrencyStamp,
		FailOnMissing: failOnMissing,
	})
	if err != nil {
		return nil, "", err
	}
	return res.Body, res.Entry.ETag, nil
}

func (a *Adapter) AddOrReplaceBytes(ctx context.Context, key string, value []byte, partition, concurrencyStamp string, expiresAt time.Time) (string, error) {
	res, err := a.store.PutBytes(ctx, key, value, a.putOptions(partition, concurrencyStamp, expiresAt))
	return stampOf(key, res, err)
}

func (a *Adapter) AddOrReplaceString(ctx context.Context, key, value, partition, concurrencyStamp string, expiresAt time.Time) (string, error) {
	res, err := a.store.PutString(ctx, key, value, a.putOptions(partition, concurrencyStamp, expiresAt))
	return stampOf(key, res, err)
}

func (a *Adapter) AddOrReplaceStream(ctx context.Context, key string, value io.Reader, partition, concurrencyStamp string, expiresAt time.Time) (string, error) {
	res, err := a.store.PutStream(ctx, key, value, a.putOptions(partition, concurrencyStamp, expiresAt))
	return stampOf(key, res, err)
}

// Remove deletes key. A missing key is not an error.
func (a *Adapter) Remove(ctx context.Context, key, partition string) error {
	_, err := a.store.Delete(ctx, key, DeleteOptions{Namespace: partition})
	return err
}

func (a *Adapter) putOptions(partition, concurrencyStamp string, expiresAt time.Time) PutOptions {
	return PutOptions{
		Namespace: partition,
		IfMatch:   concurrencyStamp,
		ExpiresAt: expiresAt,
	}
}

func stampOf(key string, res *Result, err error) (string, error) {
	if err != nil {
		return "", err
	}
	if res.Status == StatusPreconditionFailed {
		return "", fmt.Errorf("kv: put %s: %w", key, ErrPreconditionFailed)
	}
	return res.Entry.ETag, nil
}
