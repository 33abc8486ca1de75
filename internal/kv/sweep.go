package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"pkt.systems/blobkv/internal/blob"
)

// Objects lists every live object under namespace. Pages are fetched on
// demand and carry metadata. Iteration stops at the first error.
func (s *Store) Objects(ctx context.Context, namespace string) iter.Seq2[blob.Item, error] {
	return func(yield func(blob.Item, error) bool) {
		c, err := s.ensureReady(ctx)
		if err != nil {
			yield(blob.Item{}, err)
			return
		}
		prefix, err := blob.NamespacePrefix(s.namespace(namespace))
		if err != nil {
			yield(blob.Item{}, err)
			return
		}
		marker := ""
		for {
			page, err := c.List(ctx, blob.ListOptions{
				Prefix:          prefix,
				Marker:          marker,
				MaxResults:      s.opts.PageSize,
				IncludeMetadata: true,
			})
			if err != nil {
				yield(blob.Item{}, fmt.Errorf("kv: list %q: %w", prefix, err))
				return
			}
			for _, item := range page.Items {
				if !yield(item, nil) {
					return
				}
			}
			if page.NextMarker == "" {
				return
			}
			marker = page.NextMarker
		}
	}
}

// RemoveExpired deletes every entry in namespace whose expiration had
// passed when the call began. Each delete is guarded by the entity tag seen in the listing, so
// an entry rewritten after it was listed is skipped. No lease is taken.
func (s *Store) RemoveExpired(ctx context.Context, namespace string) (stats SweepStats, err error) {
	begin := s.clock.Now()
	now := begin
	ns := s.namespace(namespace)
	logger := s.logger.With("namespace", ns)
	defer func() {
		elapsed := s.clock.Now().Sub(begin)
		s.metrics.recordSweep(ctx, ns, stats, elapsed, err)
		if err != nil {
			logger.Warn("kv.sweep.error", "error", err, "scanned", stats.Scanned, "deleted", stats.Deleted)
			return
		}
		logger.Debug("kv.sweep.complete",
			"scanned", stats.Scanned,
			"expired", stats.Expired,
			"deleted", stats.Deleted,
			"skipped", stats.Skipped,
			"elapsed", elapsed,
		)
	}()

	c, err := s.ensureReady(ctx)
	if err != nil {
		return stats, err
	}
	sweepCtx := blob.ContextWithoutRetry(ctx)
	for item, lerr := range s.Objects(sweepCtx, namespace) {
		if lerr != nil {
			return stats, lerr
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Scanned++
		if !expired(item.Properties.Metadata, now) {
			continue
		}
		stats.Expired++
		if err := s.sweepItem(sweepCtx, c, ns, item); err != nil {
			if errors.Is(err, blob.ErrNotFound) || errors.Is(err, blob.ErrPreconditionFailed) || errors.Is(err, blob.ErrLeaseConflict) {
				stats.Skipped++
				logger.Debug("kv.sweep.skipped", "name", item.Name, "error", err)
				continue
			}
			return stats, fmt.Errorf("kv: sweep %s: %w", item.Name, err)
		}
		stats.Deleted++
		logger.Trace("kv.sweep.deleted", "name", item.Name)
	}
	return stats, nil
}

func (s *Store) sweepItem(ctx context.Context, c blob.Container, namespace string, item blob.Item) error {
	prefix, err := blob.NamespacePrefix(namespace)
	if err != nil {
		return err
	}
	key := item.Name[len(prefix):]
	obj, err := c.Object(namespace, key)
	if err != nil {
		return err
	}
	return obj.Delete(ctx, blob.DeleteOptions{
		IncludeSnapshots: true,
		Conditions:       blob.Conditions{IfMatch: item.Properties.ETag},
	})
}
