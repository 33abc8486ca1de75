// Package blobkv wires the conditional, lease-protected key-value store in
// internal/kv to a concrete blob backend, a secret resolver and the
// telemetry stack. It is the library behind the blobkv CLI.
//
// # Opening a store
//
// The store URL selects the backend:
//
//	mem://                              in-process, for tests and local use
//	azure://account/container[/prefix]  Azure Blob Storage
//	s3://host[:port]/bucket[/prefix]    S3-compatible services (MinIO, ...)
//	aws://bucket[/prefix]               Amazon S3
//
// Azure credentials are never configured directly. The store resolves a
// connection string (preferred) or shared access signature through the
// secret resolver named by Config.SecretsURL on first use:
//
//	cfg := blobkv.Config{
//	    Store:                  "azure://myaccount/settings",
//	    ConnectionStringSecret: "storage-connection",
//	    SecretsURL:             "bao://vault.internal:8200/secret",
//	    LeaseOnWrite:           true,
//	}
//	store, err := blobkv.OpenStore(ctx, cfg, logger)
//	if err != nil { log.Fatal(err) }
//	res, err := store.PutString(ctx, "feature-flags", `{"beta":true}`, kv.PutOptions{
//	    ContentType: "application/json",
//	    IfMatch:     lastETag,
//	})
//
// Every write may carry the entity tag the caller last observed. A stale tag
// yields kv.StatusPreconditionFailed rather than an error, so callers can
// re-read and retry.
//
// # Expiration
//
// Entries written with an expiry are hidden from reads once it passes. They
// stay in the container until Sweeper (or Store.RemoveExpired) deletes them.
//
// # Telemetry
//
// StartTelemetry installs OTLP tracing and a Prometheus scrape endpoint. The
// store, the sweeper and the blob decorators report through the global OTel
// providers.
package blobkv
