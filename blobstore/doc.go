// Package blobstore provides the storage abstraction for Stratum's
// immutable blobs: sealed segments and cold tier snapshots.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem with atomic writes
//   - MemoryStore: in-memory store for testing
//   - CachingStore: read-through disk cache in front of a remote store
//   - minio.Store: MinIO and S3-compatible object storage
//   - s3.Store: Amazon S3 with parallel uploads
//
// Blobs are written once and never mutated, so implementations only
// need atomic whole-object writes and range reads.
package blobstore
