package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"
)

// CachingStore wraps a remote BlobStore with a read-through cache on
// the local filesystem. A blob is fetched from the remote at most once
// per cache miss; concurrent misses for the same name share one fetch.
//
// Blobs are immutable, so cached copies never go stale. Put and Delete
// still invalidate defensively in case a name is reused.
type CachingStore struct {
	inner BlobStore
	cache *LocalStore
	group singleflight.Group
}

// NewCachingStore creates a CachingStore that caches fetched blobs
// under cacheDir.
func NewCachingStore(inner BlobStore, cacheDir string) (*CachingStore, error) {
	cache, err := NewLocalStore(cacheDir)
	if err != nil {
		return nil, err
	}
	return &CachingStore{inner: inner, cache: cache}, nil
}

// cacheName flattens a blob name into a single safe filename.
func cacheName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:16])
}

// Open returns the cached copy if present, fetching it from the inner
// store otherwise.
func (s *CachingStore) Open(ctx context.Context, name string) (Blob, error) {
	cn := cacheName(name)
	if b, err := s.cache.Open(ctx, cn); err == nil {
		return b, nil
	}

	_, err, _ := s.group.Do(name, func() (any, error) {
		data, err := ReadAll(ctx, s.inner, name)
		if err != nil {
			return nil, err
		}
		return nil, s.cache.Put(ctx, cn, data)
	})
	if err != nil {
		return nil, err
	}
	return s.cache.Open(ctx, cn)
}

// Put writes through to the inner store and drops any cached copy.
func (s *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	if err := s.inner.Put(ctx, name, data); err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheName(name))
}

// Delete removes the blob from the inner store and the cache.
func (s *CachingStore) Delete(ctx context.Context, name string) error {
	if err := s.inner.Delete(ctx, name); err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheName(name))
}

// List delegates to the inner store.
func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

// Purge drops all cached copies.
func (s *CachingStore) Purge() error {
	names, err := s.cache.List(context.Background(), "")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, n := range names {
		if err := os.Remove(filepath.Join(s.cache.root, n)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
