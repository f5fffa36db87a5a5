package stratum

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/robfig/cron/v3"

	"github.com/hupe1980/stratum/blobstore"
	minioblob "github.com/hupe1980/stratum/blobstore/minio"
	"github.com/hupe1980/stratum/catalog"
	"github.com/hupe1980/stratum/collection"
	"github.com/hupe1980/stratum/config"
	"github.com/hupe1980/stratum/model"
	"github.com/hupe1980/stratum/tiering"
	"github.com/hupe1980/stratum/wal"
)

// DB is the multi-tenant database handle. It owns the catalog, the
// loaded collections, and the optional tiering engine.
type DB struct {
	dataDir string
	opts    options

	catalog *catalog.Catalog
	tier    *tiering.Engine
	cron    *cron.Cron

	mu          sync.Mutex
	collections map[string]*collection.Collection
	closed      bool
}

// Open opens (or creates) a database rooted at dataDir.
func Open(dataDir string, optFns ...Option) (*DB, error) {
	opts := defaultDBOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	cat, err := catalog.Open(filepath.Join(dataDir, "catalog.db"))
	if err != nil {
		return nil, err
	}

	db := &DB{
		dataDir:     dataDir,
		opts:        opts,
		catalog:     cat,
		collections: make(map[string]*collection.Collection),
	}

	if opts.coldStore != nil {
		tierFns := append([]func(*tiering.Options){func(o *tiering.Options) {
			o.Logger = opts.logger.Logger
		}}, opts.tieringOptions...)
		db.tier = tiering.NewEngine(opts.coldStore, tierFns...)
		if err := db.tier.Start(); err != nil {
			cat.Close()
			return nil, err
		}
	}

	if opts.compactionSchedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(opts.compactionSchedule, db.compactLoaded); err != nil {
			if db.tier != nil {
				db.tier.Stop()
			}
			cat.Close()
			return nil, fmt.Errorf("invalid compaction schedule %q: %w", opts.compactionSchedule, err)
		}
		c.Start()
		db.cron = c
	}
	return db, nil
}

// compactLoaded compacts every loaded collection once. Per-collection
// failures are logged and do not stop the sweep.
func (d *DB) compactLoaded() {
	d.mu.Lock()
	cols := make(map[string]*collection.Collection, len(d.collections))
	for key, col := range d.collections {
		cols[key] = col
	}
	d.mu.Unlock()

	for key, col := range cols {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		if err := col.Compact(ctx); err != nil {
			d.opts.logger.Error("scheduled compaction failed",
				"collection", key,
				"error", err)
		}
		cancel()
	}
}

// OpenFromConfig wires the full stack from environment configuration,
// including the cold tier object store when tiering is enabled.
func OpenFromConfig(cfg config.Config) (*DB, error) {
	var logger *Logger
	if cfg.LogFormat == "json" {
		logger = NewJSONLogger(parseLevel(cfg.LogLevel))
	} else {
		logger = NewTextLogger(parseLevel(cfg.LogLevel))
	}

	opts := []Option{
		WithLogger(logger),
		WithCompactionThreshold(cfg.CompactionThreshold),
		WithCompactionSchedule(cfg.CompactionSchedule),
		WithHNSWDefaults(model.HNSWParams{
			M:              cfg.HNSWM,
			EfConstruction: cfg.HNSWEfConstruction,
			EfSearch:       cfg.HNSWEfSearch,
		}),
		WithWALOptions(func(o *wal.Options) {
			if cfg.WALSync == "batched" {
				o.Sync = wal.SyncBatched
			} else {
				o.Sync = wal.SyncAlways
			}
			o.BatchInterval = cfg.WALBatchInterval
			o.MaxFileSize = cfg.WALMaxFileSize
			o.Compress = cfg.WALCompress
		}),
	}

	if cfg.TieringEnabled {
		cold, err := openColdStore(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithColdStore(cold, func(o *tiering.Options) {
			o.Schedule = cfg.TieringSchedule
			o.Policy = tiering.Policy{ColdAfter: cfg.TieringColdAfter}
			o.UploadBytesPerSec = cfg.TieringUploadRate
		}))
	}

	return Open(cfg.DataDir, opts...)
}

func openColdStore(cfg config.Config) (blobstore.BlobStore, error) {
	if cfg.ColdEndpoint == "" {
		return blobstore.NewLocalStore(filepath.Join(cfg.DataDir, "cold"))
	}
	client, err := minio.New(cfg.ColdEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ColdAccessKey, cfg.ColdSecretKey, ""),
		Secure: cfg.ColdUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("stratum: cold store client: %w", err)
	}
	remote := minioblob.NewStore(client, cfg.ColdBucket, cfg.ColdPrefix)
	// Downloads are cached on local disk so repeated rehydrations of
	// the same generation hit the network once.
	return blobstore.NewCachingStore(remote, filepath.Join(cfg.DataDir, "cold-cache"))
}

// CreateCollection registers a collection in the catalog. Zero HNSW
// parameters are filled from the database defaults.
func (d *DB) CreateCollection(ctx context.Context, cfg model.CollectionConfig) error {
	if err := checkPathSegment("tenant", cfg.TenantID); err != nil {
		return err
	}
	if err := checkPathSegment("collection", cfg.Name); err != nil {
		return err
	}
	if cfg.HNSW == (model.HNSWParams{}) {
		cfg.HNSW = d.opts.hnswDefaults
	}
	return d.catalog.CreateCollection(ctx, cfg)
}

// Collection returns the loaded collection, loading it from its WAL
// and segment baseline on first access.
func (d *DB) Collection(ctx context.Context, tenantID, name string) (*collection.Collection, error) {
	key := tenantID + "/" + name

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if col, ok := d.collections[key]; ok {
		return col, nil
	}

	cfg, err := d.catalog.GetCollection(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	col, err := collection.Open(d.collectionDir(tenantID, name), cfg, func(o *collection.Options) {
		o.WAL = d.walOptions()
		o.CompactionThreshold = d.opts.compactionThreshold
		o.LockTimeout = d.opts.lockTimeout
		o.Logger = d.opts.logger.WithTenant(tenantID).WithCollection(name).Logger
		if d.tier != nil {
			o.OnAccess = func() { d.tier.Touch(key) }
		}
	})
	if err != nil {
		return nil, err
	}
	if d.tier != nil {
		d.tier.Register(key, col.Store())
	}
	if err := d.catalog.UpdateState(ctx, tenantID, name, model.StateLoaded); err != nil {
		col.Close()
		return nil, err
	}

	d.opts.logger.Info("loaded collection",
		"tenant", tenantID,
		"collection", name,
		"live", col.Stats().Live,
		"took", time.Since(start))
	d.collections[key] = col
	return col, nil
}

// DropCollection unloads a collection, removes it from the catalog,
// and deletes its files.
func (d *DB) DropCollection(ctx context.Context, tenantID, name string) error {
	key := tenantID + "/" + name

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if col, ok := d.collections[key]; ok {
		if err := col.Close(); err != nil {
			return err
		}
		delete(d.collections, key)
	}
	if d.tier != nil {
		d.tier.Unregister(key)
	}
	if err := d.catalog.DropCollection(ctx, tenantID, name); err != nil {
		return err
	}
	return os.RemoveAll(d.collectionDir(tenantID, name))
}

// ListCollections returns the catalog definitions of a tenant.
func (d *DB) ListCollections(ctx context.Context, tenantID string) ([]model.CollectionConfig, error) {
	return d.catalog.ListCollections(ctx, tenantID)
}

// Backup snapshots the catalog into destDir and returns a restore
// marker per loaded collection: the generation and LSN up to which
// that collection's state is durable.
func (d *DB) Backup(ctx context.Context, destDir string) (map[string]collection.BackupMarker, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}
	if err := d.catalog.Backup(ctx, filepath.Join(destDir, "catalog.db")); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	markers := make(map[string]collection.BackupMarker, len(d.collections))
	for key, col := range d.collections {
		markers[key] = col.Marker()
	}
	return markers, nil
}

// Close unloads all collections and stops background work.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
	if d.tier != nil {
		d.tier.Stop()
	}

	var firstErr error
	for key, col := range d.collections {
		if err := col.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		// Best effort; the state only affects the next startup's logs.
		_ = d.catalog.UpdateState(context.Background(), keyTenant(key), keyName(key), model.StateUnloaded)
	}
	d.collections = nil

	if err := d.catalog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (d *DB) walOptions() wal.Options {
	opts := wal.DefaultOptions()
	for _, fn := range d.opts.walOptions {
		fn(&opts)
	}
	return opts
}

func (d *DB) collectionDir(tenantID, name string) string {
	return filepath.Join(d.dataDir, "tenants", tenantID, name)
}

func checkPathSegment(kind, s string) error {
	if s == "" {
		return model.NewValidationError("%s must not be empty", kind)
	}
	if strings.ContainsAny(s, `/\`) || s == "." || s == ".." {
		return model.NewValidationError("%s %q contains path separators", kind, s)
	}
	return nil
}

func keyTenant(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return key
}

func keyName(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[i+1:]
	}
	return ""
}
