// Package collection ties together the WAL, the HNSW index, and the
// segment store of a single collection and enforces the write
// ordering contract: a mutation is appended to the WAL before it
// touches any in-memory structure.
//
// Two locks split the responsibilities. The write lock (a channel so
// acquisition respects contexts) serializes mutations and the
// compaction swap. The index lock is a plain RWMutex guarding the
// graph and its doc id mappings, so queries proceed concurrently and
// are only briefly excluded while a compaction swaps in a rebuilt
// index.
package collection

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/stratum/hnsw"
	"github.com/hupe1980/stratum/metric"
	"github.com/hupe1980/stratum/model"
	"github.com/hupe1980/stratum/segment"
	"github.com/hupe1980/stratum/wal"
)

// Options configure a collection.
type Options struct {
	// WAL configures the write-ahead log.
	WAL wal.Options
	// CompactionThreshold triggers background compaction once this
	// many mutations have accumulated since the last one. Zero
	// disables automatic compaction.
	CompactionThreshold int
	// LockTimeout bounds how long a writer waits for the write lock
	// before giving up with a ConcurrencyError.
	LockTimeout time.Duration
	// Logger receives lifecycle and compaction events.
	Logger *slog.Logger
	// OnAccess, if set, is invoked on every read and write. The
	// tiering engine uses it to track recency.
	OnAccess func()
}

// DefaultOptions returns the default collection configuration.
func DefaultOptions() Options {
	return Options{
		WAL:                 wal.DefaultOptions(),
		CompactionThreshold: 10000,
		LockTimeout:         5 * time.Second,
		Logger:              slog.Default(),
	}
}

// InsertRequest is one vector to insert.
type InsertRequest struct {
	ExternalID string
	Vector     []float32
	Metadata   model.Metadata
}

// QueryRequest is one nearest-neighbor query.
type QueryRequest struct {
	Vector []float32
	// K is the number of results requested.
	K int
	// Ef overrides the default search breadth when positive.
	Ef int
	// Filter, if set, keeps only results whose metadata it accepts.
	Filter func(model.Metadata) bool
}

// Stats is a point-in-time snapshot of collection counters.
type Stats struct {
	Live          int
	OverlaySize   int
	Inserts       uint64
	Deletes       uint64
	Queries       uint64
	Generation    model.Generation
	LastCompacted model.LSN
	CurrentLSN    model.LSN
}

// BackupMarker identifies a consistent restore point.
type BackupMarker struct {
	Generation model.Generation
	LSN        model.LSN
}

// Collection is one tenant-scoped vector collection.
type Collection struct {
	cfg  model.CollectionConfig
	opts Options

	log   *wal.Log
	store *segment.Store

	// writeMu serializes mutations and the compaction swap. It is a
	// channel so acquisition can honor context deadlines.
	writeMu chan struct{}

	// indexMu guards graph, docToNode and nodeToDoc.
	indexMu   sync.RWMutex
	graph     *hnsw.Graph
	docToNode map[model.DocID]uint32
	nodeToDoc []model.DocID

	nextDoc model.DocID

	inserts atomic.Uint64
	deletes atomic.Uint64
	queries atomic.Uint64

	lastCompacted atomic.Uint64

	// compacting ensures a single Compact runs at a time; the threshold
	// loop and a scheduled sweep may both trigger one.
	compacting atomic.Bool

	compactC chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// Open loads (or creates) the collection under dir: the sealed segment
// baseline is read first, the index is rebuilt from it, and the WAL is
// replayed from the first LSN the baseline does not cover.
func Open(dir string, cfg model.CollectionConfig, optFns ...func(o *Options)) (*Collection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, model.NewValidationError("invalid collection config: %v", err)
	}
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	store, err := segment.NewStore(filepath.Join(dir, "segments"), cfg.Dimension, cfg.Metric)
	if err != nil {
		if store == nil {
			return nil, err
		}
		// A corrupt newest generation was skipped; the index is
		// rebuilt from the older baseline plus the WAL.
		opts.Logger.Warn("segment store opened degraded",
			slog.String("collection", cfg.Name),
			slog.Any("error", err))
	}

	c := &Collection{
		cfg:       cfg,
		opts:      opts,
		store:     store,
		writeMu:   make(chan struct{}, 1),
		docToNode: make(map[model.DocID]uint32),
		compactC:  make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		nextDoc:   1,
	}
	c.graph = c.newGraph()

	baseline := false
	replayFrom := model.LSN(1)
	if seg := store.Sealed(); seg != nil {
		baseline = true
		replayFrom = seg.UpTo().Next()
		c.lastCompacted.Store(uint64(seg.UpTo()))
		for _, rec := range seg.Records() {
			if err := c.indexInsert(rec); err != nil {
				return nil, err
			}
		}
	}

	walOpts := opts.WAL
	c.log, err = wal.Open(filepath.Join(dir, "wal"), func(o *wal.Options) { *o = walOpts })
	if err != nil {
		return nil, err
	}

	stats, err := wal.Replay(c.log.Dir(), replayFrom, baseline, c.applyReplayed)
	if err != nil {
		c.log.Close()
		return nil, err
	}
	if stats.Applied > 0 || stats.Truncated {
		opts.Logger.Info("replayed write-ahead log",
			slog.String("collection", cfg.Name),
			slog.Int("applied", stats.Applied),
			slog.Uint64("last_lsn", uint64(stats.LastLSN)),
			slog.Bool("truncated_tail", stats.Truncated))
	}

	if opts.CompactionThreshold > 0 {
		c.wg.Add(1)
		go c.compactionLoop()
	}
	return c, nil
}

func (c *Collection) newGraph() *hnsw.Graph {
	return hnsw.New(c.cfg.Dimension, func(o *hnsw.Options) {
		o.M = c.cfg.HNSW.M
		o.EfConstruction = c.cfg.HNSW.EfConstruction
		o.Distance = metric.For(c.cfg.Metric)
	})
}

// indexInsert adds rec to the graph and the doc id mappings. Callers
// hold the write lock or run single-threaded during Open.
func (c *Collection) indexInsert(rec model.VectorRecord) error {
	id, err := c.graph.Insert(rec.Vector)
	if err != nil {
		return err
	}
	c.docToNode[rec.DocID] = id
	for int(id) >= len(c.nodeToDoc) {
		c.nodeToDoc = append(c.nodeToDoc, 0)
	}
	c.nodeToDoc[id] = rec.DocID
	if rec.DocID >= c.nextDoc {
		c.nextDoc = rec.DocID + 1
	}
	return nil
}

func (c *Collection) applyReplayed(rec *wal.Record) error {
	switch rec.Type {
	case wal.OpInsert:
		vrec := model.VectorRecord{
			DocID:      rec.DocID,
			ExternalID: rec.ExternalID,
			Vector:     rec.Vector,
			Metadata:   rec.Metadata,
			LSN:        rec.LSN,
		}
		if old, ok := c.docToNode[rec.DocID]; ok {
			// Re-insert of an existing doc supersedes the old node.
			_ = c.graph.Delete(old)
		}
		if err := c.indexInsert(vrec); err != nil {
			return err
		}
		c.store.ApplyInsert(vrec)
	case wal.OpDelete:
		if id, ok := c.docToNode[rec.DocID]; ok {
			_ = c.graph.Delete(id)
			delete(c.docToNode, rec.DocID)
		}
		c.store.ApplyDelete(rec.DocID, rec.LSN)
	case wal.OpCompaction:
		// The referenced generation may be newer than the loaded
		// baseline if its file was lost; the replayed operations above
		// already restored its contents to the overlay.
		if upTo := uint64(rec.UpTo); upTo > c.lastCompacted.Load() {
			c.lastCompacted.Store(upTo)
		}
	}
	return nil
}

// acquireWrite takes the write lock, honoring ctx and the configured
// lock timeout.
func (c *Collection) acquireWrite(ctx context.Context, op string) error {
	timer := time.NewTimer(c.opts.LockTimeout)
	defer timer.Stop()
	select {
	case c.writeMu <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return &model.ConcurrencyError{Op: op}
	}
}

func (c *Collection) releaseWrite() {
	<-c.writeMu
}

// checkWritable rejects writes after Close or after the WAL has
// latched a durability failure. Reads remain available either way.
func (c *Collection) checkWritable() error {
	if c.closed.Load() {
		return model.ErrClosed
	}
	if err := c.log.Failed(); err != nil {
		return fmt.Errorf("%w: %w", model.ErrCollectionUnavailable, err)
	}
	return nil
}

// Insert validates and durably applies one vector. The assigned DocID
// is returned once the record is on disk per the sync policy.
func (c *Collection) Insert(ctx context.Context, req InsertRequest) (model.DocID, error) {
	if err := metric.Validate(req.Vector, c.cfg.Dimension, c.cfg.Metric); err != nil {
		return 0, err
	}
	if err := c.checkWritable(); err != nil {
		return 0, err
	}
	if err := c.acquireWrite(ctx, "insert"); err != nil {
		return 0, err
	}
	defer c.releaseWrite()

	if req.ExternalID == "" {
		req.ExternalID = uuid.NewString()
	}

	docID := c.nextDoc
	lsn, err := c.log.Append(&wal.Record{
		Type:       wal.OpInsert,
		DocID:      docID,
		ExternalID: req.ExternalID,
		Vector:     req.Vector,
		Metadata:   req.Metadata,
	})
	if err != nil {
		return 0, err
	}

	rec := model.VectorRecord{
		DocID:      docID,
		ExternalID: req.ExternalID,
		Vector:     req.Vector,
		Metadata:   req.Metadata.Clone(),
		LSN:        lsn,
	}

	c.indexMu.Lock()
	err = c.indexInsert(rec)
	c.indexMu.Unlock()
	if err != nil {
		return 0, err
	}
	c.store.ApplyInsert(rec)

	c.inserts.Add(1)
	c.touch()
	c.maybeSignalCompaction()
	return docID, nil
}

// Delete tombstones a vector. The record stays physically present
// until the next compaction.
func (c *Collection) Delete(ctx context.Context, docID model.DocID) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	if err := c.acquireWrite(ctx, "delete"); err != nil {
		return err
	}
	defer c.releaseWrite()

	if !c.store.Contains(docID) {
		return &model.NotFoundError{Kind: "document", Name: fmt.Sprintf("%d", docID)}
	}

	lsn, err := c.log.Append(&wal.Record{Type: wal.OpDelete, DocID: docID})
	if err != nil {
		return err
	}

	c.indexMu.Lock()
	if id, ok := c.docToNode[docID]; ok {
		_ = c.graph.Delete(id)
		delete(c.docToNode, docID)
	}
	c.indexMu.Unlock()
	c.store.ApplyDelete(docID, lsn)

	c.deletes.Add(1)
	c.touch()
	c.maybeSignalCompaction()
	return nil
}

// Get resolves one document by id. The cold tier is consulted if the
// sealed generation was demoted.
func (c *Collection) Get(ctx context.Context, docID model.DocID) (model.VectorRecord, error) {
	rec, ok, err := c.store.Resolve(ctx, docID)
	if err != nil {
		return model.VectorRecord{}, err
	}
	if !ok {
		return model.VectorRecord{}, &model.NotFoundError{Kind: "document", Name: fmt.Sprintf("%d", docID)}
	}
	c.touch()
	return rec.Clone(), nil
}

// Query runs a nearest-neighbor search. Results are materialized
// (metadata, external ids) after the index lock is released, so a slow
// cold tier fetch never blocks concurrent searches.
func (c *Collection) Query(ctx context.Context, req QueryRequest) ([]model.SearchResult, error) {
	if req.K <= 0 {
		return nil, model.NewValidationError("k must be positive, got %d", req.K)
	}
	if err := metric.Validate(req.Vector, c.cfg.Dimension, c.cfg.Metric); err != nil {
		return nil, err
	}
	ef := req.Ef
	if ef <= 0 {
		ef = c.cfg.HNSW.EfSearch
	}

	// With a filter the index is asked for extra candidates since an
	// unknown fraction will be rejected afterwards.
	k := req.K
	if req.Filter != nil {
		k *= 4
	}

	c.indexMu.RLock()
	cands, err := c.graph.Search(ctx, req.Vector, k, ef)
	if err != nil {
		c.indexMu.RUnlock()
		return nil, err
	}
	docs := make([]model.DocID, len(cands))
	for i, cand := range cands {
		docs[i] = c.nodeToDoc[cand.ID]
	}
	c.indexMu.RUnlock()

	results := make([]model.SearchResult, 0, req.K)
	for i, docID := range docs {
		rec, ok, err := c.store.Resolve(ctx, docID)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Deleted between search and materialization.
			continue
		}
		if req.Filter != nil && !req.Filter(rec.Metadata) {
			continue
		}
		results = append(results, model.SearchResult{
			DocID:      docID,
			ExternalID: rec.ExternalID,
			Distance:   cands[i].Distance,
			Metadata:   rec.Metadata.Clone(),
			Vector:     rec.Vector,
		})
		if len(results) == req.K {
			break
		}
	}

	// Counted only once the result set is fully assembled; a query that
	// fails during materialization does not count.
	c.queries.Add(1)
	c.touch()
	return results, nil
}

// Stats returns current counters.
func (c *Collection) Stats() Stats {
	var gen model.Generation
	if seg := c.store.Sealed(); seg != nil {
		gen = seg.Generation()
	} else if ref := c.store.ColdRef(); ref != nil {
		gen = ref.Generation
	}
	return Stats{
		Live:          c.store.Live(),
		OverlaySize:   c.store.OverlaySize(),
		Inserts:       c.inserts.Load(),
		Deletes:       c.deletes.Load(),
		Queries:       c.queries.Load(),
		Generation:    gen,
		LastCompacted: model.LSN(c.lastCompacted.Load()),
		CurrentLSN:    c.log.CurrentLSN(),
	}
}

// Marker returns a consistent restore point: every LSN at or below it
// is reflected in the current generation plus the retained WAL files.
func (c *Collection) Marker() BackupMarker {
	m := BackupMarker{LSN: c.log.CurrentLSN()}
	if seg := c.store.Sealed(); seg != nil {
		m.Generation = seg.Generation()
	} else if ref := c.store.ColdRef(); ref != nil {
		m.Generation = ref.Generation
	}
	return m
}

// Config returns the immutable collection configuration.
func (c *Collection) Config() model.CollectionConfig { return c.cfg }

// Store exposes the segment store for tiering registration.
func (c *Collection) Store() *segment.Store { return c.store }

// Close stops background work and closes the WAL. Reads and writes
// fail afterwards.
func (c *Collection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)
	c.wg.Wait()
	return c.log.Close()
}

func (c *Collection) touch() {
	if c.opts.OnAccess != nil {
		c.opts.OnAccess()
	}
}

func (c *Collection) maybeSignalCompaction() {
	if c.opts.CompactionThreshold <= 0 {
		return
	}
	if int(c.inserts.Load()+c.deletes.Load()) < c.opts.CompactionThreshold {
		return
	}
	select {
	case c.compactC <- struct{}{}:
	default:
	}
}

func (c *Collection) compactionLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.compactC:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			if err := c.Compact(ctx); err != nil {
				c.opts.Logger.Error("background compaction failed",
					slog.String("collection", c.cfg.Name),
					slog.Any("error", err))
			}
			cancel()
		}
	}
}
