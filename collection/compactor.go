package collection

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/hupe1980/stratum/model"
	"github.com/hupe1980/stratum/segment"
)

// Compact merges the sealed generation with the overlay into a new
// generation, physically dropping tombstoned records, and swaps it in
// atomically together with a rebuilt index and reset counters.
//
// The expensive phases (merge, index rebuild) run without any lock:
// the sealed generation is immutable and the overlay is snapshotted.
// Writers are only excluded for the final catch-up-and-swap, and
// readers only while the index pointer flips. Nothing is published on
// error, so a failed compaction leaves the collection exactly as it
// was. Running with no accumulated changes is a no-op.
func (c *Collection) Compact(ctx context.Context) error {
	if c.closed.Load() {
		return model.ErrClosed
	}
	if !c.compacting.CompareAndSwap(false, true) {
		// Another compaction is already running.
		return nil
	}
	defer c.compacting.Store(false)

	// Rehydrate first if the generation is cold so the merge below
	// never waits on the network while holding a lock.
	sealed, err := c.store.Current(ctx)
	if err != nil {
		return err
	}

	// Snapshot phase. upTo and the overlay are read together under the
	// write lock: an insert whose WAL append has completed but whose
	// overlay apply has not would otherwise hold an LSN at or below
	// upTo while being absent from the snapshot, and Publish would drop
	// it as covered.
	if err := c.acquireWrite(ctx, "compact"); err != nil {
		return err
	}
	upTo := c.log.CurrentLSN()
	overlay := c.store.OverlayRecords()
	c.releaseWrite()

	if len(overlay) == 0 {
		return nil
	}

	merged := mergeRecords(sealed, overlay, upTo)

	// Offline rebuild. Queries keep using the old graph meanwhile.
	graph := c.newGraph()
	docToNode := make(map[model.DocID]uint32, len(merged))
	nodeToDoc := make([]model.DocID, 0, len(merged))
	for _, rec := range merged {
		id, err := graph.Insert(rec.Vector)
		if err != nil {
			return err
		}
		docToNode[rec.DocID] = id
		nodeToDoc = append(nodeToDoc, rec.DocID)
	}

	gen := c.store.NextGeneration()
	seg := segment.NewSegment(gen, upTo, c.cfg.Dimension, c.cfg.Metric, merged)

	// Swap phase: exclude writers, catch up on operations that raced
	// in during the rebuild, publish, flip the index.
	if err := c.acquireWrite(ctx, "compact"); err != nil {
		return err
	}
	defer c.releaseWrite()

	start := time.Now()
	for _, rec := range c.store.OverlayRecords() {
		if rec.LSN <= upTo {
			continue
		}
		if rec.Tombstone {
			if id, ok := docToNode[rec.DocID]; ok {
				_ = graph.Delete(id)
				delete(docToNode, rec.DocID)
			}
			continue
		}
		if old, ok := docToNode[rec.DocID]; ok {
			_ = graph.Delete(old)
		}
		id, err := graph.Insert(rec.Vector)
		if err != nil {
			return err
		}
		docToNode[rec.DocID] = id
		for int(id) >= len(nodeToDoc) {
			nodeToDoc = append(nodeToDoc, 0)
		}
		nodeToDoc[id] = rec.DocID
	}

	if err := c.store.Publish(seg); err != nil {
		return err
	}

	c.indexMu.Lock()
	c.graph = graph
	c.docToNode = docToNode
	c.nodeToDoc = nodeToDoc
	c.indexMu.Unlock()

	c.inserts.Store(0)
	c.deletes.Store(0)
	c.lastCompacted.Store(uint64(upTo))

	if err := c.log.Checkpoint(gen, upTo); err != nil {
		// The generation is already durable; the checkpoint only
		// delays WAL pruning until the next successful one.
		c.opts.Logger.Warn("checkpoint after compaction failed",
			slog.String("collection", c.cfg.Name),
			slog.Any("error", err))
	}

	c.opts.Logger.Info("compacted collection",
		slog.String("collection", c.cfg.Name),
		slog.Uint64("generation", uint64(gen)),
		slog.Uint64("up_to_lsn", uint64(upTo)),
		slog.Int("records", len(merged)),
		slog.Duration("swap_took", time.Since(start)))
	return nil
}

// mergeRecords overlays the uncompacted mutations (at or below upTo)
// onto the sealed generation and drops tombstones. The result is
// sorted by doc id so segment files are deterministic.
func mergeRecords(sealed *segment.Segment, overlay []model.VectorRecord, upTo model.LSN) []model.VectorRecord {
	byDoc := make(map[model.DocID]model.VectorRecord)
	if sealed != nil {
		for _, rec := range sealed.Records() {
			byDoc[rec.DocID] = rec
		}
	}
	for _, rec := range overlay {
		if rec.LSN > upTo {
			continue
		}
		if rec.Tombstone {
			delete(byDoc, rec.DocID)
			continue
		}
		byDoc[rec.DocID] = rec
	}

	merged := make([]model.VectorRecord, 0, len(byDoc))
	for _, rec := range byDoc {
		merged = append(merged, rec)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].DocID < merged[j].DocID })
	return merged
}
