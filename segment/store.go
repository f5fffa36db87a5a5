package segment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/stratum/model"
)

// ColdRef points at a sealed generation that has been evicted to the
// cold tier. The key is the object name in the blob store.
type ColdRef struct {
	Generation model.Generation
	Key        string
}

// Rehydrator fetches an evicted generation back from the cold tier.
type Rehydrator interface {
	Rehydrate(ctx context.Context, ref ColdRef) (*Segment, error)
}

// Store combines the current sealed generation with a mutable overlay
// of records applied since the last compaction. Lookups resolve
// overlay first (a tombstone there masks the sealed copy), then the
// sealed generation, then, if the generation was evicted, the cold
// tier via the configured Rehydrator.
//
// The sealed generation is held behind an atomic pointer so a reader
// that loaded it keeps a consistent snapshot while compaction swaps in
// a successor. The overlay has its own lock; no Store lock is ever
// held across cold tier I/O.
type Store struct {
	dir       string
	dimension int
	metric    model.DistanceMetric

	mu      sync.RWMutex
	overlay map[model.DocID]model.VectorRecord
	live    *roaring64.Bitmap

	sealed atomic.Pointer[Segment]
	cold   atomic.Pointer[ColdRef]

	rehydrator Rehydrator
}

// NewStore opens the store at dir, loading the newest valid sealed
// generation if one exists. A corrupt newer generation is skipped in
// favor of the next older valid one; the returned IndexCorruptionError
// reports the skipped files while the store remains usable from the
// older baseline.
func NewStore(dir string, dimension int, metric model.DistanceMetric) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{
		dir:       dir,
		dimension: dimension,
		metric:    metric,
		overlay:   make(map[model.DocID]model.VectorRecord),
		live:      roaring64.New(),
	}

	paths, err := listSegmentFiles(dir)
	if err != nil {
		return nil, err
	}
	var corrupt []string
	for i := len(paths) - 1; i >= 0; i-- {
		seg, err := readSegmentFile(paths[i])
		if err != nil {
			corrupt = append(corrupt, fmt.Sprintf("%s: %v", filepath.Base(paths[i]), err))
			continue
		}
		s.install(seg)
		break
	}
	if len(corrupt) > 0 {
		return s, model.NewIndexCorruptionError("skipped unreadable segments: "+strings.Join(corrupt, "; "), nil)
	}
	return s, nil
}

func (s *Store) install(seg *Segment) {
	s.sealed.Store(seg)
	for _, r := range seg.records {
		s.live.Add(uint64(r.DocID))
	}
}

// SetRehydrator wires the cold tier fetch path. Must be called before
// any lookup can hit an evicted generation.
func (s *Store) SetRehydrator(r Rehydrator) {
	s.mu.Lock()
	s.rehydrator = r
	s.mu.Unlock()
}

// Sealed returns the current sealed generation, or nil if none is
// resident. An evicted generation also returns nil; use Current to
// force rehydration.
func (s *Store) Sealed() *Segment { return s.sealed.Load() }

// ColdRef returns the cold tier reference if the sealed generation has
// been evicted.
func (s *Store) ColdRef() *ColdRef { return s.cold.Load() }

// NextGeneration returns the generation number the next compaction
// should seal under.
func (s *Store) NextGeneration() model.Generation {
	if seg := s.sealed.Load(); seg != nil {
		return seg.generation + 1
	}
	if ref := s.cold.Load(); ref != nil {
		return ref.Generation + 1
	}
	return 1
}

// ApplyInsert records a WAL-applied insert in the overlay. Re-applying
// a doc id overwrites the previous overlay entry.
func (s *Store) ApplyInsert(rec model.VectorRecord) {
	s.mu.Lock()
	s.overlay[rec.DocID] = rec
	s.live.Add(uint64(rec.DocID))
	s.mu.Unlock()
}

// ApplyDelete records a WAL-applied delete. A tombstone entry is kept
// in the overlay so it masks any sealed copy until compaction drops
// both.
func (s *Store) ApplyDelete(docID model.DocID, lsn model.LSN) {
	s.mu.Lock()
	rec := s.overlay[docID]
	rec.DocID = docID
	rec.Tombstone = true
	rec.LSN = lsn
	s.overlay[docID] = rec
	s.live.Remove(uint64(docID))
	s.mu.Unlock()
}

// Contains reports whether docID resolves to a live record without
// touching the cold tier.
func (s *Store) Contains(docID model.DocID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live.Contains(uint64(docID))
}

// Live returns the number of live records across overlay and sealed.
func (s *Store) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.live.GetCardinality())
}

// Resolve looks up the live record for docID. The cold tier is only
// consulted when the overlay cannot answer and the sealed generation
// has been evicted.
func (s *Store) Resolve(ctx context.Context, docID model.DocID) (model.VectorRecord, bool, error) {
	s.mu.RLock()
	rec, inOverlay := s.overlay[docID]
	s.mu.RUnlock()
	if inOverlay {
		if rec.Tombstone {
			return model.VectorRecord{}, false, nil
		}
		return rec, true, nil
	}

	seg, err := s.Current(ctx)
	if err != nil {
		return model.VectorRecord{}, false, err
	}
	if seg == nil {
		return model.VectorRecord{}, false, nil
	}
	rec, ok := seg.Lookup(docID)
	return rec, ok, nil
}

// Current returns the sealed generation, rehydrating it from the cold
// tier if it was evicted. Returns nil with no error when the store has
// never been compacted.
func (s *Store) Current(ctx context.Context) (*Segment, error) {
	if seg := s.sealed.Load(); seg != nil {
		return seg, nil
	}
	ref := s.cold.Load()
	if ref == nil {
		return nil, nil
	}

	s.mu.RLock()
	r := s.rehydrator
	s.mu.RUnlock()
	if r == nil {
		return nil, fmt.Errorf("segment: generation %d is cold and no rehydrator is configured", ref.Generation)
	}
	seg, err := r.Rehydrate(ctx, *ref)
	if err != nil {
		return nil, err
	}

	// Install unless a newer generation was published meanwhile.
	s.mu.Lock()
	if cur := s.sealed.Load(); cur == nil || cur.generation < seg.generation {
		s.sealed.Store(seg)
		s.cold.Store(nil)
	}
	s.mu.Unlock()
	return seg, nil
}

// OverlayRecords returns a snapshot of the overlay, tombstones
// included, for the compactor to merge.
func (s *Store) OverlayRecords() []model.VectorRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.VectorRecord, 0, len(s.overlay))
	for _, r := range s.overlay {
		out = append(out, r)
	}
	return out
}

// OverlaySize returns the number of overlay entries, tombstones
// included.
func (s *Store) OverlaySize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.overlay)
}

// Publish seals seg to disk, swaps it in as the current generation,
// and drops overlay entries it covers. Overlay entries with an LSN
// above seg.UpTo (applied while the compactor was merging) survive.
// Older generation files are removed best effort after the swap.
func (s *Store) Publish(seg *Segment) error {
	if _, err := writeSegmentFile(s.dir, seg); err != nil {
		return model.NewDurabilityError("segment publish", err)
	}

	s.mu.Lock()
	s.sealed.Store(seg)
	s.cold.Store(nil)
	for id, r := range s.overlay {
		if r.LSN <= seg.upTo {
			delete(s.overlay, id)
		}
	}
	s.live.Clear()
	for _, r := range seg.records {
		s.live.Add(uint64(r.DocID))
	}
	for _, r := range s.overlay {
		if !r.Tombstone {
			s.live.Add(uint64(r.DocID))
		}
	}
	s.mu.Unlock()

	s.pruneFiles(seg.generation)
	return nil
}

// Evict drops the resident sealed generation after it has been
// uploaded to the cold tier under key, and removes the local file. It
// reports false without evicting when gen is no longer the resident
// generation, which happens when a compaction published a successor
// while the upload was in flight; a stale ColdRef must never replace
// a newer sealed segment.
func (s *Store) Evict(gen model.Generation, key string) (bool, error) {
	s.mu.Lock()
	seg := s.sealed.Load()
	if seg == nil || seg.generation != gen {
		s.mu.Unlock()
		return false, nil
	}
	s.cold.Store(&ColdRef{Generation: gen, Key: key})
	s.sealed.Store(nil)
	s.mu.Unlock()
	return true, os.Remove(filepath.Join(s.dir, segmentFileName(gen)))
}

// LocalPath returns the on-disk path of generation gen.
func (s *Store) LocalPath(gen model.Generation) string {
	return filepath.Join(s.dir, segmentFileName(gen))
}

func (s *Store) pruneFiles(current model.Generation) {
	paths, err := listSegmentFiles(s.dir)
	if err != nil {
		return
	}
	for _, p := range paths {
		if gen, ok := parseSegmentFileName(filepath.Base(p)); ok && gen < current {
			_ = os.Remove(p)
		}
	}
}

func listSegmentFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if _, ok := parseSegmentFileName(e.Name()); ok {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func parseSegmentFileName(name string) (model.Generation, bool) {
	if !strings.HasPrefix(name, "segment-") || !strings.HasSuffix(name, ".seg") {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "segment-"), ".seg"), 10, 64)
	if err != nil {
		return 0, false
	}
	return model.Generation(n), true
}

// DecodeSegment parses a sealed segment from raw bytes, verifying the
// checksum. Used by the cold tier to rebuild a generation from a
// downloaded object.
func DecodeSegment(data []byte) (*Segment, error) { return decodeSegment(data) }

// EncodeSegment serializes a segment to its on-disk form, checksum
// included.
func EncodeSegment(s *Segment) []byte { return encodeSegment(s) }
