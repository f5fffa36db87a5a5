// Package segment holds the sealed, immutable record sets produced by
// compaction and the Store that resolves document lookups against them.
//
// A segment is written once, checksummed, and never mutated. Multiple
// generations may coexist in memory while a newer one is being built:
// readers keep using the generation they loaded (snapshot isolation via
// an atomic pointer), and compaction publishes a new generation with a
// single swap.
package segment

import (
	"github.com/hupe1980/stratum/model"
)

// Segment is one sealed generation: an immutable set of live vector
// records. Tombstoned records are physically removed before sealing,
// so a segment never contains a tombstone.
type Segment struct {
	generation model.Generation
	// upTo is the highest LSN reflected in this generation; replay
	// resumes directly after it.
	upTo      model.LSN
	dimension int
	metric    model.DistanceMetric

	records []model.VectorRecord
	byDoc   map[model.DocID]int
}

// NewSegment seals records into a segment. The records slice is owned
// by the segment afterwards; tombstoned entries must already have been
// dropped by the caller.
func NewSegment(gen model.Generation, upTo model.LSN, dimension int, metric model.DistanceMetric, records []model.VectorRecord) *Segment {
	byDoc := make(map[model.DocID]int, len(records))
	for i, r := range records {
		byDoc[r.DocID] = i
	}
	return &Segment{
		generation: gen,
		upTo:       upTo,
		dimension:  dimension,
		metric:     metric,
		records:    records,
		byDoc:      byDoc,
	}
}

// Generation returns the generation number.
func (s *Segment) Generation() model.Generation { return s.generation }

// UpTo returns the highest LSN reflected in the segment.
func (s *Segment) UpTo() model.LSN { return s.upTo }

// Dimension returns the vector dimension.
func (s *Segment) Dimension() int { return s.dimension }

// Metric returns the collection metric the segment was sealed under.
func (s *Segment) Metric() model.DistanceMetric { return s.metric }

// Len returns the number of records.
func (s *Segment) Len() int { return len(s.records) }

// Lookup returns the record for docID.
func (s *Segment) Lookup(docID model.DocID) (model.VectorRecord, bool) {
	i, ok := s.byDoc[docID]
	if !ok {
		return model.VectorRecord{}, false
	}
	return s.records[i], true
}

// Records returns the sealed records. Callers must not mutate them.
func (s *Segment) Records() []model.VectorRecord { return s.records }
