package model

import (
	"fmt"
	"strings"
)

// LSN is a log sequence number: a monotonically increasing identifier
// assigned to each WAL entry. LSNs are strictly increasing and gapless
// within a collection's WAL stream. Zero means "no LSN".
type LSN uint64

// Next returns the LSN following l.
func (l LSN) Next() LSN { return l + 1 }

// String returns a string representation of the LSN.
func (l LSN) String() string { return fmt.Sprintf("LSN(%d)", uint64(l)) }

// DocID is the stable, user-facing identifier of a vector document
// within a collection.
type DocID uint64

// Generation identifies a sealed segment generation. Generations are
// assigned sequentially by the compactor; higher generations supersede
// lower ones.
type Generation uint64

// DistanceMetric selects the distance function of a collection.
type DistanceMetric uint8

const (
	// MetricL2 is squared Euclidean distance.
	MetricL2 DistanceMetric = iota
	// MetricCosine is cosine distance (1 - cosine similarity).
	// Exact zero vectors are rejected under this metric because their
	// direction is undefined.
	MetricCosine
	// MetricDot is negative dot product (so that smaller is closer).
	MetricDot
)

// String returns the canonical name of the metric.
func (m DistanceMetric) String() string {
	switch m {
	case MetricL2:
		return "l2"
	case MetricCosine:
		return "cosine"
	case MetricDot:
		return "dot"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(m))
	}
}

// ParseDistanceMetric parses a metric name as stored in the catalog.
func ParseDistanceMetric(s string) (DistanceMetric, error) {
	switch strings.ToLower(s) {
	case "l2":
		return MetricL2, nil
	case "cosine":
		return MetricCosine, nil
	case "dot":
		return MetricDot, nil
	default:
		return 0, fmt.Errorf("unknown distance metric %q", s)
	}
}

// CollectionState is the lifecycle state of a collection.
type CollectionState uint8

const (
	// StateUnloaded means the collection exists in the catalog but is not
	// resident in memory.
	StateUnloaded CollectionState = iota
	// StateLoaded means the collection is resident and serving requests.
	StateLoaded
)

// String returns the catalog representation of the state.
func (s CollectionState) String() string {
	if s == StateLoaded {
		return "loaded"
	}
	return "unloaded"
}

// HNSWParams are the tuning parameters of a collection's HNSW index.
type HNSWParams struct {
	// M is the maximum number of neighbors per node per layer
	// (2*M at the base layer).
	M int
	// EfConstruction is the candidate-list breadth during insertion.
	EfConstruction int
	// EfSearch is the default candidate-list breadth during search.
	EfSearch int
}

// DefaultHNSWParams returns balanced parameters suitable for most
// workloads.
func DefaultHNSWParams() HNSWParams {
	return HNSWParams{M: 16, EfConstruction: 200, EfSearch: 100}
}

// Validate checks the parameters for plausibility.
func (p HNSWParams) Validate() error {
	if p.M < 2 {
		return fmt.Errorf("hnsw: M must be >= 2, got %d", p.M)
	}
	if p.EfConstruction < p.M {
		return fmt.Errorf("hnsw: ef_construction must be >= M, got %d", p.EfConstruction)
	}
	if p.EfSearch < 1 {
		return fmt.Errorf("hnsw: ef_search must be >= 1, got %d", p.EfSearch)
	}
	return nil
}

// CollectionConfig is the catalog definition of a collection.
type CollectionConfig struct {
	Name      string
	TenantID  string
	Dimension int
	Metric    DistanceMetric
	HNSW      HNSWParams
	State     CollectionState
}

// Validate checks the configuration.
func (c CollectionConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("collection name must not be empty")
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("collection %q: dimension must be positive, got %d", c.Name, c.Dimension)
	}
	return c.HNSW.Validate()
}

// Metadata is the opaque key-value payload attached to a vector record.
type Metadata map[string]string

// Clone returns a deep copy of the metadata.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// VectorRecord is one vector document. A record is created on insert,
// its Tombstone flag flips on delete (and is never cleared), and it is
// physically removed only by compaction.
type VectorRecord struct {
	DocID      DocID
	ExternalID string
	Vector     []float32
	Metadata   Metadata
	Tombstone  bool
	// LSN is the log sequence number of the mutation that produced this
	// version of the record.
	LSN LSN
}

// Clone returns a deep copy of the record.
func (r VectorRecord) Clone() VectorRecord {
	out := r
	out.Vector = make([]float32, len(r.Vector))
	copy(out.Vector, r.Vector)
	out.Metadata = r.Metadata.Clone()
	return out
}

// SearchResult is one ranked query match.
type SearchResult struct {
	DocID      DocID
	ExternalID string
	Distance   float32
	Metadata   Metadata
	Vector     []float32
}
