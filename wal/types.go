package wal

import (
	"time"

	"github.com/hupe1980/stratum/model"
)

// SyncPolicy defines the fsync behavior for WAL appends.
type SyncPolicy int

const (
	// SyncAlways fsyncs after every append. Append returns only after the
	// entry is durable. Slowest but strongest guarantee; the default.
	SyncAlways SyncPolicy = iota

	// SyncBatched groups fsyncs across concurrent appends (group commit).
	// Append still returns only after the batch fsync covering its entry
	// has completed, so an acknowledged write is always durable; batching
	// only amortizes the fsync cost.
	SyncBatched
)

// OpType identifies the kind of a WAL record.
type OpType uint8

const (
	// OpInsert records a vector insert.
	OpInsert OpType = 1
	// OpDelete records a soft delete.
	OpDelete OpType = 2
	// OpCompaction marks a completed compaction. All entries up to and
	// including UpTo are reflected in the sealed generation and may be
	// pruned from the log.
	OpCompaction OpType = 3
)

// Record is a single WAL entry. Records are immutable once written;
// they are never edited, only superseded by compaction.
type Record struct {
	LSN  model.LSN
	Type OpType

	// Insert fields. DocID is also set for deletes.
	DocID      model.DocID
	ExternalID string
	Vector     []float32
	Metadata   model.Metadata

	// Compaction marker fields.
	Generation model.Generation
	UpTo       model.LSN
}

// Options contains configuration for the log.
type Options struct {
	// MaxFileSize is the rotation threshold in bytes.
	MaxFileSize int64

	// Sync selects the fsync policy.
	Sync SyncPolicy

	// BatchInterval is the maximum time an append waits for its group
	// fsync in SyncBatched mode.
	BatchInterval time.Duration

	// BatchMaxOps forces a group fsync once this many appends are
	// pending.
	BatchMaxOps int

	// Compress enables zstd compression of record payloads.
	Compress bool

	// Retention is the number of fully-compacted log files kept around
	// after a checkpoint before they are removed.
	Retention int
}

// DefaultOptions returns the default log configuration.
func DefaultOptions() Options {
	return Options{
		MaxFileSize:   64 * 1024 * 1024,
		Sync:          SyncAlways,
		BatchInterval: 10 * time.Millisecond,
		BatchMaxOps:   128,
		Compress:      false,
		Retention:     2,
	}
}
