package stratum

import (
	"time"

	"github.com/hupe1980/stratum/blobstore"
	"github.com/hupe1980/stratum/model"
	"github.com/hupe1980/stratum/tiering"
	"github.com/hupe1980/stratum/wal"
)

type options struct {
	logger              *Logger
	walOptions          []func(*wal.Options)
	hnswDefaults        model.HNSWParams
	compactionThreshold int
	compactionSchedule  string
	lockTimeout         time.Duration

	coldStore      blobstore.BlobStore
	tieringOptions []func(*tiering.Options)
}

func defaultDBOptions() options {
	return options{
		logger:              NewLogger(nil),
		hnswDefaults:        model.DefaultHNSWParams(),
		compactionThreshold: 10000,
		lockTimeout:         5 * time.Second,
	}
}

// Option configures Open behavior.
type Option func(*options)

// WithLogger sets the logger used by the database and all collections.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithWALOptions customizes the write-ahead log of every collection
// (sync policy, rotation size, compression, retention).
func WithWALOptions(fns ...func(*wal.Options)) Option {
	return func(o *options) {
		o.walOptions = append(o.walOptions, fns...)
	}
}

// WithHNSWDefaults sets the index parameters applied when a
// CollectionConfig leaves them zero.
func WithHNSWDefaults(p model.HNSWParams) Option {
	return func(o *options) {
		o.hnswDefaults = p
	}
}

// WithCompactionThreshold sets how many mutations accumulate before a
// collection compacts in the background. Zero disables automatic
// compaction.
func WithCompactionThreshold(n int) Option {
	return func(o *options) {
		o.compactionThreshold = n
	}
}

// WithCompactionSchedule additionally compacts every loaded collection
// on the given cron schedule ("@every 1h" style expressions are
// accepted), regardless of the mutation threshold. Empty disables the
// sweep.
func WithCompactionSchedule(schedule string) Option {
	return func(o *options) {
		o.compactionSchedule = schedule
	}
}

// WithLockTimeout bounds how long writers wait for a collection's
// write lock before failing with a ConcurrencyError.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		o.lockTimeout = d
	}
}

// WithColdStore enables the cold tier: idle sealed generations are
// demoted to store as Parquet snapshots and rehydrated on access.
func WithColdStore(store blobstore.BlobStore, fns ...func(*tiering.Options)) Option {
	return func(o *options) {
		o.coldStore = store
		o.tieringOptions = append(o.tieringOptions, fns...)
	}
}
