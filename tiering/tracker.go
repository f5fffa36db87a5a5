// Package tiering moves cold sealed segments to object storage and
// brings them back on demand. Demotion candidates are picked by access
// recency; snapshots are written as Parquet so the cold tier stays
// readable by external tooling.
package tiering

import (
	"sync"
	"time"
)

// AccessTracker records when each collection was last touched by a
// read or write. Safe for concurrent use.
type AccessTracker struct {
	mu     sync.Mutex
	last   map[string]time.Time
	counts map[string]uint64

	// now is swappable for tests.
	now func() time.Time
}

// NewAccessTracker creates an empty tracker.
func NewAccessTracker() *AccessTracker {
	return &AccessTracker{
		last:   make(map[string]time.Time),
		counts: make(map[string]uint64),
		now:    time.Now,
	}
}

// Touch marks name as accessed now.
func (t *AccessTracker) Touch(name string) {
	t.mu.Lock()
	t.last[name] = t.now()
	t.counts[name]++
	t.mu.Unlock()
}

// LastAccess returns the time of the most recent Touch. ok is false if
// name has never been touched.
func (t *AccessTracker) LastAccess(name string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.last[name]
	return ts, ok
}

// Count returns the total number of touches recorded for name.
func (t *AccessTracker) Count(name string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[name]
}
