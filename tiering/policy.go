package tiering

import "time"

// Policy decides when a collection's sealed generation is cold enough
// to demote to object storage.
type Policy struct {
	// ColdAfter is the idle duration after which a sealed generation
	// becomes a demotion candidate.
	ColdAfter time.Duration
}

// DefaultPolicy demotes after an hour of inactivity.
func DefaultPolicy() Policy {
	return Policy{ColdAfter: time.Hour}
}

// ShouldDemote reports whether a generation last accessed at last is
// cold at time now. A zero last means the collection was never
// accessed since load; it is treated as cold.
func (p Policy) ShouldDemote(last, now time.Time) bool {
	if p.ColdAfter <= 0 {
		return false
	}
	if last.IsZero() {
		return true
	}
	return now.Sub(last) >= p.ColdAfter
}
