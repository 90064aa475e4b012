package gossip

import (
	"sync"
	"time"
)

// Table tracks the last time each known node reported itself alive.
// Timestamps are unix seconds, as carried on the wire.
type Table struct {
	mu      sync.RWMutex
	self    NodeID
	entries map[NodeID]int64
	now     func() time.Time
}

// MergeResult reports how many keys a Merge introduced or refreshed.
type MergeResult struct {
	Added     int
	Refreshed int
}

// Changed reports whether the merge touched the table.
func (r MergeResult) Changed() bool {
	return r.Added > 0 || r.Refreshed > 0
}

// NewTable creates a table containing only self, stamped with the current time.
func NewTable(self NodeID, now func() time.Time) *Table {
	if now == nil {
		now = time.Now
	}
	t := &Table{
		self:    self,
		entries: make(map[NodeID]int64),
		now:     now,
	}
	t.RecordSelf()
	return t
}

// Self returns the local node id.
func (t *Table) Self() NodeID {
	return t.self
}

// RecordSelf stamps the local entry with the current time.
func (t *Table) RecordSelf() {
	ts := t.now().Unix()
	t.mu.Lock()
	defer t.mu.Unlock()
	if ts > t.entries[t.self] {
		t.entries[t.self] = ts
	}
}

// Merge applies last-writer-wins by timestamp: an incoming entry replaces the
// local one only when it is absent or strictly newer. Merge never deletes.
func (t *Table) Merge(incoming map[NodeID]int64) MergeResult {
	var res MergeResult
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ts := range incoming {
		cur, ok := t.entries[id]
		switch {
		case !ok:
			t.entries[id] = ts
			res.Added++
		case ts > cur:
			t.entries[id] = ts
			res.Refreshed++
		}
	}
	return res
}

// LiveCount counts entries seen less than threshold ago. The threshold is
// compared in whole seconds and rounded up, with a floor of one second.
func (t *Table) LiveCount(threshold time.Duration) int {
	limit := thresholdSeconds(threshold)
	now := t.now().Unix()

	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, ts := range t.entries {
		if now-ts < limit {
			n++
		}
	}
	return n
}

// Snapshot returns a copy safe to hand to a transport.
func (t *Table) Snapshot() map[NodeID]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[NodeID]int64, len(t.entries))
	for id, ts := range t.entries {
		out[id] = ts
	}
	return out
}

// Len returns the number of distinct nodes ever seen and not yet evicted.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Evict removes entries whose last-seen time is at least maxAge old and
// returns their ids. The local entry is never evicted. A non-positive maxAge
// disables eviction.
func (t *Table) Evict(maxAge time.Duration) []NodeID {
	if maxAge <= 0 {
		return nil
	}
	limit := thresholdSeconds(maxAge)
	now := t.now().Unix()

	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []NodeID
	for id, ts := range t.entries {
		if id == t.self {
			continue
		}
		if now-ts >= limit {
			delete(t.entries, id)
			removed = append(removed, id)
		}
	}
	return removed
}

func thresholdSeconds(d time.Duration) int64 {
	s := int64((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
