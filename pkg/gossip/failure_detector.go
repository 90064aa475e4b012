package gossip

import "time"

// Liveness classifies table entries as live when they were refreshed within
// Threshold. A healthy node refreshes itself at least once per gossip
// interval, so the conventional threshold is twice that interval.
type Liveness struct {
	Table     *Table
	Threshold time.Duration
}

// NewLiveness returns a classifier using 2 x interval as the threshold.
func NewLiveness(t *Table, interval time.Duration) Liveness {
	return Liveness{Table: t, Threshold: 2 * interval}
}

// LiveCount returns the number of live nodes. The local node is always
// counted because it is stamped before every exchange.
func (l Liveness) LiveCount() int {
	return l.Table.LiveCount(l.Threshold)
}
