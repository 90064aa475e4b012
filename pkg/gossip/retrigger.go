package gossip

import "sync"

// changeDetector remembers the last few live counts and reports whether they
// disagree, i.e. whether the membership view is still moving.
type changeDetector struct {
	mu      sync.Mutex
	window  int
	history []int
}

func newChangeDetector(window int) *changeDetector {
	return &changeDetector{window: window, history: make([]int, 0, window)}
}

// Observe records count and reports whether the window holds differing
// values. A change in either direction counts.
func (d *changeDetector) Observe(count int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, count)
	if len(d.history) > d.window {
		d.history = d.history[len(d.history)-d.window:]
	}
	for _, c := range d.history[1:] {
		if c != d.history[0] {
			return true
		}
	}
	return false
}
