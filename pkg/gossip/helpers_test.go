package gossip

import (
	"sync"
	"time"
)

// manualNow is a settable clock for table tests.
type manualNow struct {
	mu sync.Mutex
	t  time.Time
}

func newManualNow() *manualNow {
	return &manualNow{t: time.Unix(1_000_000, 0)}
}

func (m *manualNow) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

func (m *manualNow) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = m.t.Add(d)
}

func (m *manualNow) Unix() int64 {
	return m.Now().Unix()
}
