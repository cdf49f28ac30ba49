package timer

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ManualTimer is a Scheduler whose callbacks only run when the test fires them.
type ManualTimer struct {
	mu      sync.Mutex
	nextID  int
	pending map[string]manualEntry
}

type manualEntry struct {
	seq   int
	delay time.Duration
	fn    func()
}

// NewManualTimer creates an empty ManualTimer.
func NewManualTimer() *ManualTimer {
	return &ManualTimer{pending: make(map[string]manualEntry)}
}

func (m *ManualTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("scheduled function cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := fmt.Sprintf("manual_%d", m.nextID)
	m.pending[id] = manualEntry{seq: m.nextID, delay: delay, fn: fn}
	return id, nil
}

func (m *ManualTimer) Cancel(id string) error {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
	return nil
}

// Pending returns the number of callbacks waiting to run.
func (m *ManualTimer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// FireAll runs every pending callback in scheduling order, including ones
// scheduled by the callbacks themselves, and returns how many ran.
func (m *ManualTimer) FireAll() int {
	ran := 0
	for {
		fn, ok := m.popNext(-1)
		if !ok {
			return ran
		}
		fn()
		ran++
	}
}

// FireDue runs pending callbacks whose delay is at most d, in scheduling order.
// Callbacks scheduled while firing are considered as well.
func (m *ManualTimer) FireDue(d time.Duration) int {
	ran := 0
	for {
		fn, ok := m.popNext(d)
		if !ok {
			return ran
		}
		fn()
		ran++
	}
}

func (m *ManualTimer) popNext(maxDelay time.Duration) (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id, e := range m.pending {
		if maxDelay >= 0 && e.delay > maxDelay {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, false
	}
	sort.Slice(ids, func(i, j int) bool { return m.pending[ids[i]].seq < m.pending[ids[j]].seq })
	e := m.pending[ids[0]]
	delete(m.pending, ids[0])
	return e.fn, true
}
