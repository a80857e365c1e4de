package clock

import (
	"sort"
	"sync"
	"time"
)

// Mock is a controllable TimeProvider for tests: time only advances when
// SetTime/Advance is called, and Flush runs due timers synchronously so
// property tests can assert on TokenStore sweeps and HSM debounces without
// sleeping real wall-clock time.
type Mock struct {
	mu       sync.Mutex
	now      int64
	nextID   int
	timers   map[int]*mockTimer
	debounce []*mockDebounce
}

type mockTimer struct {
	id       int
	interval time.Duration
	next     int64
	cb       func()
	cleared  bool
}

type mockDebounce struct {
	fireAt  int64
	pending bool
	cb      func()
	d       time.Duration
}

// NewMock creates a Mock clock starting at the given epoch-millisecond time.
func NewMock(startMs int64) *Mock {
	return &Mock{
		now:    startMs,
		timers: make(map[int]*mockTimer),
	}
}

func (m *Mock) Now() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) SetTime(ms int64) {
	m.mu.Lock()
	m.now = ms
	m.mu.Unlock()
}

// Advance moves the clock forward and fires any timers/debounces that
// became due, in chronological order.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d.Milliseconds()
	m.mu.Unlock()
	m.advanceTo(target)
}

func (m *Mock) advanceTo(target int64) {
	for {
		m.mu.Lock()
		if m.now >= target {
			m.mu.Unlock()
			return
		}

		next := target
		var due func()

		for _, t := range m.timers {
			if t.cleared {
				continue
			}
			if t.next <= next {
				next = t.next
			}
		}
		for _, d := range m.debounce {
			if d.pending && d.fireAt <= next {
				next = d.fireAt
			}
		}

		m.now = next

		var firing []*mockTimer
		for _, t := range m.timers {
			if !t.cleared && t.next <= m.now {
				firing = append(firing, t)
				t.next += t.interval.Milliseconds()
			}
		}
		sort.Slice(firing, func(i, j int) bool { return firing[i].id < firing[j].id })

		var debounced []*mockDebounce
		for _, d := range m.debounce {
			if d.pending && d.fireAt <= m.now {
				d.pending = false
				debounced = append(debounced, d)
			}
		}
		m.mu.Unlock()

		for _, t := range firing {
			t.cb()
		}
		for _, d := range debounced {
			d.cb()
		}
		if due != nil {
			due()
		}
	}
}

func (m *Mock) SetInterval(cb func(), d time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.timers[id] = &mockTimer{
		id:       id,
		interval: d,
		next:     m.now + d.Milliseconds(),
		cb:       cb,
	}
	return id
}

func (m *Mock) ClearInterval(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.cleared = true
		delete(m.timers, id)
	}
}

func (m *Mock) Debounce(cb func(), d time.Duration) func() {
	db := &mockDebounce{cb: cb, d: d}
	m.mu.Lock()
	m.debounce = append(m.debounce, db)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		db.pending = true
		db.fireAt = m.now + db.d.Milliseconds()
		m.mu.Unlock()
	}
}

// Flush advances the clock far enough that every pending timer/debounce
// fires at least once.
func (m *Mock) Flush() {
	m.mu.Lock()
	target := m.now
	for _, t := range m.timers {
		if !t.cleared && t.next > target {
			target = t.next
		}
	}
	for _, d := range m.debounce {
		if d.pending && d.fireAt > target {
			target = d.fireAt
		}
	}
	m.mu.Unlock()

	m.advanceTo(target + 1)
}
