// Package clock abstracts time so the dispatcher and lifecycle can be driven
// deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by scheduling components.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the current time once d has
	// elapsed on this clock.
	After(d time.Duration) <-chan time.Time
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now().UTC() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Manual is a clock that only moves when Advance or Set is called. Timers
// registered with After fire when the clock passes their deadline.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter

	listeners []func(time.Time)
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManual constructs a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan time.Time, 1)
	deadline := m.now.Add(d)
	if d <= 0 {
		ch <- m.now
		return ch
	}
	m.waiters = append(m.waiters, waiter{deadline: deadline, ch: ch})
	return ch
}

// AddListener registers a callback invoked after every Advance or Set.
func (m *Manual) AddListener(fn func(time.Time)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	next := m.now.Add(d)
	m.mu.Unlock()
	m.Set(next)
}

// Set moves the clock to t. Moving backwards is ignored for pending timers.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC()
	sort.Slice(m.waiters, func(i, j int) bool { return m.waiters[i].deadline.Before(m.waiters[j].deadline) })
	pending := m.waiters[:0]
	var fired []waiter
	for _, w := range m.waiters {
		if !w.deadline.After(m.now) {
			fired = append(fired, w)
			continue
		}
		pending = append(pending, w)
	}
	m.waiters = pending
	now := m.now
	listeners := append([]func(time.Time){}, m.listeners...)
	m.mu.Unlock()

	for _, w := range fired {
		w.ch <- now
	}
	for _, fn := range listeners {
		fn(now)
	}
}

// Waiters reports how many After timers are pending.
func (m *Manual) Waiters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
