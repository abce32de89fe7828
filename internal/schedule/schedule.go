// Package schedule provides the deferred-call facility used for retry
// backoff and late-join catch-up notifications.
//
// Real wraps time.AfterFunc. Manual runs on virtual time and only fires
// timers when Advance is called, which makes timing-dependent behaviour
// deterministic in tests and simulations.
package schedule

import (
	"sort"
	"sync"
	"time"
)

// Timer is a scheduled one-shot call.
type Timer interface {
	// Stop cancels the call. It returns false if the call already fired
	// or was already stopped.
	Stop() bool
}

// Scheduler schedules one-shot deferred calls.
type Scheduler interface {
	// AfterFunc calls f in its own goroutine (Real) or from Advance
	// (Manual) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer

	// Now returns the scheduler's current time.
	Now() time.Time
}

// Real is a Scheduler backed by the runtime timers.
type Real struct{}

// AfterFunc implements Scheduler.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Now implements Scheduler.
func (Real) Now() time.Time {
	return time.Now()
}

// Manual is a Scheduler driven by explicit calls to Advance.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

type manualTimer struct {
	m       *Manual
	when    time.Time
	seq     uint64
	f       func()
	stopped bool
}

// NewManual creates a manual scheduler starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// AfterFunc implements Scheduler.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &manualTimer{m: m, when: m.now.Add(d), seq: m.seq, f: f}
	m.timers = append(m.timers, t)
	return t
}

// Now implements Scheduler.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending returns the number of timers that have not fired or been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Advance moves virtual time forward by d, firing every timer that falls
// due in deadline order. Timers scheduled by fired callbacks are honoured
// if they fall inside the same window.
func (m *Manual) Advance(d time.Duration) int {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	fired := 0
	for {
		m.mu.Lock()
		t := m.nextDueLocked(target)
		if t == nil {
			m.now = target
			m.mu.Unlock()
			return fired
		}
		m.now = t.when
		m.mu.Unlock()

		t.f()
		fired++
	}
}

// nextDueLocked removes and returns the earliest timer due at or before
// target, or nil.
func (m *Manual) nextDueLocked(target time.Time) *manualTimer {
	if len(m.timers) == 0 {
		return nil
	}
	sort.SliceStable(m.timers, func(i, j int) bool {
		a, b := m.timers[i], m.timers[j]
		if a.when.Equal(b.when) {
			return a.seq < b.seq
		}
		return a.when.Before(b.when)
	})
	t := m.timers[0]
	if t.when.After(target) {
		return nil
	}
	m.timers = m.timers[1:]
	return t
}

// Stop implements Timer.
func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	for i, other := range t.m.timers {
		if other == t {
			t.m.timers = append(t.m.timers[:i], t.m.timers[i+1:]...)
			t.stopped = true
			return true
		}
	}
	return false
}
