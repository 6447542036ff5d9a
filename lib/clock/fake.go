// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock pinned to initial. Time moves only when
// Advance is called; every timer, ticker, and After channel created on
// the clock fires deterministically during Advance, in deadline order.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	f := &FakeClock{now: initial}
	f.changed = sync.NewCond(&f.mu)
	return f
}

// FakeClock is a deterministic Clock for tests.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order. Callbacks may create new timers (they are scheduled relative
// to the fire time and will fire in the same Advance if due), but must
// not call Advance themselves.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	entries []*fakeEntry
	changed *sync.Cond
}

// fakeEntry is one scheduled event on the fake clock.
type fakeEntry struct {
	when     time.Time
	ch       chan time.Time // After / NewTicker delivery; nil for AfterFunc
	fn       func()         // AfterFunc callback; nil otherwise
	period   time.Duration  // non-zero for tickers; rescheduled after firing
	disarmed bool           // Stop was called; skipped and collected
	spent    bool           // one-shot entry already fired
}

func (e *fakeEntry) active() bool { return !e.disarmed && !e.spent }

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock has advanced
// past d. A non-positive d delivers immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.schedule(&fakeEntry{when: c.now.Add(d), ch: ch})
	return ch
}

// AfterFunc schedules f to run when the clock advances past d. A
// non-positive d runs f synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	entry := &fakeEntry{when: c.now.Add(d), fn: f}
	c.schedule(entry)
	c.mu.Unlock()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := entry.active()
			entry.disarmed = true
			return wasActive
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := entry.active()
			entry.when = c.now.Add(d)
			entry.disarmed = false
			entry.spent = false
			// A fired entry may have been compacted away; put it back
			// on the schedule.
			c.ensureScheduled(entry)
			return wasActive
		},
	}
}

// NewTicker returns a Ticker that fires every d as the clock advances.
// Advancing by several periods at once delivers at most one tick (the
// buffered channel drops the rest), matching time.Ticker semantics for
// a slow consumer.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	entry := &fakeEntry{when: c.now.Add(d), ch: ch, period: d}
	c.schedule(entry)

	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.disarmed = true
		},
	}
}

// Advance moves the fake time forward by d, firing every due entry in
// deadline order. Ticker entries reschedule themselves; one-shot
// entries fire once.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)

	for {
		next := c.nextDue(target)
		if next == nil {
			break
		}
		if next.when.After(c.now) {
			c.now = next.when
		}
		if next.period > 0 {
			next.when = next.when.Add(next.period)
		} else {
			next.spent = true
		}

		switch {
		case next.fn != nil:
			// Run the callback without the lock so it can schedule new
			// timers or stop existing ones.
			c.mu.Unlock()
			next.fn()
			c.mu.Lock()
		case next.ch != nil:
			select {
			case next.ch <- c.now:
			default:
				// Consumer is behind; drop the tick.
			}
		}
	}

	c.now = target
	c.compact()
	c.mu.Unlock()
}

// WaitForTimers blocks until at least n entries are scheduled on the
// clock. Use it to let a goroutine under test register its timer before
// calling Advance; this removes the race between timer creation and
// time advancement.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeCount() < n {
		c.changed.Wait()
	}
}

// TimerCount returns the number of armed entries.
func (c *FakeClock) TimerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeCount()
}

// schedule registers an entry. Caller holds c.mu.
func (c *FakeClock) schedule(entry *fakeEntry) {
	c.entries = append(c.entries, entry)
	c.changed.Broadcast()
}

// ensureScheduled re-registers an entry that compact dropped after it
// fired. Caller holds c.mu.
func (c *FakeClock) ensureScheduled(entry *fakeEntry) {
	for _, existing := range c.entries {
		if existing == entry {
			return
		}
	}
	c.schedule(entry)
}

// nextDue returns the earliest active entry at or before target, or nil.
// Caller holds c.mu.
func (c *FakeClock) nextDue(target time.Time) *fakeEntry {
	var best *fakeEntry
	for _, entry := range c.entries {
		if !entry.active() || entry.when.After(target) {
			continue
		}
		if best == nil || entry.when.Before(best.when) {
			best = entry
		}
	}
	return best
}

// compact drops disarmed and spent entries. Caller holds c.mu.
func (c *FakeClock) compact() {
	kept := c.entries[:0]
	for _, entry := range c.entries {
		if entry.active() {
			kept = append(kept, entry)
		}
	}
	c.entries = kept
}

// activeCount counts armed entries. Caller holds c.mu.
func (c *FakeClock) activeCount() int {
	count := 0
	for _, entry := range c.entries {
		if entry.active() {
			count++
		}
	}
	return count
}
