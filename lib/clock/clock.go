// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the timer operations the realtime layer depends on.
// Production code injects Real(); tests inject Fake() and advance time
// explicitly. Session code never calls the time package directly —
// reconnect delays, keepalive intervals, the history-fallback window,
// typing TTLs, and quality sampling all run against a Clock so that
// every timing property is testable without real sleeps.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once, after d has elapsed.
	// A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run after d. The returned Timer cancels
	// the pending call via Stop; its C field is nil, matching
	// time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering on C every d. Panics if
	// d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable scheduled event.
type Timer struct {
	// C delivers the fire time for timers created by After. Nil for
	// AfterFunc timers.
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the timer. It reports whether the call prevented the
// timer from firing.
func (t *Timer) Stop() bool { return t.stop() }

// Reset re-arms the timer to fire after d. It reports whether the timer
// was still active.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }

// Ticker delivers ticks on C at a fixed interval until stopped. C is
// buffered with capacity 1; a slow consumer drops ticks rather than
// queueing them, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stop() }
