// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFakeNow(t *testing.T) {
	c := Fake(testEpoch)
	if got := c.Now(); !got.Equal(testEpoch) {
		t.Fatalf("Now() = %v, want %v", got, testEpoch)
	}
	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(testEpoch.Add(90 * time.Second)) {
		t.Fatalf("Now() after advance = %v", got)
	}
}

func TestFakeAfter(t *testing.T) {
	t.Run("fires at deadline", func(t *testing.T) {
		c := Fake(testEpoch)
		ch := c.After(5 * time.Second)

		c.Advance(4 * time.Second)
		select {
		case <-ch:
			t.Fatal("fired before the deadline")
		default:
		}

		c.Advance(time.Second)
		select {
		case got := <-ch:
			if !got.Equal(testEpoch.Add(5 * time.Second)) {
				t.Errorf("fire time = %v", got)
			}
		default:
			t.Fatal("did not fire at the deadline")
		}
	})

	t.Run("non-positive duration is immediate", func(t *testing.T) {
		c := Fake(testEpoch)
		select {
		case <-c.After(0):
		default:
			t.Fatal("After(0) did not deliver immediately")
		}
	})
}

func TestFakeAfterFunc(t *testing.T) {
	t.Run("runs once at deadline", func(t *testing.T) {
		c := Fake(testEpoch)
		var calls atomic.Int32
		c.AfterFunc(3*time.Second, func() { calls.Add(1) })

		c.Advance(2 * time.Second)
		if calls.Load() != 0 {
			t.Fatal("callback ran early")
		}
		c.Advance(2 * time.Second)
		if calls.Load() != 1 {
			t.Fatalf("calls = %d, want 1", calls.Load())
		}
		c.Advance(10 * time.Second)
		if calls.Load() != 1 {
			t.Fatalf("one-shot fired again, calls = %d", calls.Load())
		}
	})

	t.Run("stop prevents firing", func(t *testing.T) {
		c := Fake(testEpoch)
		var calls atomic.Int32
		timer := c.AfterFunc(time.Second, func() { calls.Add(1) })

		if !timer.Stop() {
			t.Fatal("Stop on an armed timer returned false")
		}
		c.Advance(time.Minute)
		if calls.Load() != 0 {
			t.Fatal("stopped timer fired")
		}
		if timer.Stop() {
			t.Fatal("second Stop returned true")
		}
	})

	t.Run("reset re-arms a fired timer", func(t *testing.T) {
		c := Fake(testEpoch)
		var calls atomic.Int32
		timer := c.AfterFunc(time.Second, func() { calls.Add(1) })

		c.Advance(time.Second)
		if calls.Load() != 1 {
			t.Fatal("timer did not fire")
		}
		timer.Reset(2 * time.Second)
		c.Advance(2 * time.Second)
		if calls.Load() != 2 {
			t.Fatalf("calls after reset = %d, want 2", calls.Load())
		}
	})

	t.Run("callback can schedule a due timer", func(t *testing.T) {
		c := Fake(testEpoch)
		var chained atomic.Int32
		c.AfterFunc(time.Second, func() {
			c.AfterFunc(time.Second, func() { chained.Add(1) })
		})

		// A single Advance spanning both deadlines fires the chained
		// timer too. This is what the typing sweep relies on.
		c.Advance(2 * time.Second)
		if chained.Load() != 1 {
			t.Fatalf("chained calls = %d, want 1", chained.Load())
		}
	})
}

func TestFakeTicker(t *testing.T) {
	c := Fake(testEpoch)
	ticker := c.NewTicker(10 * time.Second)
	defer ticker.Stop()

	c.Advance(10 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after one period")
	}

	// Two periods at once with nobody draining: the buffered channel
	// keeps a single tick.
	c.Advance(20 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after two more periods")
	}
	select {
	case <-ticker.C:
		t.Fatal("queued more than one tick")
	default:
	}

	ticker.Stop()
	c.Advance(time.Minute)
	select {
	case <-ticker.C:
		t.Fatal("tick after Stop")
	default:
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	c := Fake(testEpoch)
	done := make(chan struct{})
	go func() {
		c.WaitForTimers(2)
		close(done)
	}()

	c.After(time.Second)
	select {
	case <-done:
		t.Fatal("WaitForTimers returned with one timer")
	case <-time.After(20 * time.Millisecond):
	}

	c.After(time.Second)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForTimers did not return with two timers")
	}

	if got := c.TimerCount(); got != 2 {
		t.Fatalf("TimerCount = %d, want 2", got)
	}
}
