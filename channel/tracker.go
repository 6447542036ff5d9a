// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"sync"
	"time"

	"github.com/harborchat/harbor/lib/clock"
	"github.com/harborchat/harbor/wire"
)

// TypingEntry is one user currently typing in a channel, with the
// instant their indicator lapses absent a refresh.
type TypingEntry struct {
	User      wire.User
	ExpiresAt time.Time
}

// Tracker holds the ephemeral per-channel state: the presence set and
// the typing TTL map. Presence snapshots replace wholesale (last
// writer wins). Typing entries expire on their own: a single sweep
// timer is always armed for the minimum remaining TTL and reschedules
// itself after each eviction, so the derived typing set is
// time-accurate without any polling interval.
//
// Tracker state exists only while a session is active; the owning
// session clears it on disconnect and teardown.
type Tracker struct {
	clock clock.Clock

	mu       sync.Mutex
	presence map[string][]wire.User            // keyed by channel id
	typing   map[string]map[string]TypingEntry // channel id, then user id
	sweep    *clock.Timer

	subscriberMu sync.Mutex
	subscribers  map[int]func()
	nextSubID    int
}

// NewTracker creates an empty tracker on the given clock.
func NewTracker(clk clock.Clock) *Tracker {
	return &Tracker{
		clock:       clk,
		presence:    make(map[string][]wire.User),
		typing:      make(map[string]map[string]TypingEntry),
		subscribers: make(map[int]func()),
	}
}

// ApplyPresence replaces the presence set for a channel.
func (t *Tracker) ApplyPresence(channelID string, users []wire.User) {
	set := make([]wire.User, len(users))
	copy(set, users)

	t.mu.Lock()
	t.presence[channelID] = set
	t.mu.Unlock()
	t.notify()
}

// ApplyTyping rebuilds the typing set for a channel from a snapshot.
// Every listed user is stamped with the event's TTL; users absent from
// the snapshot are removed, so an explicit "typing stop" arrives as a
// snapshot without that user.
func (t *Tracker) ApplyTyping(channelID string, entries []wire.User, ttl time.Duration) {
	now := t.clock.Now()
	rebuilt := make(map[string]TypingEntry, len(entries))
	for _, user := range entries {
		rebuilt[user.ID] = TypingEntry{User: user, ExpiresAt: now.Add(ttl)}
	}

	t.mu.Lock()
	if len(rebuilt) == 0 {
		delete(t.typing, channelID)
	} else {
		t.typing[channelID] = rebuilt
	}
	t.rescheduleSweepLocked(now)
	t.mu.Unlock()
	t.notify()
}

// Presence returns a snapshot of a channel's presence set.
func (t *Tracker) Presence(channelID string) []wire.User {
	t.mu.Lock()
	defer t.mu.Unlock()
	set := t.presence[channelID]
	snapshot := make([]wire.User, len(set))
	copy(snapshot, set)
	return snapshot
}

// Typing returns the users typing in a channel right now. An entry is
// present if and only if the current time is before its expiry.
func (t *Tracker) Typing(channelID string) []TypingEntry {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	var active []TypingEntry
	for _, entry := range t.typing[channelID] {
		if entry.ExpiresAt.After(now) {
			active = append(active, entry)
		}
	}
	return active
}

// Clear drops all ephemeral state for one channel. Called by the
// session on disconnect and at teardown.
func (t *Tracker) Clear(channelID string) {
	t.mu.Lock()
	delete(t.presence, channelID)
	delete(t.typing, channelID)
	t.rescheduleSweepLocked(t.clock.Now())
	t.mu.Unlock()
	t.notify()
}

// Subscribe registers fn to run after every change, including sweep
// evictions. The returned function removes the subscription.
func (t *Tracker) Subscribe(fn func()) (cancel func()) {
	t.subscriberMu.Lock()
	id := t.nextSubID
	t.nextSubID++
	t.subscribers[id] = fn
	t.subscriberMu.Unlock()

	return func() {
		t.subscriberMu.Lock()
		delete(t.subscribers, id)
		t.subscriberMu.Unlock()
	}
}

// sweepNow evicts expired entries, then re-arms the timer for the new
// minimum remaining TTL.
func (t *Tracker) sweepNow() {
	now := t.clock.Now()
	changed := false

	t.mu.Lock()
	for channelID, entries := range t.typing {
		for userID, entry := range entries {
			if !entry.ExpiresAt.After(now) {
				delete(entries, userID)
				changed = true
			}
		}
		if len(entries) == 0 {
			delete(t.typing, channelID)
		}
	}
	t.sweep = nil
	t.rescheduleSweepLocked(now)
	t.mu.Unlock()

	if changed {
		t.notify()
	}
}

// rescheduleSweepLocked re-arms the sweep timer for the earliest
// expiry across all channels, or disarms it when nothing is pending.
// Caller holds t.mu.
func (t *Tracker) rescheduleSweepLocked(now time.Time) {
	var earliest time.Time
	for _, entries := range t.typing {
		for _, entry := range entries {
			if earliest.IsZero() || entry.ExpiresAt.Before(earliest) {
				earliest = entry.ExpiresAt
			}
		}
	}

	if t.sweep != nil {
		t.sweep.Stop()
		t.sweep = nil
	}
	if earliest.IsZero() {
		return
	}
	wait := earliest.Sub(now)
	if wait < 0 {
		wait = 0
	}
	t.sweep = t.clock.AfterFunc(wait, t.sweepNow)
}

func (t *Tracker) notify() {
	t.subscriberMu.Lock()
	pending := make([]func(), 0, len(t.subscribers))
	for _, fn := range t.subscribers {
		pending = append(pending, fn)
	}
	t.subscriberMu.Unlock()
	for _, fn := range pending {
		fn()
	}
}
