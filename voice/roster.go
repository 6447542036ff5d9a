// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

package voice

import (
	"sort"
	"sync"

	"github.com/harborchat/harbor/wire"
)

// pendingField marks roster fields overwritten optimistically and not
// yet confirmed by the server.
type pendingField uint8

const (
	pendingMuted pendingField = 1 << iota
	pendingDeafened
	pendingRole
	pendingVideo
)

type rosterEntry struct {
	participant wire.Participant
	pending     pendingField
}

// Roster is the shared participant set of one voice room. The server
// is the single writer via events; the one exception is the local
// participant's optimistic toggles, which are applied immediately and
// reconciled by the next authoritative event for that participant.
// The authoritative echo always wins, agreeing or not.
type Roster struct {
	mu      sync.Mutex
	entries map[string]*rosterEntry

	subscriberMu sync.Mutex
	subscribers  map[int]func()
	nextSubID    int
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{
		entries:     make(map[string]*rosterEntry),
		subscribers: make(map[int]func()),
	}
}

// ReplaceAll installs a full roster snapshot, dropping every pending
// mark. Full snapshots are the recovery mechanism for signaling
// desync.
func (r *Roster) ReplaceAll(participants []wire.Participant) {
	r.mu.Lock()
	r.entries = make(map[string]*rosterEntry, len(participants))
	for _, participant := range participants {
		r.entries[participant.ID] = &rosterEntry{participant: participant}
	}
	r.mu.Unlock()
	r.notify()
}

// Apply installs one authoritative participant record. For the local
// participant this is the echo that confirms or overwrites optimistic
// toggles; its pending marks clear either way.
func (r *Roster) Apply(participant wire.Participant) {
	r.mu.Lock()
	r.entries[participant.ID] = &rosterEntry{participant: participant}
	r.mu.Unlock()
	r.notify()
}

// Remove drops one participant.
func (r *Roster) Remove(participantID string) {
	r.mu.Lock()
	delete(r.entries, participantID)
	r.mu.Unlock()
	r.notify()
}

// Clear empties the roster.
func (r *Roster) Clear() {
	r.mu.Lock()
	r.entries = make(map[string]*rosterEntry)
	r.mu.Unlock()
	r.notify()
}

// Get returns one participant's current record.
func (r *Roster) Get(participantID string) (wire.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[participantID]
	if !ok {
		return wire.Participant{}, false
	}
	return entry.participant, true
}

// Confirmed reports whether a participant's record carries no pending
// optimistic writes.
func (r *Roster) Confirmed(participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[participantID]
	return ok && entry.pending == 0
}

// Snapshot returns the roster sorted by participant ID.
func (r *Roster) Snapshot() []wire.Participant {
	r.mu.Lock()
	participants := make([]wire.Participant, 0, len(r.entries))
	for _, entry := range r.entries {
		participants = append(participants, entry.participant)
	}
	r.mu.Unlock()

	sort.Slice(participants, func(i, j int) bool {
		return participants[i].ID < participants[j].ID
	})
	return participants
}

// Len returns the participant count.
func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Subscribe registers fn to run after every roster change. The
// returned function removes the subscription.
func (r *Roster) Subscribe(fn func()) (cancel func()) {
	r.subscriberMu.Lock()
	id := r.nextSubID
	r.nextSubID++
	r.subscribers[id] = fn
	r.subscriberMu.Unlock()

	return func() {
		r.subscriberMu.Lock()
		delete(r.subscribers, id)
		r.subscriberMu.Unlock()
	}
}

// setOptimistic applies mutate to one participant and marks the field
// pending. It reports whether the participant exists and returns the
// record as it was before, for rollback on downstream failure.
func (r *Roster) setOptimistic(participantID string, field pendingField, mutate func(*wire.Participant)) (previous wire.Participant, ok bool) {
	r.mu.Lock()
	entry, ok := r.entries[participantID]
	if !ok {
		r.mu.Unlock()
		return wire.Participant{}, false
	}
	previous = entry.participant
	mutate(&entry.participant)
	entry.pending |= field
	r.mu.Unlock()
	r.notify()
	return previous, true
}

// rollback restores a participant's record after a failed optimistic
// write, clearing the field's pending mark.
func (r *Roster) rollback(participantID string, field pendingField, previous wire.Participant) {
	r.mu.Lock()
	entry, ok := r.entries[participantID]
	if ok {
		entry.participant = previous
		entry.pending &^= field
	}
	r.mu.Unlock()
	if ok {
		r.notify()
	}
}

func (r *Roster) notify() {
	r.subscriberMu.Lock()
	pending := make([]func(), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		pending = append(pending, fn)
	}
	r.subscriberMu.Unlock()
	for _, fn := range pending {
		fn()
	}
}
