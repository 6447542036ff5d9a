// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"sort"
	"sync"

	"github.com/harborchat/harbor/wire"
)

// Store holds one channel's message timeline in (created_at, id)
// order. Ingestion is idempotent: re-ingesting a known id replaces the
// entry in place without reordering its neighbors, so duplicate
// deliveries and edits collapse to a single entry.
//
// Store is safe for concurrent use. Mutations come from the owning
// Session; readers take snapshot copies or register change
// subscriptions.
type Store struct {
	mu       sync.RWMutex
	messages []wire.Message
	position map[string]int // message id → index in messages

	subscriberMu sync.Mutex
	subscribers  map[int]func()
	nextSubID    int
}

// NewStore creates an empty message store.
func NewStore() *Store {
	return &Store{
		position:    make(map[string]int),
		subscribers: make(map[int]func()),
	}
}

// Upsert inserts message in sort order, or replaces the existing entry
// with the same id in place. Replacement never moves other entries;
// the stored position is the identity's position even if the payload's
// timestamp changed.
func (s *Store) Upsert(message wire.Message) {
	s.mu.Lock()
	if index, known := s.position[message.ID]; known {
		s.messages[index] = message
		s.mu.Unlock()
		s.notify()
		return
	}

	index := sort.Search(len(s.messages), func(i int) bool {
		return message.Before(s.messages[i])
	})
	s.messages = append(s.messages, wire.Message{})
	copy(s.messages[index+1:], s.messages[index:])
	s.messages[index] = message
	for i := index; i < len(s.messages); i++ {
		s.position[s.messages[i].ID] = i
	}
	s.mu.Unlock()
	s.notify()
}

// SetAll replaces the timeline wholesale with a history snapshot. The
// input is deduplicated by id (later occurrences win) and re-sorted.
func (s *Store) SetAll(messages []wire.Message) {
	deduped := make(map[string]wire.Message, len(messages))
	for _, message := range messages {
		if message.ID == "" {
			continue
		}
		deduped[message.ID] = message
	}

	sorted := make([]wire.Message, 0, len(deduped))
	for _, message := range deduped {
		sorted = append(sorted, message)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Before(sorted[j])
	})

	s.mu.Lock()
	s.messages = sorted
	s.position = make(map[string]int, len(sorted))
	for i, message := range sorted {
		s.position[message.ID] = i
	}
	s.mu.Unlock()
	s.notify()
}

// ApplyReactions replaces the reaction set of the identified message.
// Reactions for an unknown message are dropped — the next history
// snapshot reconciles.
func (s *Store) ApplyReactions(messageID string, reactions []wire.Reaction) {
	s.mu.Lock()
	index, known := s.position[messageID]
	if !known {
		s.mu.Unlock()
		return
	}
	s.messages[index].Reactions = reactions
	s.mu.Unlock()
	s.notify()
}

// Messages returns a snapshot copy of the timeline in channel order.
func (s *Store) Messages() []wire.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make([]wire.Message, len(s.messages))
	copy(snapshot, s.messages)
	return snapshot
}

// Get returns the message with the given id, if present.
func (s *Store) Get(messageID string) (wire.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	index, known := s.position[messageID]
	if !known {
		return wire.Message{}, false
	}
	return s.messages[index], true
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Subscribe registers fn to run after every mutation. The returned
// function removes the subscription. fn runs on the mutating
// goroutine and must not block.
func (s *Store) Subscribe(fn func()) (cancel func()) {
	s.subscriberMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.subscriberMu.Unlock()

	return func() {
		s.subscriberMu.Lock()
		delete(s.subscribers, id)
		s.subscriberMu.Unlock()
	}
}

func (s *Store) notify() {
	s.subscriberMu.Lock()
	pending := make([]func(), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		pending = append(pending, fn)
	}
	s.subscriberMu.Unlock()
	for _, fn := range pending {
		fn()
	}
}
