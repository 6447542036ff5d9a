// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"fmt"
	"testing"
	"time"

	"github.com/harborchat/harbor/wire"
)

var storeEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testMessage(id string, offset time.Duration, content string) wire.Message {
	return wire.Message{
		ID:        id,
		ChannelID: "general",
		Author:    wire.User{ID: "u1", DisplayName: "alice"},
		Content:   content,
		CreatedAt: storeEpoch.Add(offset),
	}
}

func messageIDs(store *Store) []string {
	messages := store.Messages()
	ids := make([]string, len(messages))
	for i, message := range messages {
		ids[i] = message.ID
	}
	return ids
}

func TestStoreUpsertOrdering(t *testing.T) {
	store := NewStore()
	store.Upsert(testMessage("m2", 2*time.Second, "second"))
	store.Upsert(testMessage("m1", time.Second, "first"))
	store.Upsert(testMessage("m3", 3*time.Second, "third"))

	got := messageIDs(store)
	want := []string{"m1", "m2", "m3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestStoreUpsertTieBreaksByID(t *testing.T) {
	store := NewStore()
	store.Upsert(testMessage("mb", time.Second, "b"))
	store.Upsert(testMessage("ma", time.Second, "a"))

	got := messageIDs(store)
	if got[0] != "ma" || got[1] != "mb" {
		t.Fatalf("order = %v, want [ma mb]", got)
	}
}

func TestStoreUpsertIdempotent(t *testing.T) {
	store := NewStore()
	for i := 0; i < 5; i++ {
		store.Upsert(testMessage("m1", time.Second, fmt.Sprintf("rev %d", i)))
	}

	if store.Len() != 1 {
		t.Fatalf("Len = %d after duplicate ingestion, want 1", store.Len())
	}
	message, ok := store.Get("m1")
	if !ok {
		t.Fatal("message missing")
	}
	if message.Content != "rev 4" {
		t.Errorf("content = %q, want latest revision", message.Content)
	}
}

func TestStoreReplaceKeepsPosition(t *testing.T) {
	store := NewStore()
	store.Upsert(testMessage("m1", time.Second, "one"))
	store.Upsert(testMessage("m2", 2*time.Second, "two"))
	store.Upsert(testMessage("m3", 3*time.Second, "three"))

	// An edit arrives for m2 — even with a shifted timestamp, the
	// entry stays in place; neighbors never reorder.
	edited := testMessage("m2", 10*time.Second, "two (edited)")
	now := storeEpoch.Add(10 * time.Second)
	edited.EditedAt = &now
	store.Upsert(edited)

	got := messageIDs(store)
	want := []string{"m1", "m2", "m3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order after edit = %v, want %v", got, want)
		}
	}
	message, _ := store.Get("m2")
	if message.EditedAt == nil || message.Content != "two (edited)" {
		t.Errorf("edit not applied: %+v", message)
	}
}

func TestStoreSetAll(t *testing.T) {
	store := NewStore()
	store.Upsert(testMessage("stale", time.Second, "gone after snapshot"))

	store.SetAll([]wire.Message{
		testMessage("m2", 2*time.Second, "two"),
		testMessage("m1", time.Second, "one"),
		testMessage("m2", 2*time.Second, "two (dup, later wins)"),
	})

	got := messageIDs(store)
	if len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
		t.Fatalf("snapshot = %v, want [m1 m2]", got)
	}
	message, _ := store.Get("m2")
	if message.Content != "two (dup, later wins)" {
		t.Errorf("dedup kept %q", message.Content)
	}
	if _, ok := store.Get("stale"); ok {
		t.Error("SetAll did not drop pre-snapshot entries")
	}
}

func TestStoreApplyReactions(t *testing.T) {
	store := NewStore()
	store.Upsert(testMessage("m1", time.Second, "hello"))

	store.ApplyReactions("m1", []wire.Reaction{{Emoji: "👍", UserIDs: []string{"u2"}, Count: 1}})
	message, _ := store.Get("m1")
	if len(message.Reactions) != 1 || message.Reactions[0].Count != 1 {
		t.Errorf("reactions = %+v", message.Reactions)
	}

	// Unknown message id: dropped without side effects.
	store.ApplyReactions("missing", []wire.Reaction{{Emoji: "🎉"}})
	if store.Len() != 1 {
		t.Error("reaction for unknown message changed the timeline")
	}
}

func TestStoreSubscribe(t *testing.T) {
	store := NewStore()
	notifications := 0
	cancel := store.Subscribe(func() { notifications++ })

	store.Upsert(testMessage("m1", time.Second, "hello"))
	if notifications != 1 {
		t.Fatalf("notifications = %d, want 1", notifications)
	}

	cancel()
	store.Upsert(testMessage("m2", 2*time.Second, "world"))
	if notifications != 1 {
		t.Fatalf("notified after cancel: %d", notifications)
	}
}

func TestStoreSnapshotIsCopy(t *testing.T) {
	store := NewStore()
	store.Upsert(testMessage("m1", time.Second, "hello"))

	snapshot := store.Messages()
	snapshot[0].Content = "mutated"

	message, _ := store.Get("m1")
	if message.Content != "hello" {
		t.Error("snapshot mutation leaked into the store")
	}
}
