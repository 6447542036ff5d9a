// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel implements the realtime core of one text channel:
// the transport session owning the streaming connection (reconnect,
// keepalive, history fallback), the ordered message store, and the
// ephemeral presence/typing tracker.
//
// A Session is created when the user selects a channel and stopped
// when the channel is deselected, on logout, or on fatal error. All
// timers and in-flight asynchronous work are owned by the session and
// guarded by a generation counter: once the session moves on, a late
// completion is a no-op.
//
// Reads are exposed through snapshot accessors and change
// subscriptions on the Store and Tracker — no shared mutable
// references leave this package.
package channel
