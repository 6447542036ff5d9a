// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package voice implements the client side of a voice/video room: the
// signaling session, media negotiation against the relay, the shared
// participant roster, and the feature-gated quality monitor.
//
// A Session owns exactly one local media stream and one peer
// connection. The roster is written by server events and by confirmed
// local toggles only; everything else reads it through snapshots. The
// relay itself is consumed purely through its signaling contract and
// never reimplemented here.
package voice
