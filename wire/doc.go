// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the JSON protocol spoken on the two realtime
// sockets: the per-channel text transport and the voice signaling
// connection. It contains only data shapes and envelope
// encode/decode — no I/O and no session state.
//
// Both sockets use a type-tagged JSON envelope. Text-transport frames
// carry a top-level "type" discriminator. Signaling frames add a second
// level: "signal" frames nest a kind-tagged payload for SDP/ICE
// exchange, and "state" frames nest an event-tagged payload for roster
// and capability updates.
//
// Decoding is defensive: an unknown type or a payload that fails to
// unmarshal yields an error for the caller to log, and the frame is
// dropped. A malformed frame never terminates a session.
package wire
