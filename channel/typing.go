// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harborchat/harbor/lib/clock"
)

// typingDebounce is how long after the last keystroke the local typing
// indicator lapses when the user simply stops typing.
const typingDebounce = 3500 * time.Millisecond

// TypingNotifier turns a stream of local input activity into the
// minimal set of typing signals: one "start" per burst of keystrokes,
// then a single "stop" when the user pauses, clears the input, blurs
// the composer, or submits. Consecutive keystrokes inside a burst only
// push the debounce deadline out; they never emit again.
type TypingNotifier struct {
	clock  clock.Clock
	logger *slog.Logger
	emit   func(active bool) error

	mu     sync.Mutex
	active bool
	timer  *clock.Timer
}

// NewTypingNotifier creates a notifier that calls emit with true on
// the first keystroke of a burst and false when the burst ends. Emit
// errors are returned to the caller of the triggering method; the
// notifier's own state still advances, so a failed "start" is not
// retried on the next keystroke of the same burst. When the debounce
// lapses on its own there is no caller, so that emit error is logged.
// A nil logger falls back to slog.Default.
func NewTypingNotifier(clk clock.Clock, logger *slog.Logger, emit func(active bool) error) *TypingNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &TypingNotifier{clock: clk, logger: logger, emit: emit}
}

// Keystroke records input activity. Called with empty=true when the
// edit left the composer with no text, which ends the burst
// immediately.
func (n *TypingNotifier) Keystroke(empty bool) error {
	if empty {
		return n.Stop()
	}

	n.mu.Lock()
	wasActive := n.active
	n.active = true
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = n.clock.AfterFunc(typingDebounce, n.expire)
	n.mu.Unlock()

	if wasActive {
		return nil
	}
	return n.emit(true)
}

// Stop ends the current burst, if any. Used on submit, on blur, and
// when the composer empties.
func (n *TypingNotifier) Stop() error {
	n.mu.Lock()
	wasActive := n.active
	n.active = false
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.mu.Unlock()

	if !wasActive {
		return nil
	}
	return n.emit(false)
}

func (n *TypingNotifier) expire() {
	n.mu.Lock()
	wasActive := n.active
	n.active = false
	n.timer = nil
	n.mu.Unlock()

	if wasActive {
		if err := n.emit(false); err != nil {
			n.logger.Warn("typing stop emit failed", "error", err)
		}
	}
}
