// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harborchat/harbor/lib/clock"
	"github.com/harborchat/harbor/socket"
	"github.com/harborchat/harbor/wire"
)

const (
	// reconnectDelay is the fixed wait between reconnect attempts.
	// There is no backoff; a chat client wants back in fast, and the
	// server sheds load by other means.
	reconnectDelay = 3 * time.Second

	// keepaliveInterval paces the ping frames that keep intermediate
	// proxies from idling the socket out.
	keepaliveInterval = 20 * time.Second

	// historyFallbackTimeout is how long after connect the session
	// waits for the server's history snapshot before fetching it over
	// REST instead.
	historyFallbackTimeout = 3 * time.Second
)

// ConnectionState describes where a session is in its lifecycle.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateConnected  ConnectionState = "connected"
	StateError      ConnectionState = "error"
)

// ErrNotConnected is returned by operations that need a live socket.
var ErrNotConnected = errors.New("channel: not connected")

// ErrEmptyMessage is returned when a send has neither content nor
// attachments.
var ErrEmptyMessage = errors.New("channel: message has no content")

// HistorySource fetches a channel's recent messages out of band.
// *HistoryClient is the production implementation.
type HistorySource interface {
	Recent(ctx context.Context, channelID string) ([]wire.Message, error)
}

var _ HistorySource = (*HistoryClient)(nil)

// Config carries a session's collaborators. ChannelID, SocketURL,
// Token, and Dialer are required; the rest default sensibly.
type Config struct {
	// ChannelID is the channel this session subscribes to.
	ChannelID string

	// SocketURL is the realtime gateway base, e.g. "wss://host".
	SocketURL string

	// Transport is the gateway path segment. Defaults to "rt".
	Transport string

	// Token supplies the bearer credential for dialing and history
	// fetches. It reports false when no credential is available, which
	// is a fatal session error rather than a retry.
	Token func() (string, bool)

	// Dialer opens socket connections.
	Dialer socket.Dialer

	// History is the REST fallback source. Nil disables the fallback.
	History HistorySource

	// Store receives messages. Created if nil.
	Store *Store

	// Tracker receives presence and typing state. Created if nil.
	Tracker *Tracker

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnState, if set, observes every state transition.
	OnState func(ConnectionState)
}

// Session maintains one channel's realtime connection: it dials,
// reconnects on a fixed delay, keeps the socket alive, dispatches
// inbound events into the store and tracker, and falls back to a REST
// history fetch when the server's snapshot is late or it reports a
// replay failure.
//
// A generation counter invalidates everything belonging to a previous
// connection: stale reads, stale timers, and stale fallback results
// all check their generation against the session's before acting.
type Session struct {
	channelID string
	endpoint  func(token string) string
	token     func() (string, bool)
	dialer    socket.Dialer
	history   HistorySource
	store     *Store
	tracker   *Tracker
	clock     clock.Clock
	logger    *slog.Logger
	onState   func(ConnectionState)
	notifier  *TypingNotifier

	mu                sync.Mutex
	generation        uint64
	state             ConnectionState
	lastErr           error
	conn              socket.Conn
	connDone          chan struct{}
	reconnectTimer    *clock.Timer
	fallbackTimer     *clock.Timer
	historyReceived   bool
	fallbackFired     bool
	pendingTypingStop bool
	started           bool
}

// NewSession creates a session. It does not connect; call Start.
func NewSession(config Config) (*Session, error) {
	if config.ChannelID == "" {
		return nil, fmt.Errorf("channel: config missing ChannelID")
	}
	if config.SocketURL == "" {
		return nil, fmt.Errorf("channel: config missing SocketURL")
	}
	if config.Token == nil {
		return nil, fmt.Errorf("channel: config missing Token")
	}
	if config.Dialer == nil {
		return nil, fmt.Errorf("channel: config missing Dialer")
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := config.Store
	if store == nil {
		store = NewStore()
	}
	tracker := config.Tracker
	if tracker == nil {
		tracker = NewTracker(clk)
	}
	transport := config.Transport
	if transport == "" {
		transport = "rt"
	}

	session := &Session{
		channelID: config.ChannelID,
		token:     config.Token,
		dialer:    config.Dialer,
		history:   config.History,
		store:     store,
		tracker:   tracker,
		clock:     clk,
		logger:    logger.With("channel", config.ChannelID),
		onState:   config.OnState,
		state:     StateIdle,
	}
	session.endpoint = func(token string) string {
		return socket.TextEndpoint(config.SocketURL, transport, config.ChannelID, token)
	}
	session.notifier = NewTypingNotifier(clk, session.logger, session.setTyping)
	return session, nil
}

// Store returns the session's message store.
func (s *Session) Store() *Store { return s.store }

// Tracker returns the session's presence and typing tracker.
func (s *Session) Tracker() *Tracker { return s.tracker }

// Typing returns the notifier that translates local composer activity
// into typing signals on this session.
func (s *Session) Typing() *TypingNotifier { return s.notifier }

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error behind StateError, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Start begins connecting. Calling Start on a started session is a
// no-op.
func (s *Session) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.setState(gen, StateConnecting, nil)
	go s.connect(gen)
}

// Close tears the session down. All timers stop, the socket closes,
// and the channel's ephemeral presence and typing state is dropped.
func (s *Session) Close() error {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.started = false
	conn := s.conn
	s.conn = nil
	if s.connDone != nil {
		close(s.connDone)
		s.connDone = nil
	}
	s.stopTimersLocked()
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.tracker.Clear(s.channelID)
	s.setState(gen, StateIdle, nil)
	return nil
}

// SendMessage sends a message on the live socket. parentID is the
// thread root, empty for a top-level message.
func (s *Session) SendMessage(content string, attachments []wire.Attachment, parentID string) error {
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	frame, err := wire.EncodeMessageSend(content, attachments, parentID)
	if err != nil {
		return err
	}
	if err := conn.Send(frame); err != nil {
		return fmt.Errorf("channel: sending message: %w", err)
	}
	return nil
}

// setTyping is the notifier's emit hook. A typing start while
// disconnected is dropped; a stop is deferred and flushed on the next
// connect so the server-side indicator cannot stick across a gap.
func (s *Session) setTyping(active bool) error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil && !active {
		s.pendingTypingStop = true
	}
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	if err := conn.Send(wire.EncodeTyping(active)); err != nil {
		return fmt.Errorf("channel: sending typing indicator: %w", err)
	}
	return nil
}

func (s *Session) connect(gen uint64) {
	token, ok := s.token()
	if !ok {
		if !s.isCurrent(gen) {
			return
		}
		s.logger.Error("no credential for channel session")
		s.setState(gen, StateError, ErrNoCredential)
		return
	}

	conn, err := s.dialer.DialContext(context.Background(), s.endpoint(token))
	if err != nil {
		s.mu.Lock()
		if gen != s.generation {
			s.mu.Unlock()
			return
		}
		s.reconnectTimer = s.clock.AfterFunc(reconnectDelay, func() { s.connect(gen) })
		s.mu.Unlock()
		s.logger.Warn("dial failed, retrying", "error", err, "delay", reconnectDelay)
		return
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.connDone = make(chan struct{})
	done := s.connDone
	s.historyReceived = false
	s.fallbackFired = false
	if s.history != nil {
		s.fallbackTimer = s.clock.AfterFunc(historyFallbackTimeout, func() {
			s.triggerFallback(gen, "history snapshot timed out")
		})
	}
	flushStop := s.pendingTypingStop
	s.pendingTypingStop = false
	s.mu.Unlock()

	s.setState(gen, StateConnected, nil)
	if flushStop {
		if err := conn.Send(wire.EncodeTyping(false)); err != nil {
			s.logger.Warn("failed to flush typing stop", "error", err)
		}
	}
	go s.keepaliveLoop(conn, done)
	go s.readLoop(gen, conn)
}

// readLoop consumes inbound frames until the connection's frame
// channel closes, which is the single disconnect signal.
func (s *Session) readLoop(gen uint64, conn socket.Conn) {
	for frame := range conn.Frames() {
		if !s.isCurrent(gen) {
			return
		}
		s.handleFrame(gen, frame)
	}
	s.handleDisconnect(gen)
}

func (s *Session) handleFrame(gen uint64, frame []byte) {
	event, err := wire.ParseTextEvent(frame)
	if err != nil {
		s.logger.Warn("dropping inbound frame", "error", err)
		return
	}

	switch event := event.(type) {
	case wire.HistoryEvent:
		s.settleHistory()
		s.store.SetAll(event.Messages)
	case wire.MessageEvent:
		// Live traffic proves the stream is caught up; a later REST
		// snapshot could be staler than what the socket delivered.
		s.settleHistory()
		s.store.Upsert(event.Message)
	case wire.ReactionEvent:
		s.store.ApplyReactions(event.MessageID, event.Reactions)
	case wire.PresenceEvent:
		s.tracker.ApplyPresence(s.channelID, event.Users)
	case wire.TypingEvent:
		s.tracker.ApplyTyping(s.channelID, event.Entries, event.TTL)
	case wire.ErrorEvent:
		s.logger.Warn("server reported channel error",
			"code", event.Code, "message", event.Message)
		s.triggerFallback(gen, "server error")
	case wire.PongEvent:
		// Keepalive answer; nothing to do.
	}
}

// handleDisconnect runs when a connection's frame channel closes. The
// channel's ephemeral state is dropped and a reconnect is scheduled on
// the fixed delay.
func (s *Session) handleDisconnect(gen uint64) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.generation++
	next := s.generation
	conn := s.conn
	s.conn = nil
	if s.connDone != nil {
		close(s.connDone)
		s.connDone = nil
	}
	s.stopTimersLocked()
	s.reconnectTimer = s.clock.AfterFunc(reconnectDelay, func() { s.connect(next) })
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.tracker.Clear(s.channelID)
	s.setState(next, StateConnecting, nil)
	s.logger.Info("disconnected, reconnecting", "delay", reconnectDelay)
}

// keepaliveLoop sends a ping on a fixed cadence while the connection
// is up. Send failures are not terminal here; the read loop owns the
// disconnect.
func (s *Session) keepaliveLoop(conn socket.Conn, done <-chan struct{}) {
	ticker := s.clock.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.Send(wire.EncodePing()); err != nil {
				s.logger.Warn("keepalive ping failed", "error", err)
				return
			}
		}
	}
}

// settleHistory marks the backlog settled for the current connection
// and disarms the fallback timer. Both a history snapshot and an
// individual message settle it.
func (s *Session) settleHistory() {
	s.mu.Lock()
	s.historyReceived = true
	if s.fallbackTimer != nil {
		s.fallbackTimer.Stop()
		s.fallbackTimer = nil
	}
	s.mu.Unlock()
}

// triggerFallback runs the REST history fetch at most once per
// connection, and only if the socket snapshot has not arrived.
func (s *Session) triggerFallback(gen uint64, reason string) {
	s.mu.Lock()
	if gen != s.generation || s.fallbackFired || s.historyReceived || s.history == nil {
		s.mu.Unlock()
		return
	}
	s.fallbackFired = true
	s.mu.Unlock()

	s.logger.Info("fetching history over REST", "reason", reason)
	go func() {
		messages, err := s.history.Recent(context.Background(), s.channelID)
		if err != nil {
			s.logger.Warn("history fallback failed", "error", err)
			return
		}
		s.mu.Lock()
		stale := gen != s.generation || s.historyReceived
		s.mu.Unlock()
		if stale {
			return
		}
		s.store.SetAll(messages)
	}()
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.generation
}

// stopTimersLocked stops the reconnect and fallback timers. Caller
// holds s.mu.
func (s *Session) stopTimersLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.fallbackTimer != nil {
		s.fallbackTimer.Stop()
		s.fallbackTimer = nil
	}
}

// setState publishes a transition belonging to generation gen. A
// stale gen means Close or a reconnect won the race; the transition
// is dropped so a torn-down session cannot report itself live.
func (s *Session) setState(gen uint64, state ConnectionState, err error) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.lastErr = err
	callback := s.onState
	s.mu.Unlock()
	if callback != nil {
		callback(state)
	}
}
