// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/harborchat/harbor/lib/clock"
	"github.com/harborchat/harbor/socket"
	"github.com/harborchat/harbor/wire"
)

// signalReconnectDelay is the fixed wait between signaling reconnect
// attempts. The media path never auto-reconnects; only this socket
// does.
const signalReconnectDelay = 3 * time.Second

// State is a voice session's lifecycle position.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateJoined       State = "joined"
	StateActive       State = "active"
)

// ErrNotJoined is returned by operations that need a live signaling
// connection and a welcome.
var ErrNotJoined = errors.New("voice: not joined")

// ErrRecordingUnavailable is returned when the room's recording
// feature flag is off. The operation is a strict no-op.
var ErrRecordingUnavailable = errors.New("voice: recording is not available in this room")

// Config carries a voice session's collaborators. RoomSlug, SocketURL,
// Token, and Dialer are required.
type Config struct {
	// RoomSlug identifies the voice room.
	RoomSlug string

	// SocketURL is the realtime gateway base.
	SocketURL string

	// Transport is the gateway path segment. Defaults to "rt".
	Transport string

	// Token supplies the bearer credential for dialing.
	Token func() (string, bool)

	// Dialer opens the signaling socket.
	Dialer socket.Dialer

	// Media acquires local capture. Defaults to SampleSource.
	Media MediaSource

	// NewPeer creates the media connection. Defaults to NewWebRTCPeer.
	NewPeer PeerFactory

	// Clock defaults to the system clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// OnState, if set, observes every lifecycle transition.
	OnState func(State)

	// OnStatus, if set, receives user-visible status lines: device
	// failures, media connection health, signaling gaps.
	OnStatus func(status string)
}

// Session drives one voice room membership: the signaling socket, the
// media negotiation with the relay, the shared roster, and the
// feature-gated quality monitor. It exclusively owns the local media
// stream and the peer connection.
//
// The signaling socket reconnects on a fixed delay; the media path
// does not. Two generation counters make stale async completions
// no-ops: socketGen covers dial attempts and disconnect handling,
// mediaGen covers device acquisition and negotiation, so a bye can
// tear down the media path without disturbing the socket and vice
// versa.
type Session struct {
	roomSlug string
	endpoint func(token string) string
	token    func() (string, bool)
	dialer   socket.Dialer
	media    MediaSource
	newPeer  PeerFactory
	clock    clock.Clock
	logger   *slog.Logger
	onState  func(State)
	onStatus func(status string)
	roster   *Roster

	mu             sync.Mutex
	socketGen      uint64
	mediaGen       uint64
	state          State
	conn           socket.Conn
	peer           Peer
	stream         *MediaStream
	selfID         string
	features       wire.Features
	iceServers     []wire.ICEServer
	constraints    wire.MediaConstraints
	videoEnabled   bool
	recording      bool
	quality        map[string]wire.QualityReport
	monitorDone    chan struct{}
	reconnectTimer *clock.Timer
	started        bool
}

// NewSession creates a voice session. It does not connect; call Join.
func NewSession(config Config) (*Session, error) {
	if config.RoomSlug == "" {
		return nil, fmt.Errorf("voice: config missing RoomSlug")
	}
	if config.SocketURL == "" {
		return nil, fmt.Errorf("voice: config missing SocketURL")
	}
	if config.Token == nil {
		return nil, fmt.Errorf("voice: config missing Token")
	}
	if config.Dialer == nil {
		return nil, fmt.Errorf("voice: config missing Dialer")
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	media := config.Media
	if media == nil {
		media = SampleSource{}
	}
	newPeer := config.NewPeer
	if newPeer == nil {
		newPeer = NewWebRTCPeer
	}
	transport := config.Transport
	if transport == "" {
		transport = "rt"
	}

	session := &Session{
		roomSlug: config.RoomSlug,
		token:    config.Token,
		dialer:   config.Dialer,
		media:    media,
		newPeer:  newPeer,
		clock:    clk,
		logger:   logger.With("room", config.RoomSlug),
		onState:  config.OnState,
		onStatus: config.OnStatus,
		roster:   NewRoster(),
		state:    StateDisconnected,
		quality:  make(map[string]wire.QualityReport),
	}
	session.endpoint = func(token string) string {
		return socket.SignalEndpoint(config.SocketURL, transport, config.RoomSlug, token)
	}
	return session, nil
}

// Roster returns the room's participant roster.
func (s *Session) Roster() *Roster { return s.roster }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Features returns the server-granted capability flags from the
// welcome. Zero before the first welcome.
func (s *Session) Features() wire.Features {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.features
}

// Self returns the local participant's roster record.
func (s *Session) Self() (wire.Participant, bool) {
	s.mu.Lock()
	selfID := s.selfID
	s.mu.Unlock()
	if selfID == "" {
		return wire.Participant{}, false
	}
	return s.roster.Get(selfID)
}

// Recording reports whether the room is currently being recorded.
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// QualityReports returns the latest quality sample per participant,
// sorted by user ID.
func (s *Session) QualityReports() []wire.QualityReport {
	s.mu.Lock()
	reports := make([]wire.QualityReport, 0, len(s.quality))
	for _, report := range s.quality {
		reports = append(reports, report)
	}
	s.mu.Unlock()

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].UserID < reports[j].UserID
	})
	return reports
}

// Join begins connecting to the room's signaling endpoint. Calling
// Join on a started session is a no-op.
func (s *Session) Join() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.socketGen++
	s.mediaGen++
	gen := s.socketGen
	s.mu.Unlock()

	s.setState(gen, StateConnecting)
	go s.connect(gen)
}

// Close leaves the room: local media stops, the peer connection
// closes, the signaling socket closes, and all ephemeral room state is
// dropped.
func (s *Session) Close() error {
	s.mu.Lock()
	s.socketGen++
	s.mediaGen++
	gen := s.socketGen
	s.started = false
	conn := s.conn
	s.conn = nil
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	peer, stream := s.detachMediaLocked()
	s.selfID = ""
	s.recording = false
	s.quality = make(map[string]wire.QualityReport)
	s.mu.Unlock()

	if conn != nil {
		conn.Send(mustEncodeSignal(wire.SignalPayload{Kind: wire.SignalKindBye}))
		conn.Close()
	}
	closeMedia(peer, stream)
	s.roster.Clear()
	s.setState(gen, StateDisconnected)
	return nil
}

// SetMuted toggles the local microphone mute flag, optimistically
// first, then over signaling. The server's echo confirms or overwrites
// it.
func (s *Session) SetMuted(muted bool) error {
	return s.toggle(pendingMuted, wire.StateEventSetMuted,
		map[string]any{"muted": muted},
		func(p *wire.Participant) { p.Muted = muted })
}

// SetDeafened toggles the local deafen flag.
func (s *Session) SetDeafened(deafened bool) error {
	return s.toggle(pendingDeafened, wire.StateEventSetDeafened,
		map[string]any{"deafened": deafened},
		func(p *wire.Participant) { p.Deafened = deafened })
}

// SetRole switches the local participant between speaker and listener.
func (s *Session) SetRole(role wire.Role) error {
	if !role.Valid() {
		return fmt.Errorf("voice: unknown role %q", role)
	}
	return s.toggle(pendingRole, wire.StateEventSetRole,
		map[string]any{"role": role},
		func(p *wire.Participant) { p.Role = role })
}

// toggle runs the optimistic-then-confirm cycle shared by the flag
// setters: update the roster entry, send the state frame, roll the
// entry back if the frame cannot be sent.
func (s *Session) toggle(field pendingField, event string, fields map[string]any, mutate func(*wire.Participant)) error {
	s.mu.Lock()
	selfID := s.selfID
	conn := s.conn
	s.mu.Unlock()
	if selfID == "" || conn == nil {
		return ErrNotJoined
	}

	previous, ok := s.roster.setOptimistic(selfID, field, mutate)
	if !ok {
		return ErrNotJoined
	}

	frame, err := wire.EncodeState(event, fields)
	if err == nil {
		err = conn.Send(frame)
	}
	if err != nil {
		s.roster.rollback(selfID, field, previous)
		return fmt.Errorf("voice: sending %s: %w", event, err)
	}
	return nil
}

// SetVideo enables or disables the local camera. The media stream is
// re-acquired with the new constraint; on an existing peer connection
// the video sender is replaced or removed and the session renegotiates
// in place rather than reconnecting. A device failure rolls the
// optimistic roster write back and surfaces a status without closing
// the session.
func (s *Session) SetVideo(enabled bool) error {
	s.mu.Lock()
	gen := s.mediaGen
	selfID := s.selfID
	conn := s.conn
	peer := s.peer
	hasStream := s.stream != nil
	constraints := s.constraints
	s.mu.Unlock()
	if selfID == "" || conn == nil {
		return ErrNotJoined
	}

	previous, ok := s.roster.setOptimistic(selfID, pendingVideo, func(p *wire.Participant) {
		p.VideoEnabled = enabled
	})
	if !ok {
		return ErrNotJoined
	}

	var stream *MediaStream
	if hasStream || peer != nil {
		constraints.Audio = true
		constraints.Video = enabled
		acquired, err := s.media.Acquire(context.Background(), constraints)
		if err != nil {
			s.roster.rollback(selfID, pendingVideo, previous)
			s.status(fmt.Sprintf("camera unavailable: %v", err))
			return fmt.Errorf("voice: acquiring media: %w", err)
		}
		stream = acquired
	}

	s.mu.Lock()
	if gen != s.mediaGen {
		s.mu.Unlock()
		stream.Close()
		return ErrNotJoined
	}
	old := s.stream
	if stream != nil {
		s.stream = stream
	}
	s.videoEnabled = enabled
	s.mu.Unlock()

	if peer != nil && stream != nil {
		if err := peer.SetAudio(stream.Audio); err != nil {
			return err
		}
		var video Track
		if enabled {
			video = stream.Video
		}
		if err := peer.SetVideo(video); err != nil {
			return err
		}
		offer, err := peer.Offer()
		if err != nil {
			return err
		}
		frame, err := wire.EncodeSignal(wire.SignalPayload{Kind: wire.SignalKindOffer, SDP: offer})
		if err != nil {
			return err
		}
		if err := conn.Send(frame); err != nil {
			return fmt.Errorf("voice: sending renegotiation offer: %w", err)
		}
	}
	if old != nil && old != stream {
		old.Close()
	}

	frame, err := wire.EncodeState(wire.StateEventMedia, map[string]any{"video": enabled})
	if err != nil {
		return err
	}
	if err := conn.Send(frame); err != nil {
		return fmt.Errorf("voice: sending media state: %w", err)
	}
	return nil
}

// SetRecording starts or stops room recording. Strictly a no-op
// returning ErrRecordingUnavailable when the room's recording flag is
// off; the recording state itself only changes on the server's echo.
func (s *Session) SetRecording(active bool) error {
	s.mu.Lock()
	available := s.features.Recording
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotJoined
	}
	if !available {
		return ErrRecordingUnavailable
	}

	frame, err := wire.EncodeState(wire.StateEventRecording, map[string]any{"active": active})
	if err != nil {
		return err
	}
	if err := conn.Send(frame); err != nil {
		return fmt.Errorf("voice: sending recording state: %w", err)
	}
	return nil
}

func (s *Session) connect(gen uint64) {
	token, ok := s.token()
	if !ok {
		if !s.socketCurrent(gen) {
			return
		}
		s.logger.Error("no credential for voice session")
		s.status("cannot join voice: missing credential")
		s.setState(gen, StateDisconnected)
		return
	}

	conn, err := s.dialer.DialContext(context.Background(), s.endpoint(token))
	if err != nil {
		s.mu.Lock()
		if gen != s.socketGen {
			s.mu.Unlock()
			return
		}
		s.reconnectTimer = s.clock.AfterFunc(signalReconnectDelay, func() { s.connect(gen) })
		s.mu.Unlock()
		s.logger.Warn("signaling dial failed, retrying", "error", err, "delay", signalReconnectDelay)
		return
	}

	s.mu.Lock()
	if gen != s.socketGen {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(gen, conn)
}

func (s *Session) readLoop(gen uint64, conn socket.Conn) {
	for frame := range conn.Frames() {
		s.mu.Lock()
		current := s.conn == conn
		s.mu.Unlock()
		if !current {
			return
		}
		s.handleFrame(gen, conn, frame)
	}
	s.handleSocketDisconnect(gen, conn)
}

// handleSocketDisconnect schedules a signaling reconnect. The media
// path, if any, is left running; the next welcome reseeds the roster.
func (s *Session) handleSocketDisconnect(gen uint64, conn socket.Conn) {
	s.mu.Lock()
	if s.conn != conn || gen != s.socketGen {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.reconnectTimer = s.clock.AfterFunc(signalReconnectDelay, func() { s.connect(gen) })
	s.mu.Unlock()

	s.status("voice signaling lost, reconnecting")
	s.setState(gen, StateConnecting)
}

func (s *Session) handleFrame(sockGen uint64, conn socket.Conn, frame []byte) {
	event, err := wire.ParseSignalEvent(frame)
	if err != nil {
		s.logger.Warn("dropping signaling frame", "error", err)
		return
	}

	switch event := event.(type) {
	case wire.WelcomeEvent:
		s.handleWelcome(sockGen, event)
	case wire.PeerJoinedEvent:
		s.roster.Apply(event.Participant)
	case wire.PeerLeftEvent:
		s.roster.Remove(event.ParticipantID)
		s.mu.Lock()
		delete(s.quality, event.ParticipantID)
		s.mu.Unlock()
	case wire.SignalPayload:
		s.handleSignal(sockGen, conn, event)
	case wire.ParticipantsEvent:
		s.roster.ReplaceAll(event.Participants)
	case wire.ParticipantUpdatedEvent:
		s.roster.Apply(event.Participant)
	case wire.QualityUpdateEvent:
		s.mu.Lock()
		for _, report := range event.Reports {
			s.quality[report.UserID] = report
		}
		s.mu.Unlock()
	case wire.RecordingEvent:
		s.mu.Lock()
		s.recording = event.Active
		s.mu.Unlock()
	}
}

func (s *Session) handleWelcome(sockGen uint64, welcome wire.WelcomeEvent) {
	s.mu.Lock()
	s.selfID = welcome.SelfID
	s.features = welcome.Features
	s.iceServers = welcome.ICEServers
	s.constraints = welcome.Media
	hasMedia := s.stream != nil
	s.mu.Unlock()

	s.roster.ReplaceAll(welcome.Participants)
	if hasMedia {
		s.setState(sockGen, StateActive)
	} else {
		s.setState(sockGen, StateJoined)
	}
	s.logger.Info("joined voice room",
		"self", welcome.SelfID,
		"participants", len(welcome.Participants),
		"recording", welcome.Features.Recording,
		"monitoring", welcome.Features.Monitoring)
}

func (s *Session) handleSignal(sockGen uint64, conn socket.Conn, payload wire.SignalPayload) {
	switch payload.Kind {
	case wire.SignalKindOffer:
		s.handleOffer(sockGen, conn, payload.SDP)
	case wire.SignalKindAnswer:
		s.mu.Lock()
		peer := s.peer
		s.mu.Unlock()
		if peer == nil {
			// Answer with no local offer outstanding: desync, ignored.
			// Roster snapshots are the recovery mechanism.
			s.logger.Warn("ignoring answer without a peer connection")
			return
		}
		if err := peer.AcceptAnswer(payload.SDP); err != nil {
			s.logger.Warn("applying remote answer failed", "error", err)
		}
	case wire.SignalKindCandidate:
		s.mu.Lock()
		peer := s.peer
		s.mu.Unlock()
		if peer == nil {
			// Candidates before the peer connection exists are dropped,
			// not queued. The relay re-offers with complete candidates
			// if connectivity never establishes.
			s.logger.Debug("dropping early ICE candidate")
			return
		}
		if err := peer.AddCandidate(payload.Candidate, payload.SDPMid, payload.SDPMLineIndex); err != nil {
			s.logger.Warn("applying ICE candidate failed", "error", err)
		}
	case wire.SignalKindBye:
		s.handleBye(sockGen)
	}
}

// handleOffer is the main negotiation path: ensure local media, ensure
// a peer connection, apply the offer, answer. The session becomes
// active once media is attached.
func (s *Session) handleOffer(sockGen uint64, conn socket.Conn, offerSDP string) {
	s.mu.Lock()
	gen := s.mediaGen
	stream := s.stream
	peer := s.peer
	iceServers := s.iceServers
	constraints := s.constraints
	videoEnabled := s.videoEnabled
	s.mu.Unlock()

	if stream == nil {
		constraints.Audio = true
		constraints.Video = constraints.Video || videoEnabled
		acquired, err := s.media.Acquire(context.Background(), constraints)
		if err != nil {
			s.logger.Error("media acquisition failed", "error", err)
			s.status(fmt.Sprintf("microphone unavailable: %v", err))
			return
		}
		if !s.mediaCurrent(gen) {
			acquired.Close()
			return
		}
		stream = acquired
	}

	if peer == nil {
		created, err := s.newPeer(PeerConfig{
			ICEServers:    iceServers,
			OnStateChange: s.handlePeerState,
		})
		if err != nil {
			s.logger.Error("creating peer connection failed", "error", err)
			s.status(fmt.Sprintf("voice connection failed: %v", err))
			stream.Close()
			return
		}
		peer = created
	}

	s.mu.Lock()
	if gen != s.mediaGen {
		s.mu.Unlock()
		peer.Close()
		stream.Close()
		return
	}
	s.stream = stream
	s.peer = peer
	monitor := s.features.Monitoring && s.monitorDone == nil
	if monitor {
		s.startMonitorLocked(peer)
	}
	s.mu.Unlock()

	if err := peer.SetAudio(stream.Audio); err != nil {
		s.logger.Error("attaching audio failed", "error", err)
		return
	}
	if stream.Video != nil {
		if err := peer.SetVideo(stream.Video); err != nil {
			s.logger.Error("attaching video failed", "error", err)
		}
	}

	answer, err := peer.Answer(offerSDP)
	if err != nil {
		s.logger.Error("answering offer failed", "error", err)
		s.status(fmt.Sprintf("voice negotiation failed: %v", err))
		return
	}
	frame, err := wire.EncodeSignal(wire.SignalPayload{Kind: wire.SignalKindAnswer, SDP: answer})
	if err != nil {
		s.logger.Error("encoding answer failed", "error", err)
		return
	}
	if err := conn.Send(frame); err != nil {
		s.logger.Error("sending answer failed", "error", err)
		return
	}
	s.setState(sockGen, StateActive)
}

// handleBye tears the media path down but keeps the signaling socket,
// so a fresh call can start without a reconnect.
func (s *Session) handleBye(sockGen uint64) {
	s.mu.Lock()
	s.mediaGen++
	peer, stream := s.detachMediaLocked()
	s.mu.Unlock()

	closeMedia(peer, stream)
	s.setState(sockGen, StateJoined)
	s.logger.Info("call ended by peer")
}

// handlePeerState surfaces media connection health. Failures do not
// auto-reconnect the media path.
func (s *Session) handlePeerState(state PeerConnectionState) {
	switch state {
	case PeerConnected:
		s.status("voice connected")
	case PeerDisconnected:
		s.status("voice connection interrupted")
	case PeerFailed:
		s.status("voice connection failed")
	case PeerClosed:
		s.mu.Lock()
		s.stopMonitorLocked()
		s.mu.Unlock()
	}
}

// detachMediaLocked unhooks the peer and stream and stops the quality
// monitor, returning what must be closed outside the lock. Caller
// holds s.mu.
func (s *Session) detachMediaLocked() (Peer, *MediaStream) {
	peer := s.peer
	stream := s.stream
	s.peer = nil
	s.stream = nil
	s.stopMonitorLocked()
	return peer, stream
}

func closeMedia(peer Peer, stream *MediaStream) {
	if peer != nil {
		peer.Close()
	}
	stream.Close()
}

func (s *Session) socketCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.socketGen
}

func (s *Session) mediaCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.mediaGen
}

// setState publishes a transition belonging to socket generation
// sockGen. A stale generation means Close or a reconnect won the
// race; the transition is dropped so a torn-down session cannot
// report itself live.
func (s *Session) setState(sockGen uint64, state State) {
	s.mu.Lock()
	if sockGen != s.socketGen {
		s.mu.Unlock()
		return
	}
	s.state = state
	callback := s.onState
	s.mu.Unlock()
	if callback != nil {
		callback(state)
	}
}

func (s *Session) status(message string) {
	s.mu.Lock()
	callback := s.onStatus
	s.mu.Unlock()
	if callback != nil {
		callback(message)
	}
	s.logger.Info("voice status", "status", message)
}

func mustEncodeSignal(payload wire.SignalPayload) []byte {
	frame, err := wire.EncodeSignal(payload)
	if err != nil {
		panic(err)
	}
	return frame
}
