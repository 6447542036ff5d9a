// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

package voice

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/harborchat/harbor/lib/clock"
	"github.com/harborchat/harbor/socket"
	"github.com/harborchat/harbor/wire"
)

const waitTimeout = 2 * time.Second

// fakePeer records every interaction so tests can assert the
// negotiation sequence without real WebRTC.
type fakePeer struct {
	mu         sync.Mutex
	audio      Track
	video      Track
	offered    []string
	answers    []string
	candidates []string
	offerCount int
	closed     bool
	sample     Sample
	sampleErr  error
}

func newFakePeer() *fakePeer {
	return &fakePeer{sampleErr: ErrNoSample}
}

func (p *fakePeer) Answer(offerSDP string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offered = append(p.offered, offerSDP)
	return "answer-sdp", nil
}

func (p *fakePeer) Offer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offerCount++
	return "renegotiate-sdp", nil
}

func (p *fakePeer) AcceptAnswer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers = append(p.answers, sdp)
	return nil
}

func (p *fakePeer) AddCandidate(candidate, mid string, mlineIndex uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *fakePeer) SetAudio(track Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audio = track
	return nil
}

func (p *fakePeer) SetVideo(track Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.video = track
	return nil
}

func (p *fakePeer) Stats() (Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sample, p.sampleErr
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) setSample(sample Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sample = sample
	p.sampleErr = nil
}

func (p *fakePeer) snapshot() fakePeer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fakePeer{
		audio:      p.audio,
		video:      p.video,
		offered:    append([]string(nil), p.offered...),
		answers:    append([]string(nil), p.answers...),
		candidates: append([]string(nil), p.candidates...),
		offerCount: p.offerCount,
		closed:     p.closed,
	}
}

// fakeMedia hands out real sample tracks and counts acquisitions and
// releases. videoErr simulates a denied camera.
type fakeMedia struct {
	mu       sync.Mutex
	videoErr error
	acquired int
	released int
}

func (m *fakeMedia) Acquire(ctx context.Context, constraints wire.MediaConstraints) (*MediaStream, error) {
	m.mu.Lock()
	videoErr := m.videoErr
	m.mu.Unlock()
	if constraints.Video && videoErr != nil {
		return nil, videoErr
	}

	stream := &MediaStream{
		Release: func() {
			m.mu.Lock()
			m.released++
			m.mu.Unlock()
		},
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "stream")
	if err != nil {
		return nil, err
	}
	stream.Audio = audio
	if constraints.Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "stream")
		if err != nil {
			return nil, err
		}
		stream.Video = video
	}

	m.mu.Lock()
	m.acquired++
	m.mu.Unlock()
	return stream, nil
}

func (m *fakeMedia) counts() (acquired, released int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired, m.released
}

type voiceHarness struct {
	session  *Session
	dialer   *socket.MemoryDialer
	clock    *clock.FakeClock
	media    *fakeMedia
	peers    []*fakePeer
	peersMu  sync.Mutex
	states   chan State
	statuses chan string
}

func newVoiceHarness(t *testing.T) *voiceHarness {
	t.Helper()
	h := &voiceHarness{
		dialer:   socket.NewMemoryDialer(),
		clock:    clock.Fake(time.Unix(1700000000, 0)),
		media:    &fakeMedia{},
		states:   make(chan State, 16),
		statuses: make(chan string, 16),
	}

	session, err := NewSession(Config{
		RoomSlug:  "ops",
		SocketURL: "wss://chat.example",
		Token:     func() (string, bool) { return "tok-1", true },
		Dialer:    h.dialer,
		Media:     h.media,
		NewPeer: func(config PeerConfig) (Peer, error) {
			peer := newFakePeer()
			h.peersMu.Lock()
			h.peers = append(h.peers, peer)
			h.peersMu.Unlock()
			return peer, nil
		},
		Clock:    h.clock,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnState:  func(state State) { h.states <- state },
		OnStatus: func(status string) { h.statuses <- status },
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	h.session = session
	t.Cleanup(func() { session.Close() })
	return h
}

func (h *voiceHarness) accept(t *testing.T) *socket.MemoryConn {
	t.Helper()
	select {
	case server := <-h.dialer.Accepted():
		return server
	case <-time.After(waitTimeout):
		t.Fatal("session never dialed")
		return nil
	}
}

func (h *voiceHarness) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case state := <-h.states:
			if state == want {
				return
			}
		case <-deadline:
			t.Fatalf("session never reached state %s", want)
		}
	}
}

func (h *voiceHarness) waitStatus(t *testing.T) string {
	t.Helper()
	select {
	case status := <-h.statuses:
		return status
	case <-time.After(waitTimeout):
		t.Fatal("no status surfaced")
		return ""
	}
}

func (h *voiceHarness) lastPeer(t *testing.T) *fakePeer {
	t.Helper()
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	if len(h.peers) == 0 {
		t.Fatal("no peer connection was created")
	}
	return h.peers[len(h.peers)-1]
}

func recvFrame(t *testing.T, server *socket.MemoryConn) []byte {
	t.Helper()
	select {
	case frame, ok := <-server.Sent():
		if !ok {
			t.Fatal("server end closed while waiting for a frame")
		}
		return frame
	case <-time.After(waitTimeout):
		t.Fatal("session never sent a frame")
		return nil
	}
}

func expectNoFrame(t *testing.T, server *socket.MemoryConn) {
	t.Helper()
	select {
	case frame := <-server.Sent():
		t.Fatalf("unexpected frame: %s", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

const welcomeFrame = `{"type":"welcome","self_id":"self","room":"ops",
	"features":{"recording":false,"monitoring":false},
	"ice_servers":[{"urls":["stun:stun.example:3478"]}],
	"media":{"audio":true,"video":false},
	"participants":[
		{"id":"self","display_name":"Me","role":"speaker"},
		{"id":"p2","display_name":"Grace","role":"speaker","muted":true}
	]}`

func join(t *testing.T, h *voiceHarness) *socket.MemoryConn {
	t.Helper()
	h.session.Join()
	server := h.accept(t)
	server.Send([]byte(welcomeFrame))
	h.waitState(t, StateJoined)
	return server
}

// startCall drives the session into the active state via a remote
// offer and consumes the answer frame.
func startCall(t *testing.T, h *voiceHarness, server *socket.MemoryConn) *fakePeer {
	t.Helper()
	server.Send([]byte(`{"type":"signal","signal":{"kind":"offer","sdp":"offer-sdp"}}`))
	var frame struct {
		Type   string             `json:"type"`
		Signal wire.SignalPayload `json:"signal"`
	}
	if err := json.Unmarshal(recvFrame(t, server), &frame); err != nil {
		t.Fatalf("decoding answer frame: %v", err)
	}
	if frame.Type != "signal" || frame.Signal.Kind != "answer" || frame.Signal.SDP != "answer-sdp" {
		t.Fatalf("unexpected answer frame: %+v", frame)
	}
	h.waitState(t, StateActive)
	return h.lastPeer(t)
}

func TestSessionWelcome(t *testing.T) {
	h := newVoiceHarness(t)
	join(t, h)

	roster := h.session.Roster()
	if roster.Len() != 2 {
		t.Fatalf("roster has %d participants, want 2", roster.Len())
	}
	self, ok := h.session.Self()
	if !ok || self.Role != wire.RoleSpeaker {
		t.Fatalf("self = %+v, want a speaker record", self)
	}
	if h.session.Features().Recording {
		t.Fatal("recording flag should be off")
	}
}

func TestSessionOfferAnswer(t *testing.T) {
	h := newVoiceHarness(t)
	server := join(t, h)
	peer := startCall(t, h, server)

	state := peer.snapshot()
	if len(state.offered) != 1 || state.offered[0] != "offer-sdp" {
		t.Fatalf("peer saw offers %v, want the remote offer", state.offered)
	}
	if state.audio == nil {
		t.Fatal("audio track was not attached before answering")
	}
	if state.video != nil {
		t.Fatal("no video track expected for audio-only constraints")
	}
	if acquired, _ := h.media.counts(); acquired != 1 {
		t.Fatalf("media acquired %d times, want 1", acquired)
	}
}

func TestSessionRemoteAnswerOnlySetsDescription(t *testing.T) {
	h := newVoiceHarness(t)
	server := join(t, h)

	// An answer with no peer connection is a desync: ignored.
	server.Send([]byte(`{"type":"signal","signal":{"kind":"answer","sdp":"stray"}}`))

	peer := startCall(t, h, server)
	server.Send([]byte(`{"type":"signal","signal":{"kind":"answer","sdp":"renegotiated"}}`))

	deadline := time.Now().Add(waitTimeout)
	for {
		state := peer.snapshot()
		if len(state.answers) == 1 && state.answers[0] == "renegotiated" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer answers = %v, want [renegotiated]", state.answers)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionEarlyCandidateDropped(t *testing.T) {
	h := newVoiceHarness(t)
	server := join(t, h)

	// No peer connection yet: the candidate is dropped, not queued.
	server.Send([]byte(`{"type":"signal","signal":{"kind":"candidate","candidate":"early"}}`))
	peer := startCall(t, h, server)

	server.Send([]byte(`{"type":"signal","signal":{"kind":"candidate","candidate":"late","sdp_mid":"0"}}`))
	deadline := time.Now().Add(waitTimeout)
	for {
		state := peer.snapshot()
		if len(state.candidates) == 1 && state.candidates[0] == "late" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer candidates = %v, want only the late one", state.candidates)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionByeEndsCallKeepsSocket(t *testing.T) {
	h := newVoiceHarness(t)
	server := join(t, h)
	peer := startCall(t, h, server)

	server.Send([]byte(`{"type":"signal","signal":{"kind":"bye"}}`))
	h.waitState(t, StateJoined)

	if !peer.snapshot().closed {
		t.Fatal("peer connection should close on bye")
	}
	if _, released := h.media.counts(); released != 1 {
		t.Fatalf("media released %d times, want 1", released)
	}

	// A fresh call starts on the same socket without reconnecting.
	second := startCall(t, h, server)
	if second == peer {
		t.Fatal("a new peer connection should back the fresh call")
	}
}

func TestSessionOptimisticMute(t *testing.T) {
	h := newVoiceHarness(t)
	server := join(t, h)
	roster := h.session.Roster()

	if err := h.session.SetMuted(true); err != nil {
		t.Fatalf("SetMuted: %v", err)
	}
	if self, _ := roster.Get("self"); !self.Muted {
		t.Fatal("mute should apply to the roster immediately")
	}
	if roster.Confirmed("self") {
		t.Fatal("mute should be pending until the echo")
	}

	var frame struct {
		Type  string `json:"type"`
		Event string `json:"event"`
		Muted bool   `json:"muted"`
	}
	if err := json.Unmarshal(recvFrame(t, server), &frame); err != nil {
		t.Fatalf("decoding state frame: %v", err)
	}
	if frame.Type != "state" || frame.Event != "set-muted" || !frame.Muted {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	// A disagreeing echo wins.
	updates := make(chan struct{}, 1)
	roster.Subscribe(func() {
		select {
		case updates <- struct{}{}:
		default:
		}
	})
	server.Send([]byte(`{"type":"state","event":"participant-updated",
		"participant":{"id":"self","display_name":"Me","role":"speaker","muted":false}}`))
	select {
	case <-updates:
	case <-time.After(waitTimeout):
		t.Fatal("roster never saw the echo")
	}
	if self, _ := roster.Get("self"); self.Muted {
		t.Fatal("the authoritative echo must overwrite the optimistic mute")
	}
	if !roster.Confirmed("self") {
		t.Fatal("the echo should confirm the entry")
	}
}

func TestSessionVideoToggleDeviceFailure(t *testing.T) {
	h := newVoiceHarness(t)
	server := join(t, h)
	startCall(t, h, server)

	h.media.mu.Lock()
	h.media.videoErr = errors.New("permission denied")
	h.media.mu.Unlock()

	err := h.session.SetVideo(true)
	if err == nil {
		t.Fatal("SetVideo should fail when the camera is unavailable")
	}
	if status := h.waitStatus(t); status == "" {
		t.Fatal("a user-visible status should surface")
	}
	// The optimistic write rolled back and the session stays active.
	if self, _ := h.session.Roster().Get("self"); self.VideoEnabled {
		t.Fatal("video flag should roll back on device failure")
	}
	if got := h.session.State(); got != StateActive {
		t.Fatalf("state = %s, want active after a failed toggle", got)
	}
}

func TestSessionVideoToggleRenegotiates(t *testing.T) {
	h := newVoiceHarness(t)
	server := join(t, h)
	peer := startCall(t, h, server)

	if err := h.session.SetVideo(true); err != nil {
		t.Fatalf("SetVideo: %v", err)
	}

	// Renegotiation offer first, then the media state frame.
	var offerFrame struct {
		Type   string             `json:"type"`
		Signal wire.SignalPayload `json:"signal"`
	}
	if err := json.Unmarshal(recvFrame(t, server), &offerFrame); err != nil {
		t.Fatalf("decoding offer frame: %v", err)
	}
	if offerFrame.Signal.Kind != "offer" || offerFrame.Signal.SDP != "renegotiate-sdp" {
		t.Fatalf("unexpected renegotiation frame: %+v", offerFrame)
	}
	var stateFrame struct {
		Event string `json:"event"`
		Video bool   `json:"video"`
	}
	if err := json.Unmarshal(recvFrame(t, server), &stateFrame); err != nil {
		t.Fatalf("decoding media state frame: %v", err)
	}
	if stateFrame.Event != "media" || !stateFrame.Video {
		t.Fatalf("unexpected media state frame: %+v", stateFrame)
	}

	state := peer.snapshot()
	if state.video == nil {
		t.Fatal("video track should attach to the existing peer connection")
	}
	if state.offerCount != 1 {
		t.Fatalf("peer created %d offers, want 1", state.offerCount)
	}
	if state.closed {
		t.Fatal("the toggle must reuse the connection, not replace it")
	}

	// Toggling back off removes the sender on the same connection.
	if err := h.session.SetVideo(false); err != nil {
		t.Fatalf("SetVideo(false): %v", err)
	}
	recvFrame(t, server) // renegotiation offer
	recvFrame(t, server) // media state
	if peer.snapshot().video != nil {
		t.Fatal("video track should be removed when toggled off")
	}
}

func TestSessionRecordingGate(t *testing.T) {
	h := newVoiceHarness(t)
	server := join(t, h)

	// The welcome said recording is unavailable: strict no-op.
	if err := h.session.SetRecording(true); !errors.Is(err, ErrRecordingUnavailable) {
		t.Fatalf("SetRecording = %v, want ErrRecordingUnavailable", err)
	}
	expectNoFrame(t, server)

	// With the flag granted, the request goes out but the local state
	// only changes on the server's echo.
	server.Send([]byte(`{"type":"welcome","self_id":"self","room":"ops",
		"features":{"recording":true},"media":{"audio":true},"participants":[]}`))
	h.waitState(t, StateJoined)
	if err := h.session.SetRecording(true); err != nil {
		t.Fatalf("SetRecording: %v", err)
	}
	var frame struct {
		Event  string `json:"event"`
		Active bool   `json:"active"`
	}
	if err := json.Unmarshal(recvFrame(t, server), &frame); err != nil {
		t.Fatalf("decoding recording frame: %v", err)
	}
	if frame.Event != "recording" || !frame.Active {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if h.session.Recording() {
		t.Fatal("recording state should wait for the echo")
	}

	server.Send([]byte(`{"type":"state","event":"recording","active":true,"by_id":"self"}`))
	deadline := time.Now().Add(waitTimeout)
	for !h.session.Recording() {
		if time.Now().After(deadline) {
			t.Fatal("recording echo never applied")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionQualityMonitor(t *testing.T) {
	h := newVoiceHarness(t)
	h.session.Join()
	server := h.accept(t)
	server.Send([]byte(`{"type":"welcome","self_id":"self","room":"ops",
		"features":{"monitoring":true,"monitor_interval_ms":1000},
		"media":{"audio":true},"participants":[{"id":"self","role":"speaker"}]}`))
	h.waitState(t, StateJoined)

	peer := startCall(t, h, server)
	peer.setSample(Sample{Jitter: 0.004, PacketsLost: 7, RoundTripTime: 0.08})

	// The requested 1s interval floors at 5s.
	h.clock.WaitForTimers(1)
	h.clock.Advance(4 * time.Second)
	expectNoFrame(t, server)
	h.clock.Advance(time.Second)

	var frame struct {
		Type        string  `json:"type"`
		Event       string  `json:"event"`
		Jitter      float64 `json:"jitter"`
		PacketsLost int64   `json:"packets_lost"`
		RTT         float64 `json:"round_trip_time"`
	}
	if err := json.Unmarshal(recvFrame(t, server), &frame); err != nil {
		t.Fatalf("decoding quality frame: %v", err)
	}
	if frame.Event != "quality-report" || frame.PacketsLost != 7 || frame.Jitter != 0.004 {
		t.Fatalf("unexpected quality frame: %+v", frame)
	}

	// Sampling stops with the media path.
	server.Send([]byte(`{"type":"signal","signal":{"kind":"bye"}}`))
	h.waitState(t, StateJoined)
	h.clock.Advance(minMonitorInterval)
	expectNoFrame(t, server)
}

func TestSessionMonitoringDisabled(t *testing.T) {
	h := newVoiceHarness(t)
	server := join(t, h) // welcome has monitoring=false
	peer := startCall(t, h, server)
	peer.setSample(Sample{Jitter: 0.004})

	h.clock.Advance(2 * minMonitorInterval)
	expectNoFrame(t, server)
}

func TestSessionSignalingReconnect(t *testing.T) {
	h := newVoiceHarness(t)
	server := join(t, h)
	peer := startCall(t, h, server)

	// Dropping signaling does not touch the media path.
	server.Close()
	h.waitState(t, StateConnecting)
	if peer.snapshot().closed {
		t.Fatal("media path must survive a signaling gap")
	}

	h.clock.Advance(signalReconnectDelay)
	server = h.accept(t)
	server.Send([]byte(welcomeFrame))

	// With media still attached, the session resumes as active.
	h.waitState(t, StateActive)
}

func TestSessionClose(t *testing.T) {
	h := newVoiceHarness(t)
	server := join(t, h)
	peer := startCall(t, h, server)

	if err := h.session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	h.waitState(t, StateDisconnected)

	var frame struct {
		Signal wire.SignalPayload `json:"signal"`
	}
	if err := json.Unmarshal(recvFrame(t, server), &frame); err != nil {
		t.Fatalf("decoding bye frame: %v", err)
	}
	if frame.Signal.Kind != "bye" {
		t.Fatalf("unexpected final frame: %+v", frame)
	}

	if !peer.snapshot().closed {
		t.Fatal("peer connection should close on teardown")
	}
	if h.session.Roster().Len() != 0 {
		t.Fatal("roster should clear on teardown")
	}
	if _, released := h.media.counts(); released != 1 {
		t.Fatalf("media released %d times, want 1", released)
	}
}

func TestSessionStaleStateTransitionDropped(t *testing.T) {
	h := newVoiceHarness(t)
	server := join(t, h)
	startCall(t, h, server)

	h.session.mu.Lock()
	stale := h.session.socketGen
	h.session.mu.Unlock()

	if err := h.session.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	h.waitState(t, StateDisconnected)

	// A negotiation goroutine from the closed generation publishing
	// its transition late must not resurrect the session.
	h.session.setState(stale, StateActive)
	if got := h.session.State(); got != StateDisconnected {
		t.Fatalf("state = %v after stale transition, want %v", got, StateDisconnected)
	}
}
