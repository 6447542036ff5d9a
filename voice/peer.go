// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

package voice

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/harborchat/harbor/wire"
)

// iceGatherTimeout bounds the wait for local candidate gathering
// before a description is published.
const iceGatherTimeout = 10 * time.Second

// PeerConnectionState is the coarse connection health the session
// surfaces to its owner. Media does not auto-reconnect on failure;
// only the signaling socket does.
type PeerConnectionState string

const (
	PeerConnected    PeerConnectionState = "connected"
	PeerDisconnected PeerConnectionState = "disconnected"
	PeerFailed       PeerConnectionState = "failed"
	PeerClosed       PeerConnectionState = "closed"
)

// Sample is one reading of the active connection's audio statistics.
type Sample struct {
	Jitter        float64
	PacketsLost   int64
	RoundTripTime float64
}

// ErrNoSample is returned by Stats before the first remote report has
// arrived. The quality monitor skips the cycle.
var ErrNoSample = errors.New("voice: no audio statistics yet")

// Peer is the media connection under a session. The production
// implementation wraps a pion PeerConnection; tests substitute fakes.
type Peer interface {
	// Answer applies a remote offer and returns the complete local
	// answer, with candidate gathering finished.
	Answer(offerSDP string) (string, error)

	// Offer returns a complete local offer for renegotiation.
	Offer() (string, error)

	// AcceptAnswer applies a remote answer. Nothing else happens.
	AcceptAnswer(sdp string) error

	// AddCandidate applies one remote ICE candidate.
	AddCandidate(candidate, mid string, mlineIndex uint16) error

	// SetAudio attaches or replaces the outbound audio track.
	SetAudio(track Track) error

	// SetVideo attaches, replaces, or removes (nil) the outbound video
	// track.
	SetVideo(track Track) error

	// Stats samples the connection's audio statistics.
	Stats() (Sample, error)

	Close() error
}

// PeerConfig parametrizes peer creation.
type PeerConfig struct {
	ICEServers []wire.ICEServer

	// OnStateChange observes connection health transitions. May be
	// called from pion's internal goroutines.
	OnStateChange func(PeerConnectionState)
}

// PeerFactory creates peers. Sessions default to NewWebRTCPeer.
type PeerFactory func(config PeerConfig) (Peer, error)

// NewWebRTCPeer creates a pion-backed peer connection.
func NewWebRTCPeer(config PeerConfig) (Peer, error) {
	iceServers := make([]webrtc.ICEServer, 0, len(config.ICEServers))
	for _, server := range config.ICEServers {
		entry := webrtc.ICEServer{URLs: server.URLs}
		if server.Username != "" {
			entry.Username = server.Username
			entry.Credential = server.Credential
		}
		iceServers = append(iceServers, entry)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("voice: creating peer connection: %w", err)
	}

	if config.OnStateChange != nil {
		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			switch state {
			case webrtc.PeerConnectionStateConnected:
				config.OnStateChange(PeerConnected)
			case webrtc.PeerConnectionStateDisconnected:
				config.OnStateChange(PeerDisconnected)
			case webrtc.PeerConnectionStateFailed:
				config.OnStateChange(PeerFailed)
			case webrtc.PeerConnectionStateClosed:
				config.OnStateChange(PeerClosed)
			}
		})
	}

	return &webrtcPeer{pc: pc}, nil
}

var _ Peer = (*webrtcPeer)(nil)

type webrtcPeer struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
}

func (p *webrtcPeer) Answer(offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("voice: setting remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("voice: creating answer: %w", err)
	}
	return p.publishLocal(answer)
}

func (p *webrtcPeer) Offer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("voice: creating offer: %w", err)
	}
	return p.publishLocal(offer)
}

// publishLocal sets the local description and waits out candidate
// gathering so the published SDP is complete.
func (p *webrtcPeer) publishLocal(description webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(description); err != nil {
		return "", fmt.Errorf("voice: setting local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		return "", fmt.Errorf("voice: ICE gathering timed out after %s", iceGatherTimeout)
	}
	return p.pc.LocalDescription().SDP, nil
}

func (p *webrtcPeer) AcceptAnswer(sdp string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("voice: setting remote answer: %w", err)
	}
	return nil
}

func (p *webrtcPeer) AddCandidate(candidate, mid string, mlineIndex uint16) error {
	init := webrtc.ICECandidateInit{Candidate: candidate}
	if mid != "" {
		init.SDPMid = &mid
	}
	init.SDPMLineIndex = &mlineIndex
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("voice: adding ICE candidate: %w", err)
	}
	return nil
}

func (p *webrtcPeer) SetAudio(track Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.audioSender != nil {
		if err := p.audioSender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("voice: replacing audio track: %w", err)
		}
		return nil
	}
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("voice: adding audio track: %w", err)
	}
	p.audioSender = sender
	return nil
}

func (p *webrtcPeer) SetVideo(track Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if track == nil {
		if p.videoSender == nil {
			return nil
		}
		sender := p.videoSender
		p.videoSender = nil
		if err := p.pc.RemoveTrack(sender); err != nil {
			return fmt.Errorf("voice: removing video track: %w", err)
		}
		return nil
	}

	if p.videoSender != nil {
		if err := p.videoSender.ReplaceTrack(track); err != nil {
			return fmt.Errorf("voice: replacing video track: %w", err)
		}
		return nil
	}
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("voice: adding video track: %w", err)
	}
	p.videoSender = sender
	return nil
}

func (p *webrtcPeer) Stats() (Sample, error) {
	report := p.pc.GetStats()
	for _, stats := range report {
		remote, ok := stats.(webrtc.RemoteInboundRTPStreamStats)
		if !ok || remote.Kind != "audio" {
			continue
		}
		return Sample{
			Jitter:        remote.Jitter,
			PacketsLost:   int64(remote.PacketsLost),
			RoundTripTime: remote.RoundTripTime,
		}, nil
	}
	return Sample{}, ErrNoSample
}

func (p *webrtcPeer) Close() error {
	return p.pc.Close()
}
