// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"fmt"
)

// Signaling frame types.
const (
	SignalTypeWelcome    = "welcome"
	SignalTypePeerJoined = "peer-joined"
	SignalTypePeerLeft   = "peer-left"
	SignalTypeSignal     = "signal"
	SignalTypeState      = "state"
)

// Signal kinds inside a "signal" envelope.
const (
	SignalKindOffer     = "offer"
	SignalKindAnswer    = "answer"
	SignalKindCandidate = "candidate"
	SignalKindBye       = "bye"
)

// State events inside a "state" envelope.
const (
	StateEventSetRole            = "set-role"
	StateEventSetMuted           = "set-muted"
	StateEventSetDeafened        = "set-deafened"
	StateEventMedia              = "media"
	StateEventRecording          = "recording"
	StateEventQualityReport      = "quality-report"
	StateEventParticipants       = "participants"
	StateEventParticipantUpdated = "participant-updated"
	StateEventQualityUpdate      = "quality-update"
)

// SignalEvent is an inbound frame on the voice signaling socket.
// Concrete types: WelcomeEvent, PeerJoinedEvent, PeerLeftEvent,
// SignalPayload, ParticipantsEvent, ParticipantUpdatedEvent,
// QualityUpdateEvent, RecordingEvent.
type SignalEvent interface {
	signalEvent()
}

// WelcomeEvent is the first frame after the signaling socket opens. It
// carries the whole per-session config boundary: the local
// participant's identity, capability flags, ICE servers, and default
// media constraints.
type WelcomeEvent struct {
	SelfID       string           `json:"self_id"`
	Room         string           `json:"room"`
	Features     Features         `json:"features"`
	ICEServers   []ICEServer      `json:"ice_servers"`
	Media        MediaConstraints `json:"media"`
	Participants []Participant    `json:"participants,omitempty"`
}

// PeerJoinedEvent announces a participant entering the room.
type PeerJoinedEvent struct {
	Participant Participant `json:"participant"`
}

// PeerLeftEvent announces a participant leaving the room.
type PeerLeftEvent struct {
	ParticipantID string `json:"participant_id"`
}

// SignalPayload is the media-negotiation payload nested in a "signal"
// envelope, both directions. Exactly one of SDP (offer/answer) or the
// candidate fields (candidate) is meaningful; bye carries nothing.
type SignalPayload struct {
	Kind          string `json:"kind"`
	SDP           string `json:"sdp,omitempty"`
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdp_mid,omitempty"`
	SDPMLineIndex uint16 `json:"sdp_mline_index,omitempty"`
}

// ParticipantsEvent is a full roster replacement. It is the recovery
// mechanism for any signaling desync; the client never requests an
// explicit resync.
type ParticipantsEvent struct {
	Participants []Participant `json:"participants"`
}

// ParticipantUpdatedEvent is a single-participant delta. For the local
// participant it is the authoritative echo that confirms or overwrites
// optimistic toggles.
type ParticipantUpdatedEvent struct {
	Participant Participant `json:"participant"`
}

// QualityUpdateEvent distributes other participants' quality reports.
type QualityUpdateEvent struct {
	Reports []QualityReport `json:"reports"`
}

// RecordingEvent reflects the room's recording state.
type RecordingEvent struct {
	Active bool   `json:"active"`
	ByID   string `json:"by_id,omitempty"`
}

func (WelcomeEvent) signalEvent()            {}
func (PeerJoinedEvent) signalEvent()         {}
func (PeerLeftEvent) signalEvent()           {}
func (SignalPayload) signalEvent()           {}
func (ParticipantsEvent) signalEvent()       {}
func (ParticipantUpdatedEvent) signalEvent() {}
func (QualityUpdateEvent) signalEvent()      {}
func (RecordingEvent) signalEvent()          {}

// ParseSignalEvent decodes one inbound signaling frame.
func ParseSignalEvent(data []byte) (SignalEvent, error) {
	var envelope struct {
		Type   string          `json:"type"`
		Signal json.RawMessage `json:"signal"`
		Event  string          `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("wire: malformed signaling frame: %w", err)
	}

	switch envelope.Type {
	case SignalTypeWelcome:
		var event WelcomeEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("wire: malformed welcome: %w", err)
		}
		if event.SelfID == "" {
			return nil, fmt.Errorf("wire: welcome without self_id")
		}
		return event, nil
	case SignalTypePeerJoined:
		var event PeerJoinedEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("wire: malformed peer-joined: %w", err)
		}
		return event, nil
	case SignalTypePeerLeft:
		var event PeerLeftEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("wire: malformed peer-left: %w", err)
		}
		return event, nil
	case SignalTypeSignal:
		var payload SignalPayload
		if err := json.Unmarshal(envelope.Signal, &payload); err != nil {
			return nil, fmt.Errorf("wire: malformed signal payload: %w", err)
		}
		switch payload.Kind {
		case SignalKindOffer, SignalKindAnswer, SignalKindCandidate, SignalKindBye:
		default:
			return nil, fmt.Errorf("wire: unknown signal kind %q", payload.Kind)
		}
		return payload, nil
	case SignalTypeState:
		return parseStateEvent(envelope.Event, data)
	default:
		return nil, fmt.Errorf("wire: unknown signaling frame type %q", envelope.Type)
	}
}

// parseStateEvent decodes the inbound variants of a "state" envelope.
func parseStateEvent(event string, data []byte) (SignalEvent, error) {
	switch event {
	case StateEventParticipants:
		var parsed ParticipantsEvent
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("wire: malformed participants state: %w", err)
		}
		return parsed, nil
	case StateEventParticipantUpdated:
		var parsed ParticipantUpdatedEvent
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("wire: malformed participant-updated state: %w", err)
		}
		if parsed.Participant.ID == "" {
			return nil, fmt.Errorf("wire: participant-updated without id")
		}
		return parsed, nil
	case StateEventQualityUpdate:
		var parsed QualityUpdateEvent
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("wire: malformed quality-update state: %w", err)
		}
		return parsed, nil
	case StateEventRecording:
		var parsed RecordingEvent
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("wire: malformed recording state: %w", err)
		}
		return parsed, nil
	default:
		return nil, fmt.Errorf("wire: unknown state event %q", event)
	}
}

// EncodeSignal wraps a signal payload in its envelope.
func EncodeSignal(payload SignalPayload) ([]byte, error) {
	frame := struct {
		Type   string        `json:"type"`
		Signal SignalPayload `json:"signal"`
	}{Type: SignalTypeSignal, Signal: payload}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding signal: %w", err)
	}
	return data, nil
}

// EncodeState builds an outbound state frame. event identifies the
// variant; fields holds the variant-specific keys and is flattened
// into the envelope.
func EncodeState(event string, fields map[string]any) ([]byte, error) {
	frame := map[string]any{"type": SignalTypeState, "event": event}
	for key, value := range fields {
		frame[key] = value
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding %s state: %w", event, err)
	}
	return data, nil
}
