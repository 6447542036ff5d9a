// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Text-transport frame types, both directions.
const (
	TextTypeHistory  = "history"
	TextTypeMessage  = "message"
	TextTypeReaction = "reaction"
	TextTypePresence = "presence"
	TextTypeTyping   = "typing"
	TextTypeError    = "error"
	TextTypePong     = "pong"
	TextTypePing     = "ping"
)

// TextEvent is an inbound frame on the text transport. Concrete types:
// HistoryEvent, MessageEvent, ReactionEvent, PresenceEvent,
// TypingEvent, ErrorEvent, PongEvent.
type TextEvent interface {
	textEvent()
}

// HistoryEvent is the server's snapshot of recent channel messages,
// sent shortly after connect. Receipt cancels the client's REST
// history fallback.
type HistoryEvent struct {
	Messages []Message `json:"messages"`
}

// MessageEvent delivers one new or updated message. Edits and deletes
// arrive as the full message with EditedAt/DeletedAt set; the id is
// the identity.
type MessageEvent struct {
	Message Message `json:"message"`
}

// ReactionEvent replaces the reaction set of one message.
type ReactionEvent struct {
	MessageID string     `json:"message_id"`
	Reactions []Reaction `json:"reactions"`
}

// PresenceEvent is a full replacement of the channel's presence set.
// Last writer wins; there is no merging.
type PresenceEvent struct {
	Users []User `json:"users"`
}

// TypingEvent rebuilds the channel's typing set. Every listed entry is
// (re)stamped with the event's TTL.
type TypingEvent struct {
	Entries []User
	TTL     time.Duration
}

// ErrorEvent is an explicit server-side error for this channel. The
// session stays up; the client forces one immediate history fallback.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ErrorEvent) Error() string {
	return fmt.Sprintf("wire: server error %s: %s", e.Code, e.Message)
}

// PongEvent answers a client ping. A missing pong is not a failure
// signal; transport close is.
type PongEvent struct{}

func (HistoryEvent) textEvent()  {}
func (MessageEvent) textEvent()  {}
func (ReactionEvent) textEvent() {}
func (PresenceEvent) textEvent() {}
func (TypingEvent) textEvent()   {}
func (ErrorEvent) textEvent()    {}
func (PongEvent) textEvent()     {}

// typingPayload is the wire form of TypingEvent.
type typingPayload struct {
	Entries   []User `json:"entries"`
	TTLMillis int    `json:"ttl_ms"`
}

// ParseTextEvent decodes one inbound text-transport frame. Unknown
// types and malformed payloads return an error; the caller logs and
// drops the frame.
func ParseTextEvent(data []byte) (TextEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("wire: malformed text frame: %w", err)
	}

	switch envelope.Type {
	case TextTypeHistory:
		var event HistoryEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("wire: malformed history event: %w", err)
		}
		return event, nil
	case TextTypeMessage:
		var event MessageEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("wire: malformed message event: %w", err)
		}
		if event.Message.ID == "" {
			return nil, fmt.Errorf("wire: message event without id")
		}
		return event, nil
	case TextTypeReaction:
		var event ReactionEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("wire: malformed reaction event: %w", err)
		}
		if event.MessageID == "" {
			return nil, fmt.Errorf("wire: reaction event without message id")
		}
		return event, nil
	case TextTypePresence:
		var event PresenceEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("wire: malformed presence event: %w", err)
		}
		return event, nil
	case TextTypeTyping:
		var payload typingPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("wire: malformed typing event: %w", err)
		}
		return TypingEvent{
			Entries: payload.Entries,
			TTL:     time.Duration(payload.TTLMillis) * time.Millisecond,
		}, nil
	case TextTypeError:
		var event ErrorEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("wire: malformed error event: %w", err)
		}
		return event, nil
	case TextTypePong:
		return PongEvent{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown text frame type %q", envelope.Type)
	}
}

// EncodeMessageSend builds the outbound frame for sending a message.
// parentID is the thread root, empty for top-level messages.
func EncodeMessageSend(content string, attachments []Attachment, parentID string) ([]byte, error) {
	frame := struct {
		Type        string       `json:"type"`
		Content     string       `json:"content"`
		Attachments []Attachment `json:"attachments"`
		ParentID    string       `json:"parent_id,omitempty"`
	}{
		Type:        TextTypeMessage,
		Content:     content,
		Attachments: attachments,
		ParentID:    parentID,
	}
	if frame.Attachments == nil {
		frame.Attachments = []Attachment{}
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding message send: %w", err)
	}
	return data, nil
}

// EncodeTyping builds the outbound typing indicator frame.
func EncodeTyping(isTyping bool) []byte {
	data, _ := json.Marshal(struct {
		Type     string `json:"type"`
		IsTyping bool   `json:"is_typing"`
	}{Type: TextTypeTyping, IsTyping: isTyping})
	return data
}

// EncodePing builds the keepalive frame.
func EncodePing() []byte {
	return []byte(`{"type":"ping"}`)
}
