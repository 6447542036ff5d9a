// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "time"

// Message is one timeline entry in a text channel. The id is immutable;
// content, edit/delete markers, reactions, and attachments may change
// across re-ingestions of the same id. Ordering within a channel is by
// (CreatedAt, ID) ascending, ties broken by ID.
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	Author      User         `json:"author"`
	Content     string       `json:"content"`
	CreatedAt   time.Time    `json:"created_at"`
	EditedAt    *time.Time   `json:"edited_at,omitempty"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`
	ParentID    string       `json:"parent_id,omitempty"` // thread root
	Attachments []Attachment `json:"attachments,omitempty"`
	Reactions   []Reaction   `json:"reactions,omitempty"`
}

// Before reports whether m sorts ahead of other in channel order.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// User identifies a workspace member on the wire.
type User struct {
	ID          string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Attachment references an uploaded file. Upload itself happens over
// REST outside this layer; messages carry only the reference.
type Attachment struct {
	ID          string `json:"id"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
}

// Reaction aggregates one emoji on one message.
type Reaction struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"user_ids"`
	Count   int      `json:"count"`
}

// Role is a voice participant's role.
type Role string

const (
	RoleSpeaker  Role = "speaker"
	RoleListener Role = "listener"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleSpeaker || r == RoleListener }

// Participant is one entry in a voice room roster. The roster is keyed
// by ID; the local client's own entry is the same record as everyone
// else sees, reconciled against locally-initiated toggles.
type Participant struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	Role         Role   `json:"role"`
	Muted        bool   `json:"muted"`
	Deafened     bool   `json:"deafened"`
	VideoEnabled bool   `json:"video_enabled"`
}

// QualityReport is one participant's connection quality sample.
// Ephemeral: replaced wholesale per participant, never persisted.
type QualityReport struct {
	UserID        string  `json:"user_id"`
	Jitter        float64 `json:"jitter"`
	PacketsLost   int64   `json:"packets_lost"`
	RoundTripTime float64 `json:"round_trip_time"`
}

// ICEServer is one STUN/TURN entry from the session config boundary.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// MediaConstraints are the default capture constraints for a voice
// session. Audio is implied for speakers; video is opt-in.
type MediaConstraints struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// Features are the server-granted capability flags carried by the
// welcome event. Operations gated by an absent flag are no-ops on the
// client regardless of local readiness.
type Features struct {
	// Recording indicates the recording service is available for this
	// room.
	Recording bool `json:"recording"`

	// Monitoring enables the quality monitor. When false the client
	// never samples statistics and never sends quality reports.
	Monitoring bool `json:"monitoring"`

	// MonitorIntervalMillis is the server-requested sampling interval.
	// The client floors it at 5 seconds.
	MonitorIntervalMillis int `json:"monitor_interval_ms,omitempty"`
}
