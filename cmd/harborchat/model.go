// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/harborchat/harbor/channel"
	"github.com/harborchat/harbor/voice"
	"github.com/harborchat/harbor/wire"
)

// refreshMsg wakes the UI after a store, tracker, or roster change.
// The model re-reads snapshots; the message carries no payload.
type refreshMsg struct{}

// channelStateMsg delivers a text transport state transition.
type channelStateMsg channel.ConnectionState

// voiceStateMsg delivers a voice session state transition.
type voiceStateMsg voice.State

// statusMsg puts a transient line in the status bar.
type statusMsg string

// statusFadeMsg clears the status bar after a delay.
type statusFadeMsg struct{}

// statusFadeDelay is how long a status line stays visible.
const statusFadeDelay = 4 * time.Second

// KeyMap defines the key bindings for the chat client.
type KeyMap struct {
	Send      key.Binding
	Mute      key.Binding
	Deafen    key.Binding
	Video     key.Binding
	Recording key.Binding
	PageUp    key.Binding
	PageDown  key.Binding
	Quit      key.Binding
}

// DefaultKeyMap is the built-in key binding set. The voice toggles
// use ctrl chords so plain characters always go to the compose line.
var DefaultKeyMap = KeyMap{
	Send: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "send"),
	),
	Mute: key.NewBinding(
		key.WithKeys("ctrl+t"),
		key.WithHelp("ctrl+t", "mute"),
	),
	Deafen: key.NewBinding(
		key.WithKeys("ctrl+g"),
		key.WithHelp("ctrl+g", "deafen"),
	),
	Video: key.NewBinding(
		key.WithKeys("ctrl+y"),
		key.WithHelp("ctrl+y", "camera"),
	),
	Recording: key.NewBinding(
		key.WithKeys("ctrl+r"),
		key.WithHelp("ctrl+r", "record"),
	),
	PageUp: key.NewBinding(
		key.WithKeys("pgup"),
		key.WithHelp("pgup", "scroll up"),
	),
	PageDown: key.NewBinding(
		key.WithKeys("pgdown"),
		key.WithHelp("pgdn", "scroll down"),
	),
	Quit: key.NewBinding(
		key.WithKeys("ctrl+c"),
		key.WithHelp("ctrl+c", "quit"),
	),
}

// Model is the bubbletea model for the chat client. It owns no
// protocol state: the sessions hold the authoritative snapshots and
// the model re-reads them whenever a refreshMsg arrives.
type Model struct {
	channelID string
	roomSlug  string

	session      *channel.Session
	voiceSession *voice.Session

	// startVideo requests the camera once the voice session first
	// reaches active, honoring the config default.
	startVideo     bool
	videoRequested bool

	keys     KeyMap
	timeline viewport.Model
	input    string

	width  int
	height int
	ready  bool

	channelState channel.ConnectionState
	voiceState   voice.State
	status       string
}

func newModel(channelID, roomSlug string, startVideo bool, session *channel.Session, voiceSession *voice.Session) Model {
	return Model{
		channelID:    channelID,
		roomSlug:     roomSlug,
		session:      session,
		voiceSession: voiceSession,
		startVideo:   startVideo && voiceSession != nil,
		keys:         DefaultKeyMap,
		channelState: channel.StateIdle,
		voiceState:   voice.StateDisconnected,
	}
}

func (model Model) Init() tea.Cmd {
	return nil
}

func (model Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.WindowSizeMsg:
		model.width = message.Width
		model.height = message.Height
		bodyHeight := message.Height - model.chromeHeight()
		if bodyHeight < 1 {
			bodyHeight = 1
		}
		if !model.ready {
			model.timeline = viewport.New(message.Width, bodyHeight)
			model.ready = true
		} else {
			model.timeline.Width = message.Width
			model.timeline.Height = bodyHeight
		}
		model.refreshTimeline()
		return model, nil

	case refreshMsg:
		model.refreshTimeline()
		return model, nil

	case channelStateMsg:
		model.channelState = channel.ConnectionState(message)
		if model.channelState == channel.StateError {
			if err := model.session.LastError(); err != nil {
				return model, setStatus(err.Error())
			}
		}
		return model, nil

	case voiceStateMsg:
		model.voiceState = voice.State(message)
		if model.startVideo && !model.videoRequested && model.voiceState == voice.StateActive {
			model.videoRequested = true
			return model, model.setVideo(true)
		}
		return model, nil

	case statusMsg:
		model.status = string(message)
		return model, tea.Tick(statusFadeDelay, func(time.Time) tea.Msg {
			return statusFadeMsg{}
		})

	case statusFadeMsg:
		model.status = ""
		return model, nil

	case tea.KeyMsg:
		return model.handleKey(message)
	}

	return model, nil
}

func (model Model) handleKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(message, model.keys.Quit):
		return model, tea.Quit

	case key.Matches(message, model.keys.Send):
		content := strings.TrimSpace(model.input)
		model.input = ""
		model.session.Typing().Stop()
		if content == "" {
			return model, nil
		}
		return model, model.sendMessage(content)

	case key.Matches(message, model.keys.Mute):
		if model.voiceSession == nil {
			return model, nil
		}
		self, ok := model.voiceSession.Self()
		if !ok {
			return model, nil
		}
		return model, model.voiceToggle("mute", func() error {
			return model.voiceSession.SetMuted(!self.Muted)
		})

	case key.Matches(message, model.keys.Deafen):
		if model.voiceSession == nil {
			return model, nil
		}
		self, ok := model.voiceSession.Self()
		if !ok {
			return model, nil
		}
		return model, model.voiceToggle("deafen", func() error {
			return model.voiceSession.SetDeafened(!self.Deafened)
		})

	case key.Matches(message, model.keys.Video):
		if model.voiceSession == nil {
			return model, nil
		}
		self, ok := model.voiceSession.Self()
		if !ok {
			return model, nil
		}
		return model, model.setVideo(!self.VideoEnabled)

	case key.Matches(message, model.keys.Recording):
		if model.voiceSession == nil {
			return model, nil
		}
		active := model.voiceSession.Recording()
		return model, model.voiceToggle("recording", func() error {
			return model.voiceSession.SetRecording(!active)
		})

	case key.Matches(message, model.keys.PageUp):
		model.timeline.ViewUp()
		return model, nil

	case key.Matches(message, model.keys.PageDown):
		model.timeline.ViewDown()
		return model, nil
	}

	switch message.Type {
	case tea.KeyBackspace:
		if model.input != "" {
			runes := []rune(model.input)
			model.input = string(runes[:len(runes)-1])
			model.session.Typing().Keystroke(model.input == "")
		}
	case tea.KeyRunes, tea.KeySpace:
		if message.Type == tea.KeySpace {
			model.input += " "
		} else {
			model.input += string(message.Runes)
		}
		model.session.Typing().Keystroke(false)
	}
	return model, nil
}

// sendMessage submits the composed message off the UI goroutine.
// Errors surface in the status bar; the echoed message arrives
// through the store subscription.
func (model Model) sendMessage(content string) tea.Cmd {
	session := model.session
	return func() tea.Msg {
		if err := session.SendMessage(content, nil, ""); err != nil {
			return statusMsg(fmt.Sprintf("send failed: %v", err))
		}
		return nil
	}
}

func (model Model) setVideo(enabled bool) tea.Cmd {
	session := model.voiceSession
	return func() tea.Msg {
		if err := session.SetVideo(enabled); err != nil {
			return statusMsg(fmt.Sprintf("camera: %v", err))
		}
		return nil
	}
}

func (model Model) voiceToggle(name string, toggle func() error) tea.Cmd {
	return func() tea.Msg {
		if err := toggle(); err != nil {
			return statusMsg(fmt.Sprintf("%s: %v", name, err))
		}
		return nil
	}
}

func setStatus(status string) tea.Cmd {
	return func() tea.Msg {
		return statusMsg(status)
	}
}

// chromeHeight is the number of rows outside the timeline viewport:
// header, typing line, optional roster line, status line, prompt.
func (model Model) chromeHeight() int {
	height := 4
	if model.voiceSession != nil {
		height++
	}
	return height
}

// refreshTimeline re-renders the message list into the viewport.
// When the view was pinned to the newest message it stays pinned;
// a scrolled-back reader is left where they are.
func (model *Model) refreshTimeline() {
	if !model.ready {
		return
	}
	pinned := model.timeline.AtBottom()
	model.timeline.SetContent(model.renderMessages())
	if pinned {
		model.timeline.GotoBottom()
	}
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	authorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	badgeStyle  = lipgloss.NewStyle().Faint(true)
)

func (model Model) renderMessages() string {
	messages := model.session.Store().Messages()
	if len(messages) == 0 {
		return dimStyle.Render("no messages yet")
	}

	var builder strings.Builder
	for i, message := range messages {
		if i > 0 {
			builder.WriteByte('\n')
		}
		builder.WriteString(renderMessage(message))
	}
	return builder.String()
}

func renderMessage(message wire.Message) string {
	stamp := dimStyle.Render(message.CreatedAt.Local().Format("15:04"))
	author := authorStyle.Render(message.Author.DisplayName)

	content := message.Content
	if message.DeletedAt != nil {
		content = dimStyle.Render("(deleted)")
	} else if message.EditedAt != nil {
		content += dimStyle.Render(" (edited)")
	}

	line := fmt.Sprintf("%s %s  %s", stamp, author, content)
	if message.ParentID != "" {
		line = fmt.Sprintf("%s %s", badgeStyle.Render("↪"), line)
	}
	for _, attachment := range message.Attachments {
		line += "\n" + dimStyle.Render(fmt.Sprintf("       📎 %s", attachment.FileName))
	}
	if len(message.Reactions) > 0 {
		var parts []string
		for _, reaction := range message.Reactions {
			parts = append(parts, fmt.Sprintf("%s %d", reaction.Emoji, reaction.Count))
		}
		line += "\n" + dimStyle.Render("       "+strings.Join(parts, "  "))
	}
	return line
}

func (model Model) View() string {
	if !model.ready {
		return "loading..."
	}

	var sections []string
	sections = append(sections, model.renderHeader())
	sections = append(sections, model.timeline.View())
	sections = append(sections, model.renderTypingLine())
	if model.voiceSession != nil {
		sections = append(sections, model.renderRosterLine())
	}
	sections = append(sections, model.renderStatusLine())
	sections = append(sections, "> "+model.input+"█")
	return strings.Join(sections, "\n")
}

func (model Model) renderHeader() string {
	state := string(model.channelState)
	if model.channelState == channel.StateError {
		state = errorStyle.Render(state)
	}
	present := len(model.session.Tracker().Presence(model.channelID))
	header := fmt.Sprintf("#%s  [%s]  %d online", model.channelID, state, present)
	return headerStyle.Render(header)
}

func (model Model) renderTypingLine() string {
	entries := model.session.Tracker().Typing(model.channelID)
	if len(entries) == 0 {
		return ""
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.User.DisplayName)
	}
	verb := "is"
	if len(names) > 1 {
		verb = "are"
	}
	return dimStyle.Render(fmt.Sprintf("%s %s typing...", strings.Join(names, ", "), verb))
}

func (model Model) renderRosterLine() string {
	parts := []string{fmt.Sprintf("voice:%s [%s]", model.roomSlug, model.voiceState)}
	if model.voiceSession.Recording() {
		parts = append(parts, errorStyle.Render("● rec"))
	}
	for _, participant := range model.voiceSession.Roster().Snapshot() {
		parts = append(parts, renderParticipant(participant, model.voiceSession.Roster().Confirmed(participant.ID)))
	}
	return badgeStyle.Render(strings.Join(parts, "  "))
}

func renderParticipant(participant wire.Participant, confirmed bool) string {
	var flags []string
	if participant.Role == wire.RoleListener {
		flags = append(flags, "listener")
	}
	if participant.Muted {
		flags = append(flags, "muted")
	}
	if participant.Deafened {
		flags = append(flags, "deaf")
	}
	if participant.VideoEnabled {
		flags = append(flags, "video")
	}
	name := participant.DisplayName
	if !confirmed {
		name += "…"
	}
	if len(flags) == 0 {
		return name
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(flags, ","))
}

func (model Model) renderStatusLine() string {
	if model.status == "" {
		return ""
	}
	return model.status
}
