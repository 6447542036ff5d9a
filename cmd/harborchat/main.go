// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

// harborchat is a terminal client for a Harbor workspace. It opens the
// realtime transport for one text channel and, optionally, joins a
// voice room alongside it. The message timeline, presence, typing
// indicators, and the voice roster update live.
package main

import (
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/harborchat/harbor/channel"
	"github.com/harborchat/harbor/config"
	"github.com/harborchat/harbor/socket"
	"github.com/harborchat/harbor/voice"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var channelID string
	var voiceRoom string
	var logOutput string

	flagSet := pflag.NewFlagSet("harborchat", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to harbor.yaml (overrides HARBOR_CONFIG)")
	flagSet.StringVar(&channelID, "channel", "", "text channel to open (required)")
	flagSet.StringVar(&voiceRoom, "voice", "", "voice room to join alongside the channel")
	flagSet.StringVar(&logOutput, "log-output", "", "write JSON log records to this file")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if channelID == "" {
		return fmt.Errorf("--channel is required")
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	if logOutput != "" {
		logFile, err := os.OpenFile(logOutput, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("opening log output: %w", err)
		}
		defer logFile.Close()
		logger = slog.New(slog.NewJSONHandler(logFile, nil))
	}

	token := cfg.TokenSource()
	dialer := &socket.WebsocketDialer{}

	// The program is created after the sessions, so the callbacks go
	// through this pointer. Send queues messages until Run starts.
	var program *tea.Program

	session, err := channel.NewSession(channel.Config{
		ChannelID: channelID,
		SocketURL: cfg.Server.SocketURL,
		Transport: cfg.Server.Transport,
		Token:     token,
		Dialer:    dialer,
		History:   channel.NewHistoryClient(cfg.Server.APIURL, token),
		Logger:    logger,
		OnState: func(state channel.ConnectionState) {
			program.Send(channelStateMsg(state))
		},
	})
	if err != nil {
		return err
	}

	var voiceSession *voice.Session
	if voiceRoom != "" {
		voiceSession, err = voice.NewSession(voice.Config{
			RoomSlug:  voiceRoom,
			SocketURL: cfg.Server.SocketURL,
			Transport: cfg.Server.Transport,
			Token:     token,
			Dialer:    dialer,
			Logger:    logger,
			OnState: func(state voice.State) {
				program.Send(voiceStateMsg(state))
			},
			OnStatus: func(status string) {
				program.Send(statusMsg(status))
			},
		})
		if err != nil {
			return err
		}
	}

	model := newModel(channelID, voiceRoom, cfg.Voice.Video, session, voiceSession)
	program = tea.NewProgram(model, tea.WithAltScreen())

	// Every change in the sessions' derived state wakes the UI; the
	// model re-reads snapshots on each refresh.
	session.Store().Subscribe(func() { program.Send(refreshMsg{}) })
	session.Tracker().Subscribe(func() { program.Send(refreshMsg{}) })
	if voiceSession != nil {
		voiceSession.Roster().Subscribe(func() { program.Send(refreshMsg{}) })
	}

	session.Start()
	defer session.Close()
	if voiceSession != nil {
		voiceSession.Join()
		defer voiceSession.Close()
	}

	_, err = program.Run()
	return err
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Harbor terminal client.

Opens the realtime transport for one text channel. With --voice, also
joins a voice room: the roster pane shows participants and their
mute/deafen/video flags, and ctrl-key bindings drive local toggles.

Usage:
  harborchat --channel general [flags]

Key bindings:
  enter    send message
  ctrl+t   toggle mute          (voice)
  ctrl+g   toggle deafen        (voice)
  ctrl+y   toggle camera        (voice)
  ctrl+r   toggle recording     (voice, when available)
  ctrl+c   quit

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
