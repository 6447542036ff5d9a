// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

// Package socket provides the websocket plumbing shared by the text
// transport and the voice signaling sessions: dialing with the auth
// token in the query string, a read pump that delivers raw frames on a
// channel, and a write pump with a bounded send buffer.
//
// Sessions consume the Conn interface; production code dials with
// WebsocketDialer, tests with MemoryDialer.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrBackpressure is returned by Send when the outbound buffer is
// full. The caller must not block the event path on a slow socket;
// dropping with an error is the contract.
var ErrBackpressure = errors.New("socket: send buffer full")

// ErrClosed is returned by Send after the connection has closed.
var ErrClosed = errors.New("socket: connection closed")

// Conn is one live socket. Frames() yields inbound payloads and is
// closed when the connection ends, whatever the cause — channel
// closure is the single disconnect signal sessions react to.
type Conn interface {
	// Send queues one outbound frame. Returns ErrBackpressure when the
	// buffer is full and ErrClosed after close; it never blocks.
	Send(payload []byte) error

	// Frames returns the inbound frame channel. Closed on disconnect.
	Frames() <-chan []byte

	// Close tears the connection down. Idempotent.
	Close() error
}

// Dialer opens socket connections. The endpoint is a complete URL
// including the auth token query parameter.
type Dialer interface {
	DialContext(ctx context.Context, endpoint string) (Conn, error)
}

// TextEndpoint builds the text-transport URL for a channel.
func TextEndpoint(base, transport, channelID, token string) string {
	return endpoint(base, transport, "text", channelID, token)
}

// SignalEndpoint builds the voice signaling URL for a room.
func SignalEndpoint(base, transport, roomSlug, token string) string {
	return endpoint(base, transport, "signal", roomSlug, token)
}

func endpoint(base, transport, kind, id, token string) string {
	query := url.Values{}
	query.Set("token", token)
	return fmt.Sprintf("%s/%s/%s/%s?%s",
		base, transport, kind, url.PathEscape(id), query.Encode())
}

const (
	sendBufferSize = 32
	readBufferSize = 64
	writeTimeout   = 5 * time.Second
)

// WebsocketDialer dials real websocket connections.
type WebsocketDialer struct {
	// Dialer is the underlying gorilla dialer. Nil uses
	// websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Compile-time interface check.
var _ Dialer = (*WebsocketDialer)(nil)

// DialContext opens a websocket connection and starts its pumps.
func (d *WebsocketDialer) DialContext(ctx context.Context, endpoint string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, response, err := dialer.DialContext(ctx, endpoint, nil)
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("socket: dialing %s: %w", endpoint, err)
	}

	conn := &websocketConn{
		ws:     ws,
		frames: make(chan []byte, readBufferSize),
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
	go conn.readPump()
	go conn.writePump()
	return conn, nil
}

// websocketConn wraps a gorilla connection with the pump pair.
type websocketConn struct {
	ws        *websocket.Conn
	frames    chan []byte
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *websocketConn) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *websocketConn) Frames() <-chan []byte { return c.frames }

func (c *websocketConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
	return nil
}

// readPump delivers inbound frames until the socket errors, then
// closes the frame channel. Read errors are terminal: the transport
// close is the authoritative disconnect signal.
func (c *websocketConn) readPump() {
	defer close(c.frames)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.Close()
			return
		}
		select {
		case c.frames <- data:
		case <-c.closed:
			return
		}
	}
}

// writePump drains the send buffer. A write failure closes the
// connection; the read pump then surfaces the disconnect.
func (c *websocketConn) writePump() {
	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.Close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.Close()
				return
			}
		}
	}
}
