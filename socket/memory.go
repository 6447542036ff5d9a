// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"context"
	"sync"
)

// Compile-time interface checks.
var (
	_ Conn   = (*MemoryConn)(nil)
	_ Dialer = (*MemoryDialer)(nil)
)

// MemoryPair returns two connected in-process Conns. Frames sent on
// one side arrive on the other's Frames channel. Closing either side
// closes both frame channels, matching real socket semantics where a
// close is seen by both peers.
func MemoryPair() (*MemoryConn, *MemoryConn) {
	a := newMemoryConn()
	b := newMemoryConn()
	a.peer, b.peer = b, a
	return a, b
}

// MemoryConn is the in-process Conn used in tests. The test holds the
// server end: Send injects frames into the session under test, Sent
// exposes what the session wrote.
type MemoryConn struct {
	// Endpoint is the URL the session dialed, recorded by MemoryDialer.
	Endpoint string

	peer       *MemoryConn
	frames     chan []byte
	closed     chan struct{}
	closeOnce  sync.Once
	framesOnce sync.Once
}

func newMemoryConn() *MemoryConn {
	return &MemoryConn{
		frames: make(chan []byte, readBufferSize),
		closed: make(chan struct{}),
	}
}

func (c *MemoryConn) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.peer.frames <- payload:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *MemoryConn) Frames() <-chan []byte { return c.frames }

func (c *MemoryConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeFrames()
		c.peer.closeFrames()
	})
	return nil
}

func (c *MemoryConn) closeFrames() {
	c.framesOnce.Do(func() { close(c.frames) })
}

// Sent receives the next frame the session wrote, or nil if the
// connection is closed and drained.
func (c *MemoryConn) Sent() <-chan []byte { return c.frames }

// MemoryDialer hands out in-process connection pairs. Each dial
// produces a fresh pair; the server end is delivered on Accepted so
// the test can drive the session across reconnects.
type MemoryDialer struct {
	mu       sync.Mutex
	failWith error
	accepted chan *MemoryConn
}

// NewMemoryDialer creates a dialer that can buffer up to eight
// un-consumed server ends.
func NewMemoryDialer() *MemoryDialer {
	return &MemoryDialer{accepted: make(chan *MemoryConn, 8)}
}

// FailWith makes subsequent dials return err. Pass nil to restore
// normal behavior.
func (d *MemoryDialer) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWith = err
}

// Accepted yields the server end of each successful dial, in order.
func (d *MemoryDialer) Accepted() <-chan *MemoryConn { return d.accepted }

func (d *MemoryDialer) DialContext(ctx context.Context, endpoint string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	failWith := d.failWith
	d.mu.Unlock()
	if failWith != nil {
		return nil, failWith
	}

	client, server := MemoryPair()
	server.Endpoint = endpoint
	d.accepted <- server
	return client, nil
}
