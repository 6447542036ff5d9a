// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

package voice

import (
	"errors"
	"time"

	"github.com/harborchat/harbor/wire"
)

// minMonitorInterval is the floor for the server-requested quality
// sampling interval.
const minMonitorInterval = 5 * time.Second

// monitorInterval resolves the sampling interval from the welcome's
// feature flags, flooring at minMonitorInterval.
func monitorInterval(features wire.Features) time.Duration {
	interval := time.Duration(features.MonitorIntervalMillis) * time.Millisecond
	if interval < minMonitorInterval {
		return minMonitorInterval
	}
	return interval
}

// startMonitorLocked launches the quality sampling loop for the given
// peer. The caller has already checked the monitoring feature flag;
// the monitor never starts when it is off. Caller holds s.mu.
func (s *Session) startMonitorLocked(peer Peer) {
	done := make(chan struct{})
	s.monitorDone = done
	interval := monitorInterval(s.features)
	go s.monitorLoop(peer, interval, done)
}

// stopMonitorLocked stops the sampling loop if one is running. Caller
// holds s.mu.
func (s *Session) stopMonitorLocked() {
	if s.monitorDone != nil {
		close(s.monitorDone)
		s.monitorDone = nil
	}
}

// monitorLoop samples the peer's audio statistics on a fixed cadence
// and pushes each reading as a quality-report state frame. It exits
// when the media path tears down.
func (s *Session) monitorLoop(peer Peer, interval time.Duration, done <-chan struct{}) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			select {
			case <-done:
				return
			default:
			}
			sample, err := peer.Stats()
			if err != nil {
				if !errors.Is(err, ErrNoSample) {
					s.logger.Warn("quality sampling failed", "error", err)
				}
				continue
			}
			frame, err := wire.EncodeState(wire.StateEventQualityReport, map[string]any{
				"jitter":          sample.Jitter,
				"packets_lost":    sample.PacketsLost,
				"round_trip_time": sample.RoundTripTime,
			})
			if err != nil {
				s.logger.Warn("encoding quality report failed", "error", err)
				continue
			}

			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.Send(frame); err != nil {
				s.logger.Warn("sending quality report failed", "error", err)
			}
		}
	}
}
