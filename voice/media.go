// Copyright 2026 The Harbor Authors
// SPDX-License-Identifier: Apache-2.0

package voice

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/harborchat/harbor/wire"
)

// Track is one local media track attached to the peer connection.
type Track = webrtc.TrackLocal

// MediaStream bundles the tracks acquired from one capture request.
// Video is nil when it was not requested or not granted.
type MediaStream struct {
	Audio Track
	Video Track

	// Release stops the underlying capture. Nil for sources with
	// nothing to stop.
	Release func()
}

// Close stops the stream's capture. Safe on a nil stream and
// idempotent.
func (s *MediaStream) Close() {
	if s == nil || s.Release == nil {
		return
	}
	release := s.Release
	s.Release = nil
	release()
}

// MediaSource acquires local capture devices. The production source
// depends on what the host application can capture; SampleSource
// provides feedable tracks for anything that produces encoded frames.
// Acquisition is the slow, cancellable, failure-prone step: permission
// denials and missing devices surface here as errors.
type MediaSource interface {
	Acquire(ctx context.Context, constraints wire.MediaConstraints) (*MediaStream, error)
}

// SampleSource creates sample-fed local tracks: Opus for audio, VP8
// for video. The host application writes encoded samples into the
// returned tracks; the session only owns attachment and teardown.
type SampleSource struct{}

var _ MediaSource = SampleSource{}

// Acquire builds one stream with the requested tracks. Both tracks
// share a stream ID so the relay groups them as one participant feed.
func (SampleSource) Acquire(ctx context.Context, constraints wire.MediaConstraints) (*MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	streamID := uuid.NewString()
	stream := &MediaStream{}

	if constraints.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio-"+uuid.NewString(), streamID)
		if err != nil {
			return nil, fmt.Errorf("voice: creating audio track: %w", err)
		}
		stream.Audio = track
	}
	if constraints.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video-"+uuid.NewString(), streamID)
		if err != nil {
			return nil, fmt.Errorf("voice: creating video track: %w", err)
		}
		stream.Video = track
	}
	return stream, nil
}
