package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// LevelMeter reports the current audio activity of a stream as an average
// energy in the 0-255 range.
type LevelMeter interface {
	Level() uint8
}

// LocalTrack is a capture track owned by the voice manager.
type LocalTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	// SetEnabled mutes or unmutes the track without releasing the device.
	SetEnabled(bool)
	// Stop releases the capture device. Stopping twice is a no-op.
	Stop()
	Stopped() bool
	// OnEnded sets a callback for the source ending on its own
	// (e.g. the screen share was closed from the OS picker).
	OnEnded(func())
	// Local is the pion track fed by this capture, nil in tests.
	Local() webrtc.TrackLocal
}

// LocalStream groups the local capture tracks handed to a call.
type LocalStream struct {
	Tracks []LocalTrack
	Meter  LevelMeter
}

// AudioTrack returns the first audio track of the stream, if any.
func (s *LocalStream) AudioTrack() LocalTrack {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks {
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			return t
		}
	}
	return nil
}

// Stop stops every track of the stream.
func (s *LocalStream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.Tracks {
		t.Stop()
	}
}

// RemoteStream is what a media connection yields once remote media flows.
type RemoteStream interface {
	ID() string
	Meter() LevelMeter
}

// Sender is one outbound slot of a media connection.
type Sender interface {
	Kind() webrtc.RTPCodecType
	// Track returns the current track, nil after ReplaceTrack(nil).
	Track() LocalTrack
	// ReplaceTrack swaps the source in place, without renegotiation.
	ReplaceTrack(LocalTrack) error
}

// MediaDevices acquires capture tracks. Errors wrap domain.ErrDeviceAccessDenied.
type MediaDevices interface {
	Microphone(ctx context.Context) (*LocalStream, error)
	Camera(ctx context.Context) (LocalTrack, error)
	Screen(ctx context.Context) (LocalTrack, error)
}
