package voice

import (
	"fmt"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// outboundStream is what a new media connection starts with: the
// microphone plus the active video source, if any.
func (m *Manager) outboundStream() *core.LocalStream {
	s := &core.LocalStream{Meter: m.local.Meter}
	s.Tracks = append(s.Tracks, m.local.Tracks...)
	if v := m.activeVideo(); v != nil {
		s.Tracks = append(s.Tracks, v)
	}
	return s
}

func (m *Manager) activeVideo() core.LocalTrack {
	if m.screen != nil {
		return m.screen
	}
	return m.camera
}

func findVideoSender(conn core.MediaConnection) core.Sender {
	for _, s := range conn.Senders() {
		if s.Kind() == webrtc.RTPCodecTypeVideo {
			return s
		}
	}
	return nil
}

// setVideo puts track (nil for none) on the video sender of e. The
// remembered sender is replaced in place; a connection without one gets a
// new sender.
func (m *Manager) setVideo(e *mediaEntry, track core.LocalTrack) error {
	l := log.With().Str("module", "voice").Str("peer", string(e.id)).Logger()
	if e.video == nil {
		e.video = findVideoSender(e.conn)
	}
	if e.video != nil {
		err := e.video.ReplaceTrack(track)
		if err == nil {
			return nil
		}
		if track == nil {
			l.Error().Err(err).Msg("clearing video sender failed")
			return fmt.Errorf("%w: %v", domain.ErrRenegotiation, err)
		}
		l.Warn().Err(err).Msg("replace track failed, adding sender")
	}
	if track == nil {
		return nil
	}
	s, err := e.conn.AddTrack(track)
	if err != nil {
		l.Error().Err(err).Msg("add track failed")
		return fmt.Errorf("%w: %v", domain.ErrRenegotiation, err)
	}
	e.video = s
	return nil
}

// switchVideo moves every media connection from the current video source
// to next. On failure the connections already switched are rolled back.
func (m *Manager) switchVideo(next core.LocalTrack) error {
	prev := m.activeVideo()
	var done []*mediaEntry
	for _, id := range m.Calls() {
		e := m.calls[id]
		if err := m.setVideo(e, next); err != nil {
			for _, d := range done {
				if rerr := m.setVideo(d, prev); rerr != nil {
					log.Error().Err(rerr).Str("module", "voice").Str("peer", string(d.id)).Msg("rollback failed")
				}
			}
			return domain.NewPeerError("switch video", id, err)
		}
		done = append(done, e)
	}
	return nil
}

// clearVideo removes the video source from every connection. Senders stay
// in place with no track. A failure restores the previous source.
func (m *Manager) clearVideo() error {
	return m.switchVideo(nil)
}

// dropVideo clears what it can for a source that is already gone.
func (m *Manager) dropVideo() {
	for _, id := range m.Calls() {
		if err := m.setVideo(m.calls[id], nil); err != nil {
			log.Warn().Err(err).Str("module", "voice").Str("peer", string(id)).Msg("clear video failed")
		}
	}
}
