package rtc

import (
	"errors"
	"sync"

	"github.com/dkeye/VoiceMesh/internal/adapters/audiolevel"
	"github.com/dkeye/VoiceMesh/internal/adapters/signal"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	_ core.MediaConnection = (*mediaConn)(nil)
	_ core.Sender          = (*sender)(nil)

	errNoLocalTrack = errors.New("track has no pion source")
)

type mediaConn struct {
	*session
	meta core.CallMetadata
	// offer of an inbound call, applied on Answer
	pending *webrtc.SessionDescription

	// loop-owned
	senders  []*sender
	onStream func(core.RemoteStream)
	onClose  func()
	onError  func(error)

	streamOnce sync.Once
}

func newMediaConn(s *session, meta core.CallMetadata) *mediaConn {
	c := &mediaConn{session: s, meta: meta}
	s.onShutdown = c.closed
	s.pc.OnTrack(c.handleTrack)
	return c
}

func (c *mediaConn) closed(err error) {
	if err != nil && c.onError != nil {
		c.onError(err)
	}
	if c.onClose != nil {
		c.onClose()
	}
}

// handleTrack meters remote audio and drains remote video. The stream is
// reported once, on the first track.
func (c *mediaConn) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	l := c.logger()
	l.Info().
		Str("kind", track.Kind().String()).
		Str("track_id", track.ID()).
		Str("stream_id", track.StreamID()).
		Msg("OnTrack received")

	meter := &audiolevel.Meter{}
	var extID uint8
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		for _, ext := range receiver.GetParameters().HeaderExtensions {
			if ext.URI == audiolevel.URI {
				extID = uint8(ext.ID)
			}
		}
	}
	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				l.Debug().Err(err).Str("track_id", track.ID()).Msg("remote track ended")
				return
			}
			meter.Observe(pkt, extID)
		}
	}()

	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	c.streamOnce.Do(func() {
		rs := &remoteStream{id: track.StreamID(), meter: meter}
		c.owner.post(func() {
			if c.onStream != nil {
				c.onStream(rs)
			}
		})
	})
}

func (c *mediaConn) Peer() domain.PeerID          { return c.peer }
func (c *mediaConn) Metadata() core.CallMetadata { return c.meta }

func (c *mediaConn) addTracks(stream *core.LocalStream) error {
	if stream == nil {
		return nil
	}
	for _, t := range stream.Tracks {
		if _, err := c.addTrack(t); err != nil {
			return err
		}
	}
	return nil
}

func (c *mediaConn) addTrack(t core.LocalTrack) (*sender, error) {
	local := t.Local()
	if local == nil {
		return nil, errNoLocalTrack
	}
	rtpSender, err := c.pc.AddTrack(local)
	if err != nil {
		return nil, err
	}
	s := &sender{rtp: rtpSender, kind: t.Kind(), track: t}
	c.senders = append(c.senders, s)
	go drainRTCP(rtpSender)
	return s, nil
}

// Answer applies the pending offer with our tracks attached.
func (c *mediaConn) Answer(stream *core.LocalStream) error {
	if c.pending == nil {
		return domain.NewPeerError("answer", c.peer, errors.New("no pending offer"))
	}
	if err := c.pc.SetRemoteDescription(*c.pending); err != nil {
		return domain.NewPeerError("answer", c.peer, err)
	}
	c.pending = nil
	if err := c.addTracks(stream); err != nil {
		return domain.NewPeerError("answer", c.peer, err)
	}
	go c.respond()
	return nil
}

func (c *mediaConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *mediaConn) Senders() []core.Sender {
	out := make([]core.Sender, 0, len(c.senders))
	for _, s := range c.senders {
		out = append(out, s)
	}
	return out
}

// AddTrack adds a sender and renegotiates the connection.
func (c *mediaConn) AddTrack(t core.LocalTrack) (core.Sender, error) {
	s, err := c.addTrack(t)
	if err != nil {
		return nil, domain.NewPeerError("add track", c.peer, err)
	}
	meta := c.meta
	go c.offer(signal.Payload{Metadata: &meta})
	return s, nil
}

func (c *mediaConn) OnStream(fn func(core.RemoteStream)) { c.onStream = fn }
func (c *mediaConn) OnClose(fn func())                   { c.onClose = fn }
func (c *mediaConn) OnError(fn func(error))              { c.onError = fn }

// renegotiate answers a follow-up offer on an established call.
func (c *mediaConn) renegotiate(offer webrtc.SessionDescription) {
	c.logger().Info().Msg("renegotiation offer")
	c.answer(offer)
}

type sender struct {
	rtp   *webrtc.RTPSender
	kind  webrtc.RTPCodecType
	track core.LocalTrack
}

func (s *sender) Kind() webrtc.RTPCodecType { return s.kind }
func (s *sender) Track() core.LocalTrack    { return s.track }

func (s *sender) ReplaceTrack(t core.LocalTrack) error {
	var local webrtc.TrackLocal
	if t != nil {
		if local = t.Local(); local == nil {
			return errNoLocalTrack
		}
	}
	if err := s.rtp.ReplaceTrack(local); err != nil {
		return err
	}
	s.track = t
	return nil
}

// drainRTCP keeps the interceptors fed until the sender stops.
func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

type remoteStream struct {
	id    string
	meter *audiolevel.Meter
}

func (r *remoteStream) ID() string             { return r.id }
func (r *remoteStream) Meter() core.LevelMeter { return r.meter }
