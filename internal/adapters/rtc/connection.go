package rtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/VoiceMesh/internal/adapters/signal"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// session is one PeerConnection negotiated through the rendezvous under a
// connection id. Data and media connections each own one.
type session struct {
	owner  *Peer
	peer   domain.PeerID
	connID string
	kind   string
	pc     *webrtc.PeerConnection

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// set by the owning connection; run on the loop
	onShutdown func(err error)
}

func newSession(owner *Peer, peer domain.PeerID, connID, kind string, pc *webrtc.PeerConnection) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{owner: owner, peer: peer, connID: connID, kind: kind, pc: pc, ctx: ctx, cancel: cancel}

	pc.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		s.logger().Debug().Str("ice_state", st.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.logger().Info().Str("peer_connection_state", st.String()).Msg("Peer state")
		switch st {
		case webrtc.PeerConnectionStateFailed:
			s.shutdown(domain.ErrTransportClosed)
		case webrtc.PeerConnectionStateClosed:
			s.shutdown(nil)
		}
	})
	return s
}

func (s *session) logger() *zerolog.Logger {
	l := log.With().Str("module", "webrtc").Str("peer", string(s.peer)).Str("conn", s.connID).Logger()
	return &l
}

// offer sends a complete offer once ICE gathering is done.
func (s *session) offer(extra signal.Payload) {
	o, err := s.pc.CreateOffer(nil)
	if err != nil {
		s.fail("create offer", err)
		return
	}
	if err := s.setLocal(o); err != nil {
		s.fail("set local description", err)
		return
	}
	extra.SDP = s.pc.LocalDescription()
	extra.Type = s.kind
	extra.ConnectionID = s.connID
	s.signal(signal.TypeOffer, &extra)
}

// answer applies a remote offer and replies with a complete answer.
func (s *session) answer(offer webrtc.SessionDescription) {
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		s.fail("set remote description", err)
		return
	}
	s.respond()
}

// respond creates and sends the answer for an already applied offer.
func (s *session) respond() {
	a, err := s.pc.CreateAnswer(nil)
	if err != nil {
		s.fail("create answer", err)
		return
	}
	if err := s.setLocal(a); err != nil {
		s.fail("set local description", err)
		return
	}
	s.signal(signal.TypeAnswer, &signal.Payload{
		SDP:          s.pc.LocalDescription(),
		Type:         s.kind,
		ConnectionID: s.connID,
	})
}

func (s *session) setLocal(desc webrtc.SessionDescription) error {
	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(desc); err != nil {
		return err
	}
	timeout := s.owner.cfg.GatherTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-gatherComplete:
		return nil
	case <-s.ctx.Done():
		return domain.ErrTransportClosed
	case <-time.After(timeout):
		// send what was gathered so far
		s.logger().Warn().Msg("ICE gathering timed out")
		return nil
	}
}

func (s *session) applyAnswer(desc webrtc.SessionDescription) {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		s.fail("apply answer", err)
	}
}

func (s *session) addCandidate(c webrtc.ICECandidateInit) {
	if err := s.pc.AddICECandidate(c); err != nil {
		s.logger().Warn().Err(err).Msg("add ICE candidate")
	}
}

func (s *session) signal(t signal.MessageType, p *signal.Payload) {
	if err := s.owner.sig.Send(signal.Message{Type: t, Dst: s.peer, Payload: p}); err != nil {
		s.fail("signal "+string(t), err)
	}
}

func (s *session) fail(op string, err error) {
	s.logger().Error().Err(err).Str("op", op).Msg("negotiation failed")
	s.shutdown(fmt.Errorf("%s: %w", op, err))
}

// shutdown tears the session down once and reports it on the loop.
func (s *session) shutdown(err error) {
	s.once.Do(func() {
		s.cancel()
		s.owner.forget(s.connID)
		go func() {
			if cerr := s.pc.Close(); cerr != nil {
				s.logger().Error().Err(cerr).Msg("close error")
			} else {
				s.logger().Info().Msg("closed")
			}
		}()
		if s.onShutdown != nil {
			s.owner.post(func() { s.onShutdown(err) })
		}
	})
}
