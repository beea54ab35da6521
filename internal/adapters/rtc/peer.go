// Package rtc implements the mesh transport on pion/webrtc. Every logical
// connection gets its own PeerConnection, negotiated with complete (vanilla
// ICE) offers and answers relayed by the rendezvous.
package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/VoiceMesh/internal/adapters/audiolevel"
	"github.com/dkeye/VoiceMesh/internal/adapters/signal"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var _ core.Transport = (*Peer)(nil)

// Signaler is the rendezvous connection.
type Signaler interface {
	Send(m signal.Message) error
	Incoming() <-chan signal.Message
}

type Config struct {
	ICEServers []webrtc.ICEServer
	// IncludeLoopback gathers 127.0.0.1 candidates; used by local tests.
	IncludeLoopback bool
	GatherTimeout   time.Duration
	// OfferLimit bounds new inbound offers per peer and OfferInterval.
	OfferLimit    int
	OfferInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
		GatherTimeout: 10 * time.Second,
		OfferLimit:    10,
		OfferInterval: time.Minute,
	}
}

type connection interface {
	base() *session
}

func (s *session) base() *session { return s }

type Peer struct {
	id      domain.PeerID
	cfg     Config
	api     *webrtc.API
	sig     Signaler
	post    func(func())
	limiter *signal.RateLimiter

	mu       sync.Mutex
	sessions map[string]connection

	// loop-owned, set before Run
	onConnection func(core.DataConnection)
	onCall       func(core.MediaConnection)
}

// NewPeer builds the pion API: default codecs and interceptors plus the
// audio level extension used for voice activity.
func NewPeer(id domain.PeerID, cfg Config, sig Signaler, post func(func())) (*Peer, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: audiolevel.URI}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory()}
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	return &Peer{
		id:       id,
		cfg:      cfg,
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(se)),
		sig:      sig,
		post:     post,
		limiter:  signal.NewRateLimiter(cfg.OfferLimit, cfg.OfferInterval),
		sessions: make(map[string]connection),
	}, nil
}

func (p *Peer) ID() domain.PeerID { return p.id }

func (p *Peer) OnConnection(fn func(core.DataConnection)) { p.onConnection = fn }
func (p *Peer) OnCall(fn func(core.MediaConnection))       { p.onCall = fn }

func (p *Peer) newPC() (*webrtc.PeerConnection, error) {
	return p.api.NewPeerConnection(webrtc.Configuration{ICEServers: p.cfg.ICEServers})
}

// Connect opens a data channel to id. The returned connection reports
// OnOpen once negotiation succeeds.
func (p *Peer) Connect(id domain.PeerID) (core.DataConnection, error) {
	pc, err := p.newPC()
	if err != nil {
		return nil, domain.NewPeerError("connect", id, err)
	}
	connID := "dc_" + uuid.NewString()
	ordered := true
	dc, err := pc.CreateDataChannel(connID, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return nil, domain.NewPeerError("connect", id, err)
	}
	c := newDataConn(newSession(p, id, connID, signal.KindData, pc))
	c.attach(dc)
	p.track(c)
	go c.offer(signal.Payload{Label: connID, Serialization: "binary", Reliable: true})
	return c, nil
}

// Call starts a media connection to id carrying the stream's tracks.
func (p *Peer) Call(id domain.PeerID, stream *core.LocalStream, meta core.CallMetadata) (core.MediaConnection, error) {
	pc, err := p.newPC()
	if err != nil {
		return nil, domain.NewPeerError("call", id, err)
	}
	c := newMediaConn(newSession(p, id, "mc_"+uuid.NewString(), signal.KindMedia, pc), meta)
	if err := c.addTracks(stream); err != nil {
		_ = pc.Close()
		return nil, domain.NewPeerError("call", id, err)
	}
	p.track(c)
	go c.offer(signal.Payload{Metadata: &meta})
	return c, nil
}

func (p *Peer) track(c connection) {
	p.mu.Lock()
	p.sessions[c.base().connID] = c
	p.mu.Unlock()
}

func (p *Peer) forget(connID string) {
	p.mu.Lock()
	delete(p.sessions, connID)
	p.mu.Unlock()
}

func (p *Peer) lookup(connID string) (connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.sessions[connID]
	return c, ok
}

func (p *Peer) ofPeer(id domain.PeerID) []connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []connection
	for _, c := range p.sessions {
		if c.base().peer == id {
			out = append(out, c)
		}
	}
	return out
}

// Run dispatches rendezvous messages until ctx ends or the rendezvous
// connection drops.
func (p *Peer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "webrtc").Msg("peer ctx done")
			return
		case m, ok := <-p.sig.Incoming():
			if !ok {
				log.Warn().Str("module", "webrtc").Msg("rendezvous connection lost")
				return
			}
			p.handle(m)
		}
	}
}

func (p *Peer) handle(m signal.Message) {
	l := log.With().Str("module", "webrtc").Str("type", string(m.Type)).Str("src", string(m.Src)).Logger()
	switch m.Type {
	case signal.TypeOffer:
		p.handleOffer(m)
	case signal.TypeAnswer:
		if m.Payload == nil || m.Payload.SDP == nil {
			return
		}
		if c, ok := p.lookup(m.Payload.ConnectionID); ok {
			go c.base().applyAnswer(*m.Payload.SDP)
		}
	case signal.TypeCandidate:
		if m.Payload == nil || m.Payload.Candidate == nil {
			return
		}
		if c, ok := p.lookup(m.Payload.ConnectionID); ok {
			c.base().addCandidate(*m.Payload.Candidate)
		}
	case signal.TypeLeave:
		p.limiter.Forget(m.Src)
		for _, c := range p.ofPeer(m.Src) {
			c.base().shutdown(nil)
		}
	case signal.TypeExpire:
		for _, c := range p.ofPeer(m.Src) {
			c.base().shutdown(domain.ErrNotConnected)
		}
	case signal.TypeError:
		msg := ""
		if m.Payload != nil {
			msg = m.Payload.Msg
		}
		l.Error().Str("msg", msg).Msg("rendezvous error")
	default:
		l.Debug().Msg("unhandled signal")
	}
}

func (p *Peer) handleOffer(m signal.Message) {
	pl := m.Payload
	if pl == nil || pl.SDP == nil || m.Src == "" {
		return
	}
	l := log.With().Str("module", "webrtc").Str("peer", string(m.Src)).Str("conn", pl.ConnectionID).Logger()

	if c, ok := p.lookup(pl.ConnectionID); ok {
		if mc, ok := c.(*mediaConn); ok {
			go mc.renegotiate(*pl.SDP)
		}
		return
	}
	if !p.limiter.Allow(m.Src) {
		l.Warn().Msg("offer rate limited")
		return
	}

	pc, err := p.newPC()
	if err != nil {
		l.Error().Err(err).Msg("peer connection")
		return
	}
	s := newSession(p, m.Src, pl.ConnectionID, pl.Type, pc)

	switch pl.Type {
	case signal.KindData:
		c := newDataConn(s)
		pc.OnDataChannel(c.attach)
		p.track(c)
		p.post(func() {
			if p.onConnection != nil {
				p.onConnection(c)
			} else {
				_ = c.Close()
			}
		})
		go c.answer(*pl.SDP)
	case signal.KindMedia:
		var meta core.CallMetadata
		if pl.Metadata != nil {
			meta = *pl.Metadata
		}
		c := newMediaConn(s, meta)
		offer := *pl.SDP
		c.pending = &offer
		p.track(c)
		p.post(func() {
			if p.onCall != nil {
				p.onCall(c)
			} else {
				_ = c.Close()
			}
		})
	default:
		l.Warn().Str("kind", pl.Type).Msg("unknown connection kind")
		_ = pc.Close()
	}
}

// Close tears down every connection.
func (p *Peer) Close() {
	p.mu.Lock()
	all := make([]connection, 0, len(p.sessions))
	for _, c := range p.sessions {
		all = append(all, c)
	}
	p.mu.Unlock()
	for _, c := range all {
		c.base().shutdown(nil)
	}
}
