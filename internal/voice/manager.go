// Package voice drives the local participant through the voice channel and
// owns every media connection and capture track. All methods and transport
// callbacks run on the run loop.
package voice

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/eventbus"
	"github.com/dkeye/VoiceMesh/internal/mesh"
	"github.com/dkeye/VoiceMesh/internal/state"
	"github.com/dkeye/VoiceMesh/internal/wire"
	"github.com/rs/zerolog/log"
)

type Phase int

const (
	Outside Phase = iota
	Joining
	InChannel
	Leaving
)

func (p Phase) String() string {
	switch p {
	case Outside:
		return "outside"
	case Joining:
		return "joining"
	case InChannel:
		return "in_channel"
	case Leaving:
		return "leaving"
	}
	return "unknown"
}

// Peers is the part of the peer manager the voice channel relies on.
type Peers interface {
	Self() domain.PeerID
	IsOpen(id domain.PeerID) bool
	OpenPeers() []domain.PeerID
	Broadcast(msg wire.Message) (mesh.PublishResult, error)
	SendTo(id domain.PeerID, msg wire.Message) error
}

type Config struct {
	// ActivityThreshold is the level above which a stream counts as speaking.
	ActivityThreshold uint8
	// SampleInterval is the meter polling period. Zero disables the
	// background samplers.
	SampleInterval time.Duration
}

func DefaultConfig() Config {
	return Config{ActivityThreshold: 30, SampleInterval: 16 * time.Millisecond}
}

// Deps wires the manager to the rest of the node.
type Deps struct {
	Transport core.Transport
	Devices   core.MediaDevices
	Peers     Peers
	Policy    mesh.Policy
	Bus       *eventbus.Bus
	State     *state.Manager
	// Post schedules fn on the run loop; used by samplers and capture callbacks.
	Post func(fn func())
}

type mediaEntry struct {
	id       domain.PeerID
	conn     core.MediaConnection
	outbound bool
	// video is the sender carrying camera or screen, kept across toggles.
	video core.Sender
}

type Manager struct {
	Deps
	cfg Config

	phase  Phase
	local  *core.LocalStream
	camera core.LocalTrack
	screen core.LocalTrack

	calls    map[domain.PeerID]*mediaEntry
	samplers map[domain.PeerID]*sampler
	unsub    []func()
}

func New(d Deps, cfg Config) *Manager {
	if d.Policy == nil {
		d.Policy = mesh.LowerIDWins{}
	}
	if cfg.ActivityThreshold == 0 {
		cfg.ActivityThreshold = DefaultConfig().ActivityThreshold
	}
	m := &Manager{
		Deps:     d,
		cfg:      cfg,
		calls:    make(map[domain.PeerID]*mediaEntry),
		samplers: make(map[domain.PeerID]*sampler),
	}
	d.Transport.OnCall(m.onCall)
	m.unsub = append(m.unsub,
		d.Bus.Subscribe(eventbus.PeerConnected, func(p any) { m.onPeerConnected(p.(eventbus.PeerEvent).PeerID) }),
		d.Bus.Subscribe(eventbus.PeerDisconnected, func(p any) { m.onPeerDisconnected(p.(eventbus.PeerEvent).PeerID) }),
		d.Bus.Subscribe(eventbus.PeerMessage, func(p any) { m.onPeerMessage(p.(eventbus.MessageEvent)) }),
	)
	return m
}

func (m *Manager) Phase() Phase { return m.phase }

// Calls returns the peers with a live media connection, sorted.
func (m *Manager) Calls() []domain.PeerID {
	out := make([]domain.PeerID, 0, len(m.calls))
	for id := range m.calls {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Join acquires the microphone and calls every Open peer.
func (m *Manager) Join(ctx context.Context) error {
	if m.phase != Outside {
		return nil
	}
	m.phase = Joining
	stream, err := m.Devices.Microphone(ctx)
	if err != nil {
		m.phase = Outside
		if !errors.Is(err, domain.ErrDeviceAccessDenied) {
			err = fmt.Errorf("%w: %v", domain.ErrDeviceAccessDenied, err)
		}
		log.Warn().Err(err).Str("module", "voice").Msg("microphone unavailable")
		m.notify(eventbus.NoticeError, "Microphone access denied")
		return domain.NewError("join", err)
	}
	if a := stream.AudioTrack(); a != nil {
		a.SetEnabled(true)
	}
	m.local = stream
	m.phase = InChannel

	self := m.State.User()
	m.set(state.VoiceActive, true)
	m.set(state.VoiceMicEnabled, true)
	m.set(state.VoiceUserPath(self.ID), domain.NewVoiceUser(domain.PeerInfo{ID: self.ID, Username: self.Username, Avatar: self.Avatar}, true))
	m.startSampler(self.ID, stream.Meter)

	for _, id := range m.Peers.OpenPeers() {
		m.call(id)
	}
	m.broadcastState()
	log.Info().Str("module", "voice").Int("calls", len(m.calls)).Msg("joined voice channel")
	m.notify(eventbus.NoticeSuccess, "Joined voice channel")
	return nil
}

// Leave releases every capture track, closes every media connection and
// resets the voice state to its defaults.
func (m *Manager) Leave() {
	if m.phase != InChannel {
		return
	}
	m.phase = Leaving

	for _, t := range []core.LocalTrack{m.camera, m.screen} {
		if t != nil {
			t.Stop()
		}
	}
	m.local.Stop()
	m.local, m.camera, m.screen = nil, nil, nil

	for _, id := range m.Calls() {
		m.hangup(id)
	}
	for id, s := range m.samplers {
		s.halt()
		delete(m.samplers, id)
	}
	m.set(state.VoiceChannel, state.DefaultVoice())

	m.phase = Outside
	m.broadcastState()
	log.Info().Str("module", "voice").Msg("left voice channel")
	m.notify(eventbus.NoticeInfo, "Left voice channel")
}

// ToggleMicrophone mutes or unmutes the microphone and returns the new flag.
func (m *Manager) ToggleMicrophone() (bool, error) {
	if m.phase != InChannel {
		return false, domain.NewError("toggle microphone", domain.ErrNotInChannel)
	}
	track := m.local.AudioTrack()
	if track == nil {
		return false, domain.NewError("toggle microphone", domain.ErrDeviceAccessDenied)
	}
	enabled := !track.Enabled()
	track.SetEnabled(enabled)
	m.set(state.VoiceMicEnabled, enabled)
	m.broadcastState()
	return enabled, nil
}

// ToggleCamera switches the camera on or off and returns the new flag.
// Turning it on releases an active screen share.
func (m *Manager) ToggleCamera(ctx context.Context) (bool, error) {
	if m.phase != InChannel {
		return false, domain.NewError("toggle camera", domain.ErrNotInChannel)
	}
	if m.camera != nil {
		if err := m.clearVideo(); err != nil {
			m.notify(eventbus.NoticeError, "Could not stop camera")
			return true, domain.NewError("toggle camera", err)
		}
		m.camera.Stop()
		m.camera = nil
		m.set(state.VoiceVideoEnabled, false)
		m.broadcastState()
		return false, nil
	}

	track, err := m.Devices.Camera(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "voice").Msg("camera unavailable")
		m.notify(eventbus.NoticeError, "Camera access denied")
		return false, domain.NewError("toggle camera", err)
	}
	if err := m.switchVideo(track); err != nil {
		track.Stop()
		m.notify(eventbus.NoticeError, "Could not start camera")
		return false, domain.NewError("toggle camera", err)
	}
	if m.screen != nil {
		m.screen.Stop()
		m.screen = nil
		m.set(state.VoiceScreenSharing, false)
	}
	m.camera = track
	m.set(state.VoiceVideoEnabled, true)
	m.broadcastState()
	return true, nil
}

// ToggleScreenShare switches the screen share on or off and returns the new
// flag. Turning it on releases an active camera.
func (m *Manager) ToggleScreenShare(ctx context.Context) (bool, error) {
	if m.phase != InChannel {
		return false, domain.NewError("toggle screen share", domain.ErrNotInChannel)
	}
	if m.screen != nil {
		if err := m.clearVideo(); err != nil {
			m.notify(eventbus.NoticeError, "Could not stop screen share")
			return true, domain.NewError("toggle screen share", err)
		}
		m.releaseScreen()
		return false, nil
	}

	track, err := m.Devices.Screen(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "voice").Msg("screen capture unavailable")
		m.notify(eventbus.NoticeError, "Screen share denied")
		return false, domain.NewError("toggle screen share", err)
	}
	if err := m.switchVideo(track); err != nil {
		track.Stop()
		m.notify(eventbus.NoticeError, "Could not start screen share")
		return false, domain.NewError("toggle screen share", err)
	}
	if m.camera != nil {
		m.camera.Stop()
		m.camera = nil
		m.set(state.VoiceVideoEnabled, false)
	}
	m.screen = track
	track.OnEnded(func() {
		m.Post(func() {
			if m.screen == track {
				log.Info().Str("module", "voice").Msg("screen share ended by source")
				m.dropVideo()
				m.releaseScreen()
			}
		})
	})
	m.set(state.VoiceScreenSharing, true)
	m.broadcastState()
	return true, nil
}

func (m *Manager) releaseScreen() {
	m.screen.Stop()
	m.screen = nil
	m.set(state.VoiceScreenSharing, false)
	m.broadcastState()
}

// Close leaves the channel and detaches from the bus.
func (m *Manager) Close() {
	m.Leave()
	for _, u := range m.unsub {
		u()
	}
	m.unsub = nil
}

func (m *Manager) onPeerConnected(id domain.PeerID) {
	if m.phase != InChannel {
		return
	}
	m.call(id)
	if err := m.Peers.SendTo(id, wire.NewVoiceState(m.voiceState())); err != nil {
		log.Warn().Err(err).Str("module", "voice").Str("peer", string(id)).Msg("voice state send failed")
	}
}

func (m *Manager) onPeerDisconnected(id domain.PeerID) {
	if _, ok := m.calls[id]; ok {
		m.hangup(id)
	}
}

func (m *Manager) onPeerMessage(ev eventbus.MessageEvent) {
	msg, ok := ev.Message.(wire.Message)
	if !ok || msg.Type != wire.TypeVoiceState || msg.State == nil {
		return
	}
	m.set(state.PeerVoicePath(ev.PeerID), *msg.State)
}

// call starts an outbound media connection to id. Failures stay local to id.
func (m *Manager) call(id domain.PeerID) {
	if _, ok := m.calls[id]; ok {
		return
	}
	u := m.State.User()
	conn, err := m.Transport.Call(id, m.outboundStream(), core.CallMetadata{Username: u.Username, Avatar: u.Avatar})
	if err != nil {
		log.Warn().Err(err).Str("module", "voice").Str("peer", string(id)).Msg("call failed")
		return
	}
	m.register(&mediaEntry{id: id, conn: conn, outbound: true})
	log.Info().Str("module", "voice").Str("peer", string(id)).Msg("calling")
}

// onCall answers only while in the channel and only Open peers.
func (m *Manager) onCall(conn core.MediaConnection) {
	id := conn.Peer()
	l := log.With().Str("module", "voice").Str("peer", string(id)).Logger()
	if m.phase != InChannel || !m.Peers.IsOpen(id) {
		l.Info().Str("phase", m.phase.String()).Msg("incoming call rejected")
		_ = conn.Close()
		return
	}
	old, exists := m.calls[id]
	if exists && old.outbound && m.Policy.KeepOutbound(m.Peers.Self(), id) {
		l.Info().Msg("call glare: keeping outbound")
		_ = conn.Close()
		return
	}
	if err := conn.Answer(m.outboundStream()); err != nil {
		l.Warn().Err(err).Msg("answer failed")
		_ = conn.Close()
		return
	}
	if exists {
		delete(m.calls, id)
		_ = old.conn.Close()
	}
	m.register(&mediaEntry{id: id, conn: conn})
	l.Info().Msg("call answered")
}

func (m *Manager) register(e *mediaEntry) {
	m.calls[e.id] = e
	e.video = findVideoSender(e.conn)
	conn := e.conn
	conn.OnStream(func(s core.RemoteStream) { m.onStream(e.id, conn, s) })
	conn.OnClose(func() { m.closeCall(e.id, conn) })
	conn.OnError(func(err error) {
		log.Warn().Err(err).Str("module", "voice").Str("peer", string(e.id)).Msg("media connection error")
		if m.closeCall(e.id, conn) {
			_ = conn.Close()
		}
	})
}

func (m *Manager) onStream(id domain.PeerID, conn core.MediaConnection, s core.RemoteStream) {
	if e, ok := m.calls[id]; !ok || e.conn != conn {
		return
	}
	info, ok := m.State.Peer(id)
	if !ok {
		meta := conn.Metadata()
		info = domain.PeerInfo{ID: id, Username: meta.Username, Avatar: meta.Avatar}
	}
	if _, ok := m.State.VoiceUser(id); !ok {
		m.set(state.VoiceUserPath(id), domain.NewVoiceUser(info, false))
	}
	m.startSampler(id, s.Meter())
	log.Info().Str("module", "voice").Str("peer", string(id)).Str("stream", s.ID()).Msg("remote stream")
}

// closeCall forgets the connection if it is still the live one for id and
// reports whether it did.
func (m *Manager) closeCall(id domain.PeerID, conn core.MediaConnection) bool {
	e, ok := m.calls[id]
	if !ok || e.conn != conn {
		return false
	}
	delete(m.calls, id)
	if s, ok := m.samplers[id]; ok {
		s.halt()
		delete(m.samplers, id)
	}
	if _, ok := m.State.VoiceUser(id); ok {
		m.set(state.VoiceUserPath(id), nil)
	}
	log.Info().Str("module", "voice").Str("peer", string(id)).Msg("call closed")
	m.Bus.Publish(eventbus.CallClosed, eventbus.PeerEvent{PeerID: id})
	return true
}

func (m *Manager) hangup(id domain.PeerID) {
	e, ok := m.calls[id]
	if !ok {
		return
	}
	m.closeCall(id, e.conn)
	_ = e.conn.Close()
}

func (m *Manager) startSampler(id domain.PeerID, meter core.LevelMeter) {
	if meter == nil {
		return
	}
	if old, ok := m.samplers[id]; ok {
		old.halt()
	}
	s := newSampler(id, meter, m.cfg.ActivityThreshold)
	m.samplers[id] = s
	if m.cfg.SampleInterval > 0 && m.Post != nil {
		go s.run(m.cfg.SampleInterval, m.Post, m.tick)
	}
}

// tick runs one sample on the loop.
func (m *Manager) tick(s *sampler) {
	if s.halted() {
		return
	}
	if !s.sample(m.State) {
		s.halt()
		if m.samplers[s.id] == s {
			delete(m.samplers, s.id)
		}
	}
}

func (m *Manager) voiceState() wire.VoiceState {
	v := m.State.Voice()
	return wire.VoiceState{
		InVoice:       m.phase == InChannel,
		MicEnabled:    v.MicEnabled,
		VideoEnabled:  v.VideoEnabled,
		ScreenSharing: v.ScreenSharing,
	}
}

func (m *Manager) broadcastState() {
	if _, err := m.Peers.Broadcast(wire.NewVoiceState(m.voiceState())); err != nil {
		log.Error().Err(err).Str("module", "voice").Msg("voice state broadcast failed")
	}
}

func (m *Manager) set(p state.Path, v any) {
	if err := m.State.Set(p, v); err != nil {
		log.Error().Err(err).Str("module", "voice").Str("path", string(p)).Msg("state update failed")
	}
}

func (m *Manager) notify(level eventbus.NoticeLevel, msg string) {
	m.Bus.Publish(eventbus.Notification, eventbus.Notice{Level: level, Message: msg})
}
