// Package mesh tracks the data connection to every other participant.
// All methods and transport callbacks run on the run loop.
package mesh

import (
	"slices"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/eventbus"
	"github.com/dkeye/VoiceMesh/internal/state"
	"github.com/dkeye/VoiceMesh/internal/wire"
	"github.com/rs/zerolog/log"
)

type Status int

const (
	Idle Status = iota
	Connecting
	// Handshaking is an inbound connection whose handshake has not arrived.
	Handshaking
	Open
	Closed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return "unknown"
}

type peerEntry struct {
	id       domain.PeerID
	conn     core.DataConnection
	status   Status
	outbound bool
	info     domain.PeerInfo
}

// PublishResult reports the outcome of a fan-out.
type PublishResult struct {
	SendTo  int             `json:"sendTo"`
	Dropped []domain.PeerID `json:"dropped,omitempty"`
}

type PeerManager struct {
	transport core.Transport
	bus       *eventbus.Bus
	state     *state.Manager
	policy    Policy
	peers     map[domain.PeerID]*peerEntry
}

func NewPeerManager(t core.Transport, bus *eventbus.Bus, st *state.Manager, policy Policy) *PeerManager {
	if policy == nil {
		policy = LowerIDWins{}
	}
	m := &PeerManager{
		transport: t,
		bus:       bus,
		state:     st,
		policy:    policy,
		peers:     make(map[domain.PeerID]*peerEntry),
	}
	t.OnConnection(m.accept)
	return m
}

func (m *PeerManager) Self() domain.PeerID { return m.transport.ID() }

func (m *PeerManager) Policy() Policy { return m.policy }

// Connect dials id. It is a no-op while a connection to id is pending or Open.
func (m *PeerManager) Connect(id domain.PeerID) error {
	if id == m.Self() {
		return domain.NewPeerError("connect", id, domain.ErrSelfConnect)
	}
	if e, ok := m.peers[id]; ok && e.status != Closed {
		log.Debug().Str("module", "mesh").Str("peer", string(id)).Str("status", e.status.String()).Msg("connect ignored")
		return nil
	}
	conn, err := m.transport.Connect(id)
	if err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(id)).Msg("connect failed")
		return domain.NewPeerError("connect", id, err)
	}
	e := &peerEntry{id: id, conn: conn, status: Connecting, outbound: true, info: domain.PeerInfo{ID: id}}
	m.peers[id] = e
	m.watch(e)
	log.Info().Str("module", "mesh").Str("peer", string(id)).Msg("connecting")
	return nil
}

// accept registers an inbound connection. It only becomes Open once the
// remote handshake arrives.
func (m *PeerManager) accept(conn core.DataConnection) {
	id := conn.Peer()
	l := log.With().Str("module", "mesh").Str("peer", string(id)).Logger()

	if old, ok := m.peers[id]; ok {
		switch {
		case old.status == Open:
			l.Info().Msg("inbound from open peer rejected")
			_ = conn.Close()
			return
		case old.outbound && m.policy.KeepOutbound(m.Self(), id):
			l.Info().Msg("glare: keeping outbound")
			_ = conn.Close()
			return
		}
		// the newer inbound supersedes whatever is pending
		l.Info().Str("status", old.status.String()).Msg("pending connection superseded")
		defer old.conn.Close()
	}

	e := &peerEntry{id: id, conn: conn, status: Handshaking, info: domain.PeerInfo{ID: id}}
	m.peers[id] = e
	m.watch(e)
	l.Info().Msg("inbound connection")
}

func (m *PeerManager) watch(e *peerEntry) {
	conn := e.conn
	conn.OnOpen(func() { m.onOpen(e.id, conn) })
	conn.OnData(func(data []byte) { m.onData(e.id, conn, data) })
	conn.OnClose(func() { m.drop(e.id, conn, "closed") })
	conn.OnError(func(err error) {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(e.id)).Msg("connection error")
		if m.drop(e.id, conn, "error") {
			_ = conn.Close()
		}
	})
}

// current returns the entry only if conn is still the live instance for id.
func (m *PeerManager) current(id domain.PeerID, conn core.DataConnection) (*peerEntry, bool) {
	e, ok := m.peers[id]
	if !ok || e.conn != conn {
		return nil, false
	}
	return e, true
}

func (m *PeerManager) onOpen(id domain.PeerID, conn core.DataConnection) {
	e, ok := m.current(id, conn)
	if !ok || !e.outbound || e.status != Connecting {
		return
	}
	m.sendHandshake(e)
	m.markOpen(e)
}

func (m *PeerManager) onData(id domain.PeerID, conn core.DataConnection, data []byte) {
	e, ok := m.current(id, conn)
	if !ok {
		return
	}
	l := log.With().Str("module", "mesh").Str("peer", string(id)).Logger()
	msg, err := wire.Decode(data)
	if err != nil {
		l.Warn().Err(err).Msg("undecodable message dropped")
		return
	}

	switch e.status {
	case Handshaking:
		if msg.Type != wire.TypeHandshake || msg.User == nil {
			l.Debug().Str("type", msg.Type).Msg("message before handshake dropped")
			return
		}
		e.info.Username, e.info.Avatar = msg.User.Username, msg.User.Avatar
		m.sendHandshake(e)
		m.markOpen(e)
	case Open:
		if msg.Type == wire.TypeHandshake {
			if msg.User != nil {
				e.info.Username, e.info.Avatar = msg.User.Username, msg.User.Avatar
				m.setPresence(e)
			}
			return
		}
		m.bus.Publish(eventbus.PeerMessage, eventbus.MessageEvent{PeerID: id, Message: msg})
	default:
		l.Debug().Str("status", e.status.String()).Msg("message on pending connection dropped")
	}
}

func (m *PeerManager) sendHandshake(e *peerEntry) {
	u := m.state.User()
	data, err := wire.Encode(wire.NewHandshake(u.Username, u.Avatar))
	if err == nil {
		err = e.conn.Send(data)
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "mesh").Str("peer", string(e.id)).Msg("handshake send failed")
	}
}

func (m *PeerManager) markOpen(e *peerEntry) {
	e.status = Open
	m.setPresence(e)
	log.Info().Str("module", "mesh").Str("peer", string(e.id)).Str("username", e.info.Username).Msg("peer open")
	m.bus.Publish(eventbus.PeerConnected, eventbus.PeerEvent{PeerID: e.id})
}

func (m *PeerManager) setPresence(e *peerEntry) {
	if err := m.state.Set(state.PeerPath(e.id), e.info); err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(e.id)).Msg("presence update failed")
	}
}

// drop removes the entry for conn. It reports false when conn is not the
// live instance, so late events of a superseded connection are ignored.
func (m *PeerManager) drop(id domain.PeerID, conn core.DataConnection, reason string) bool {
	e, ok := m.current(id, conn)
	if !ok {
		return false
	}
	delete(m.peers, id)
	wasOpen := e.status == Open
	e.status = Closed
	log.Info().Str("module", "mesh").Str("peer", string(id)).Str("reason", reason).Bool("was_open", wasOpen).Msg("peer removed")
	if !wasOpen {
		return true
	}
	if _, ok := m.state.PeerVoice(id); ok {
		_ = m.state.Set(state.PeerVoicePath(id), nil)
	}
	_ = m.state.Set(state.PeerPath(id), nil)
	m.bus.Publish(eventbus.PeerDisconnected, eventbus.PeerEvent{PeerID: id})
	return true
}

// Disconnect closes the connection to id, if any.
func (m *PeerManager) Disconnect(id domain.PeerID) {
	e, ok := m.peers[id]
	if !ok {
		return
	}
	conn := e.conn
	m.drop(id, conn, "disconnect")
	_ = conn.Close()
}

// Close disconnects every peer.
func (m *PeerManager) Close() {
	for _, id := range m.ids(func(*peerEntry) bool { return true }) {
		m.Disconnect(id)
	}
}

// Broadcast encodes msg once and sends it to every Open peer. A failing
// peer is logged and skipped.
func (m *PeerManager) Broadcast(msg wire.Message) (PublishResult, error) {
	data, err := wire.Encode(msg)
	if err != nil {
		return PublishResult{}, domain.NewError("broadcast", err)
	}
	var res PublishResult
	for _, id := range m.OpenPeers() {
		e, ok := m.peers[id]
		if !ok {
			// dropped by an earlier failure in this fan-out
			continue
		}
		if err := m.send(e, data); err != nil {
			res.Dropped = append(res.Dropped, id)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "mesh").Str("type", msg.Type).Int("sent", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast")
	return res, nil
}

// SendTo sends msg to a single Open peer.
func (m *PeerManager) SendTo(id domain.PeerID, msg wire.Message) error {
	e, ok := m.peers[id]
	if !ok || e.status != Open {
		return domain.NewPeerError("send", id, domain.ErrNotConnected)
	}
	data, err := wire.Encode(msg)
	if err != nil {
		return domain.NewPeerError("send", id, err)
	}
	if err := m.send(e, data); err != nil {
		return domain.NewPeerError("send", id, err)
	}
	return nil
}

func (m *PeerManager) send(e *peerEntry, data []byte) error {
	err := e.conn.Send(data)
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Str("module", "mesh").Str("peer", string(e.id)).Msg("send failed")
	if m.policy.OnSendFailure(e.id, err) == DropPeer {
		conn := e.conn
		m.drop(e.id, conn, "send failure")
		_ = conn.Close()
	}
	return err
}

// Status returns Idle for unknown peers; Closed entries are not retained.
func (m *PeerManager) Status(id domain.PeerID) Status {
	if e, ok := m.peers[id]; ok {
		return e.status
	}
	return Idle
}

func (m *PeerManager) IsOpen(id domain.PeerID) bool { return m.Status(id) == Open }

// OpenPeers returns the Open peer ids in sorted order.
func (m *PeerManager) OpenPeers() []domain.PeerID {
	return m.ids(func(e *peerEntry) bool { return e.status == Open })
}

func (m *PeerManager) ids(keep func(*peerEntry) bool) []domain.PeerID {
	out := make([]domain.PeerID, 0, len(m.peers))
	for id, e := range m.peers {
		if keep(e) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
