package mesh

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dkeye/VoiceMesh/internal/core/coretest"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/eventbus"
	"github.com/dkeye/VoiceMesh/internal/state"
	"github.com/dkeye/VoiceMesh/internal/wire"
)

type recorder struct {
	events []string
}

func (r *recorder) listen(bus *eventbus.Bus, names ...eventbus.Name) {
	for _, n := range names {
		bus.Subscribe(n, func(p any) {
			switch ev := p.(type) {
			case eventbus.PeerEvent:
				r.events = append(r.events, fmt.Sprintf("%s:%s", n, ev.PeerID))
			case eventbus.MessageEvent:
				r.events = append(r.events, fmt.Sprintf("%s:%s:%s", n, ev.PeerID, ev.Message.(wire.Message).Type))
			}
		})
	}
}

func (r *recorder) count(ev string) int {
	n := 0
	for _, e := range r.events {
		if e == ev {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T) (*PeerManager, *coretest.Transport, *state.Manager, *recorder) {
	t.Helper()
	bus := eventbus.New()
	st := state.New(bus, domain.User{ID: "b", Username: "bob", Avatar: "b.png"})
	tr := coretest.NewTransport("b")
	rec := &recorder{}
	rec.listen(bus, eventbus.PeerConnected, eventbus.PeerDisconnected, eventbus.PeerMessage)
	return NewPeerManager(tr, bus, st, nil), tr, st, rec
}

func encode(t *testing.T, m wire.Message) []byte {
	t.Helper()
	b, err := wire.Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func openOutbound(t *testing.T, m *PeerManager, tr *coretest.Transport, id domain.PeerID) *coretest.DataConn {
	t.Helper()
	if err := m.Connect(id); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	c := tr.LastDial(id)
	c.Open()
	if !m.IsOpen(id) {
		t.Fatalf("%s not open", id)
	}
	return c
}

func TestConnectIsIdempotent(t *testing.T) {
	m, tr, st, rec := newTestManager(t)

	_ = m.Connect("c")
	_ = m.Connect("c")
	if len(tr.Dials) != 1 {
		t.Fatalf("dials=%d, want 1", len(tr.Dials))
	}
	if m.Status("c") != Connecting {
		t.Fatalf("status=%s", m.Status("c"))
	}

	c := tr.LastDial("c")
	c.Open()
	c.Open()
	_ = m.Connect("c")

	if len(tr.Dials) != 1 {
		t.Fatalf("dials=%d after open, want 1", len(tr.Dials))
	}
	if got := rec.count("peerConnected:c"); got != 1 {
		t.Fatalf("peerConnected fired %d times", got)
	}
	if _, ok := st.Peer("c"); !ok {
		t.Fatalf("presence not set")
	}
	if len(c.Sent) != 1 {
		t.Fatalf("sent %d messages, want the handshake", len(c.Sent))
	}
	msg, _ := wire.Decode(c.Sent[0])
	if msg.Type != wire.TypeHandshake || msg.User.Username != "bob" {
		t.Fatalf("unexpected handshake %+v", msg)
	}
}

func TestConnectSelf(t *testing.T) {
	m, tr, _, _ := newTestManager(t)
	if err := m.Connect("b"); !errors.Is(err, domain.ErrSelfConnect) {
		t.Fatalf("expected ErrSelfConnect, got %v", err)
	}
	if len(tr.Dials) != 0 {
		t.Fatalf("self connect dialled")
	}
}

func TestConnectTransportError(t *testing.T) {
	m, tr, _, _ := newTestManager(t)
	tr.ConnectErr["c"] = errors.New("signal down")
	if err := m.Connect("c"); err == nil {
		t.Fatalf("expected error")
	}
	if m.Status("c") != Idle {
		t.Fatalf("failed connect left an entry")
	}
}

func TestInboundWaitsForHandshake(t *testing.T) {
	m, tr, st, rec := newTestManager(t)
	c := coretest.NewDataConn("a")
	tr.Inbound(c)
	c.Open()

	if m.Status("a") != Handshaking {
		t.Fatalf("status=%s, want handshaking", m.Status("a"))
	}
	c.Deliver(encode(t, wire.NewVoiceState(wire.VoiceState{InVoice: true})))
	if len(rec.events) != 0 {
		t.Fatalf("message before handshake was processed: %v", rec.events)
	}

	c.Deliver(encode(t, wire.NewHandshake("alice", "a.png")))
	if !m.IsOpen("a") {
		t.Fatalf("not open after handshake")
	}
	if len(c.Sent) != 1 {
		t.Fatalf("expected handshake reply, sent %d", len(c.Sent))
	}
	info, ok := st.Peer("a")
	if !ok || info.Username != "alice" || info.Avatar != "a.png" {
		t.Fatalf("presence %+v %v", info, ok)
	}

	c.Deliver(encode(t, wire.NewVoiceState(wire.VoiceState{InVoice: true})))
	want := []string{"peerConnected:a", "peerMessage:a:voice_state"}
	if fmt.Sprint(rec.events) != fmt.Sprint(want) {
		t.Fatalf("events=%v want %v", rec.events, want)
	}
}

func TestHandshakeUpdatesPresenceOnOutbound(t *testing.T) {
	m, tr, st, rec := newTestManager(t)
	c := openOutbound(t, m, tr, "c")
	c.Deliver(encode(t, wire.NewHandshake("carol", "")))

	info, _ := st.Peer("c")
	if info.Username != "carol" {
		t.Fatalf("username=%q", info.Username)
	}
	if rec.count("peerConnected:c") != 1 {
		t.Fatalf("handshake re-announced the peer: %v", rec.events)
	}
}

func TestCloseEmitsDisconnectOnce(t *testing.T) {
	m, tr, st, rec := newTestManager(t)
	c := openOutbound(t, m, tr, "c")
	_ = st.Set(state.PeerVoicePath("c"), wire.VoiceState{InVoice: true})

	c.Fail(errors.New("ice failed"))
	c.RemoteClose()

	if got := rec.count("peerDisconnected:c"); got != 1 {
		t.Fatalf("peerDisconnected fired %d times", got)
	}
	if m.Status("c") != Idle {
		t.Fatalf("closed entry retained: %s", m.Status("c"))
	}
	if _, ok := st.Peer("c"); ok {
		t.Fatalf("presence not removed")
	}
	if _, ok := st.PeerVoice("c"); ok {
		t.Fatalf("voice state not removed")
	}

	openOutbound(t, m, tr, "c")
	if len(tr.Dials) != 2 {
		t.Fatalf("reconnect did not start fresh")
	}
}

func TestDisconnectPending(t *testing.T) {
	m, tr, _, rec := newTestManager(t)
	_ = m.Connect("c")
	m.Disconnect("c")

	if !tr.LastDial("c").Closed {
		t.Fatalf("connection not closed")
	}
	if len(rec.events) != 0 {
		t.Fatalf("pending peer announced: %v", rec.events)
	}
}

func TestSupersededInstanceIgnored(t *testing.T) {
	m, tr, _, rec := newTestManager(t)
	_ = m.Connect("c")
	old := tr.LastDial("c")
	m.Disconnect("c")

	fresh := openOutbound(t, m, tr, "c")
	old.Open()
	old.Fail(errors.New("late"))
	old.Deliver(encode(t, wire.NewVoiceState(wire.VoiceState{})))

	if !m.IsOpen("c") || fresh.Closed {
		t.Fatalf("late events of the old instance affected the new one")
	}
	if rec.count("peerConnected:c") != 1 || rec.count("peerDisconnected:c") != 0 {
		t.Fatalf("events=%v", rec.events)
	}
}

func TestGlareLowerIDWins(t *testing.T) {
	m, tr, _, _ := newTestManager(t)

	// remote "a" is smaller: its outbound (our inbound) wins
	_ = m.Connect("a")
	ours := tr.LastDial("a")
	theirs := coretest.NewDataConn("a")
	tr.Inbound(theirs)
	if !ours.Closed || theirs.Closed {
		t.Fatalf("wrong attempt kept against a")
	}
	if m.Status("a") != Handshaking {
		t.Fatalf("status=%s", m.Status("a"))
	}

	// we are smaller than "c": our outbound wins
	_ = m.Connect("c")
	ours = tr.LastDial("c")
	theirs = coretest.NewDataConn("c")
	tr.Inbound(theirs)
	if ours.Closed || !theirs.Closed {
		t.Fatalf("wrong attempt kept against c")
	}
	if m.Status("c") != Connecting {
		t.Fatalf("status=%s", m.Status("c"))
	}
}

func TestInboundFromOpenPeerRejected(t *testing.T) {
	m, tr, _, rec := newTestManager(t)
	openOutbound(t, m, tr, "a")
	dup := coretest.NewDataConn("a")
	tr.Inbound(dup)

	if !dup.Closed {
		t.Fatalf("duplicate inbound kept")
	}
	if !m.IsOpen("a") || rec.count("peerDisconnected:a") != 0 {
		t.Fatalf("open peer disturbed: %v", rec.events)
	}
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	m, tr, _, rec := newTestManager(t)
	a := openOutbound(t, m, tr, "a")
	c := openOutbound(t, m, tr, "c")
	d := openOutbound(t, m, tr, "d")
	c.SendErr = errors.New("buffer full")
	d.SendErr = domain.ErrTransportClosed

	res, err := m.Broadcast(wire.NewVoiceState(wire.VoiceState{InVoice: true}))
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if res.SendTo != 1 || fmt.Sprint(res.Dropped) != "[c d]" {
		t.Fatalf("result %+v", res)
	}
	if len(a.Sent) != 2 {
		t.Fatalf("a did not receive the broadcast")
	}
	if !m.IsOpen("c") {
		t.Fatalf("transient failure dropped c")
	}
	if m.IsOpen("d") || rec.count("peerDisconnected:d") != 1 {
		t.Fatalf("closed transport kept d")
	}
}

func TestBroadcastSkipsClosedPeer(t *testing.T) {
	m, tr, _, _ := newTestManager(t)
	a := openOutbound(t, m, tr, "a")
	c := openOutbound(t, m, tr, "c")
	inbound := coretest.NewDataConn("e")
	tr.Inbound(inbound)
	c.RemoteClose()

	res, _ := m.Broadcast(wire.NewVoiceState(wire.VoiceState{InVoice: true, MicEnabled: true}))
	if res.SendTo != 1 {
		t.Fatalf("sent to %d peers", res.SendTo)
	}
	if len(c.Sent) != 1 || len(inbound.Sent) != 0 {
		t.Fatalf("closed or pending peer received the broadcast")
	}
	got, _ := wire.Decode(a.Sent[len(a.Sent)-1])
	if got.Type != wire.TypeVoiceState || !got.State.InVoice || !got.State.MicEnabled {
		t.Fatalf("a received %+v", got)
	}
}

func TestSendToRequiresOpen(t *testing.T) {
	m, tr, _, _ := newTestManager(t)
	msg := wire.NewVoiceState(wire.VoiceState{})
	if err := m.SendTo("x", msg); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("unknown peer: %v", err)
	}
	_ = m.Connect("c")
	if err := m.SendTo("c", msg); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("connecting peer: %v", err)
	}
	tr.LastDial("c").Open()
	if err := m.SendTo("c", msg); err != nil {
		t.Fatalf("open peer: %v", err)
	}
}

func TestOpenPeersSorted(t *testing.T) {
	m, tr, _, _ := newTestManager(t)
	for _, id := range []domain.PeerID{"z", "c", "m"} {
		openOutbound(t, m, tr, id)
	}
	_ = m.Connect("d")
	if got := fmt.Sprint(m.OpenPeers()); got != "[c m z]" {
		t.Fatalf("open peers %s", got)
	}
	m.Close()
	if len(m.OpenPeers()) != 0 {
		t.Fatalf("close left peers")
	}
}
