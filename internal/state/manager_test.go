package state

import (
	"errors"
	"testing"

	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/eventbus"
	"github.com/dkeye/VoiceMesh/internal/wire"
)

func newTestManager(t *testing.T) (*Manager, *[]eventbus.StateChange) {
	t.Helper()
	bus := eventbus.New()
	var changes []eventbus.StateChange
	bus.Subscribe(eventbus.StateChanged, func(p any) {
		changes = append(changes, p.(eventbus.StateChange))
	})
	m := New(bus, domain.User{ID: "me", Username: "alice", Avatar: "a.png"})
	return m, &changes
}

func TestDefaults(t *testing.T) {
	m, _ := newTestManager(t)
	if v, ok := m.Get(VoiceMicEnabled); !ok || v != true {
		t.Fatalf("mic should default to enabled, got %v %v", v, ok)
	}
	if v, _ := m.Get(VoiceActive); v != false {
		t.Fatalf("voice should default to inactive")
	}
	if v, _ := m.Get(UserUsername); v != "alice" {
		t.Fatalf("username: %v", v)
	}
	if v, _ := m.Get(UserID); v != domain.PeerID("me") {
		t.Fatalf("id: %v", v)
	}
}

func TestSetMicEnabledFiresOnce(t *testing.T) {
	m, changes := newTestManager(t)
	if err := m.Set(VoiceMicEnabled, false); err != nil {
		t.Fatalf("err: %v", err)
	}
	if v, _ := m.Get(VoiceMicEnabled); v != false {
		t.Fatalf("get after set: %v", v)
	}
	if len(*changes) != 1 {
		t.Fatalf("expected exactly one stateChanged, got %d", len(*changes))
	}
	c := (*changes)[0]
	if c.Path != "voiceChannel.micEnabled" || c.Value != false || c.Previous != true {
		t.Fatalf("unexpected change %+v", c)
	}
}

func TestGetAbsentNeverFails(t *testing.T) {
	m, _ := newTestManager(t)
	for _, p := range []Path{PeerPath("ghost"), VoiceUserPath("ghost"), PeerVoicePath("ghost"), "no.such.path", ""} {
		if v, ok := m.Get(p); ok || v != nil {
			t.Fatalf("%q: expected absent, got %v", p, v)
		}
	}
}

func TestKeyedEntriesAndRemoval(t *testing.T) {
	m, changes := newTestManager(t)
	info := domain.PeerInfo{ID: "bob", Username: "bob"}
	if err := m.Set(PeerPath("bob"), info); err != nil {
		t.Fatalf("err: %v", err)
	}
	if got, ok := m.Peer("bob"); !ok || got != info {
		t.Fatalf("peer: %+v %v", got, ok)
	}
	if err := m.Set(PeerVoicePath("bob"), wire.VoiceState{InVoice: true}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if v, ok := m.PeerVoice("bob"); !ok || !v.InVoice {
		t.Fatalf("peer voice: %+v %v", v, ok)
	}
	if err := m.Set(PeerPath("bob"), nil); err != nil {
		t.Fatalf("err: %v", err)
	}
	if _, ok := m.Peer("bob"); ok {
		t.Fatalf("peer should be removed")
	}
	last := (*changes)[len(*changes)-1]
	if last.Previous != info || last.Value != nil {
		t.Fatalf("removal change: %+v", last)
	}
}

func TestTypeMismatch(t *testing.T) {
	m, changes := newTestManager(t)
	if err := m.Set(VoiceMicEnabled, "yes"); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if err := m.Set(VoiceUserPath("x"), 42); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
	if len(*changes) != 0 {
		t.Fatalf("failed set must not notify")
	}
}

func TestSetBelowTypedValueRejected(t *testing.T) {
	m, changes := newTestManager(t)
	for _, p := range []Path{"voiceChannel.micEnabled.x", "user.username.first", "peers.bob.extra"} {
		if err := m.Set(p, 1); !errors.Is(err, ErrTypeMismatch) {
			t.Fatalf("%s: expected ErrTypeMismatch, got %v", p, err)
		}
	}
	if v, ok := m.Get(VoiceMicEnabled); !ok || v != true {
		t.Fatalf("micEnabled changed: %v %v", v, ok)
	}
	if len(*changes) != 0 {
		t.Fatalf("failed set must not notify")
	}
}

func TestGenericPathsCreateContainers(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Set("ui.theme.color", "dark"); err != nil {
		t.Fatalf("err: %v", err)
	}
	if v, ok := m.Get("ui.theme.color"); !ok || v != "dark" {
		t.Fatalf("got %v %v", v, ok)
	}
	// a scalar parent is overwritten by a container
	if err := m.Set("ui.theme", "light"); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := m.Set("ui.theme.size", 3); err != nil {
		t.Fatalf("err: %v", err)
	}
	if v, ok := m.Get("ui.theme.size"); !ok || v != 3 {
		t.Fatalf("got %v %v", v, ok)
	}
	if _, ok := m.Get("ui.theme.color"); ok {
		t.Fatalf("old child should be gone after parent overwrite")
	}
}

func TestVoiceUsersReset(t *testing.T) {
	m, _ := newTestManager(t)
	_ = m.Set(VoiceUserPath("me"), domain.VoiceUser{ID: "me", Local: true})
	_ = m.Set(VoiceUserPath("bob"), domain.VoiceUser{ID: "bob"})
	if len(m.Voice().Users) != 2 {
		t.Fatalf("users: %+v", m.Voice().Users)
	}
	if err := m.Set(VoiceUsers, map[domain.PeerID]domain.VoiceUser{}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if _, ok := m.VoiceUser("bob"); ok {
		t.Fatalf("users should be cleared")
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	m, _ := newTestManager(t)
	_ = m.Set(PeerPath("bob"), domain.PeerInfo{ID: "bob"})
	snap := m.Snapshot()
	delete(snap.Peers, "bob")
	if _, ok := m.Peer("bob"); !ok {
		t.Fatalf("snapshot mutation leaked into manager")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		path Path
		kind pathKind
		id   domain.PeerID
	}{
		{"peers.abc", kindPeer, "abc"},
		{"peers.abc.voice", kindPeerVoice, "abc"},
		{"voiceChannel.users.abc", kindVoiceUser, "abc"},
		{"voiceChannel.micEnabled", kindFixed, ""},
		{"peers.abc.other", kindNested, ""},
		{"peers.", kindNested, ""},
		{"voiceChannel.micEnabled.x", kindNested, ""},
		{"ui.theme", kindGeneric, ""},
	}
	for _, c := range cases {
		kind, id := classify(c.path)
		if kind != c.kind || id != c.id {
			t.Fatalf("%s: got %v %q", c.path, kind, id)
		}
	}
}
