// Package state owns the single tree of shared-but-local state: own
// identity, known peers and the voice channel.
package state

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/eventbus"
	"github.com/dkeye/VoiceMesh/internal/wire"
)

var ErrTypeMismatch = errors.New("value type does not match path")

// Manager is the only mutation path of the tree; every successful Set
// publishes eventbus.StateChanged after the lock is released.
type Manager struct {
	bus *eventbus.Bus

	mu    sync.RWMutex
	tree  Tree
	extra map[string]any
}

func New(bus *eventbus.Bus, user domain.User) *Manager {
	return &Manager{
		bus:   bus,
		tree:  newTree(user),
		extra: map[string]any{},
	}
}

// Get returns the value at path, or (nil, false) when absent.
func (m *Manager) Get(p Path) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.get(p)
}

func (m *Manager) get(p Path) (any, bool) {
	kind, id := classify(p)
	switch kind {
	case kindPeer:
		v, ok := m.tree.Peers[id]
		return v, ok
	case kindPeerVoice:
		v, ok := m.tree.PeerVoice[id]
		return v, ok
	case kindVoiceUser:
		v, ok := m.tree.Voice.Users[id]
		return v, ok
	case kindGeneric:
		return lookupGeneric(m.extra, string(p))
	}
	switch p {
	case User:
		return m.tree.User, true
	case UserID:
		return m.tree.User.ID, true
	case UserUsername:
		return m.tree.User.Username, true
	case UserAvatar:
		return m.tree.User.Avatar, true
	case Peers:
		return maps.Clone(m.tree.Peers), true
	case VoiceChannel:
		v := m.tree.Voice
		v.Users = maps.Clone(v.Users)
		return v, true
	case VoiceActive:
		return m.tree.Voice.Active, true
	case VoiceMicEnabled:
		return m.tree.Voice.MicEnabled, true
	case VoiceVideoEnabled:
		return m.tree.Voice.VideoEnabled, true
	case VoiceScreenSharing:
		return m.tree.Voice.ScreenSharing, true
	case VoiceUsers:
		return maps.Clone(m.tree.Voice.Users), true
	}
	return nil, false
}

// Set replaces the value at path and publishes StateChanged{path, value,
// previous}. A nil value removes a keyed entry (peers.<id>,
// voiceChannel.users.<id>). Typed paths reject values of another type.
func (m *Manager) Set(p Path, value any) error {
	m.mu.Lock()
	previous, _ := m.get(p)
	err := m.set(p, value)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("set %s: %w", p, err)
	}
	m.bus.Publish(eventbus.StateChanged, eventbus.StateChange{Path: string(p), Value: value, Previous: previous})
	return nil
}

func (m *Manager) set(p Path, value any) error {
	kind, id := classify(p)
	switch kind {
	case kindPeer:
		return setEntry(m.tree.Peers, id, value)
	case kindPeerVoice:
		return setEntry(m.tree.PeerVoice, id, value)
	case kindVoiceUser:
		return setEntry(m.tree.Voice.Users, id, value)
	case kindGeneric:
		setGeneric(m.extra, string(p), value)
		return nil
	case kindNested:
		return ErrTypeMismatch
	}
	switch p {
	case User:
		return assign(&m.tree.User, value)
	case UserID:
		return assign(&m.tree.User.ID, value)
	case UserUsername:
		return assign(&m.tree.User.Username, value)
	case UserAvatar:
		return assign(&m.tree.User.Avatar, value)
	case Peers:
		return assignMap(&m.tree.Peers, value)
	case VoiceChannel:
		v, ok := value.(Voice)
		if !ok {
			return ErrTypeMismatch
		}
		v.Users = maps.Clone(v.Users)
		if v.Users == nil {
			v.Users = map[domain.PeerID]domain.VoiceUser{}
		}
		m.tree.Voice = v
		return nil
	case VoiceActive:
		return assign(&m.tree.Voice.Active, value)
	case VoiceMicEnabled:
		return assign(&m.tree.Voice.MicEnabled, value)
	case VoiceVideoEnabled:
		return assign(&m.tree.Voice.VideoEnabled, value)
	case VoiceScreenSharing:
		return assign(&m.tree.Voice.ScreenSharing, value)
	case VoiceUsers:
		return assignMap(&m.tree.Voice.Users, value)
	}
	return ErrTypeMismatch
}

func assign[T any](dst *T, value any) error {
	v, ok := value.(T)
	if !ok {
		return ErrTypeMismatch
	}
	*dst = v
	return nil
}

func assignMap[K comparable, V any](dst *map[K]V, value any) error {
	if value == nil {
		*dst = map[K]V{}
		return nil
	}
	v, ok := value.(map[K]V)
	if !ok {
		return ErrTypeMismatch
	}
	*dst = maps.Clone(v)
	if *dst == nil {
		*dst = map[K]V{}
	}
	return nil
}

func setEntry[V any](dst map[domain.PeerID]V, id domain.PeerID, value any) error {
	if value == nil {
		delete(dst, id)
		return nil
	}
	v, ok := value.(V)
	if !ok {
		return ErrTypeMismatch
	}
	dst[id] = v
	return nil
}

// lookupGeneric walks the untyped part of the tree.
func lookupGeneric(root map[string]any, path string) (any, bool) {
	var cur any = root
	for _, seg := range strings.Split(path, ".") {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = node[seg]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// setGeneric creates intermediate containers as needed. A non-container
// parent is silently replaced by a container.
func setGeneric(root map[string]any, path string, value any) {
	segs := strings.Split(path, ".")
	node := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := node[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[seg] = next
		}
		node = next
	}
	node[segs[len(segs)-1]] = value
}

// Snapshot returns a deep copy of the typed tree.
func (m *Manager) Snapshot() Tree {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.clone()
}

func (m *Manager) User() domain.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.User
}

func (m *Manager) Peer(id domain.PeerID) (domain.PeerInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.tree.Peers[id]
	return p, ok
}

func (m *Manager) Voice() Voice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v := m.tree.Voice
	v.Users = maps.Clone(v.Users)
	return v
}

func (m *Manager) VoiceUser(id domain.PeerID) (domain.VoiceUser, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.tree.Voice.Users[id]
	return u, ok
}

func (m *Manager) PeerVoice(id domain.PeerID) (wire.VoiceState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.tree.PeerVoice[id]
	return v, ok
}
