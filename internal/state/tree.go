package state

import (
	"maps"

	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/wire"
)

// Tree is the typed shared state. Values handed out by the manager are
// copies; mutate only through Manager.Set.
type Tree struct {
	User  domain.User                       `json:"user"`
	Peers map[domain.PeerID]domain.PeerInfo `json:"peers"`
	// PeerVoice holds the last voice_state each peer broadcast.
	PeerVoice map[domain.PeerID]wire.VoiceState `json:"peerVoice"`
	Voice     Voice                             `json:"voiceChannel"`
}

type Voice struct {
	Active        bool                               `json:"active"`
	MicEnabled    bool                               `json:"micEnabled"`
	VideoEnabled  bool                               `json:"videoEnabled"`
	ScreenSharing bool                               `json:"screenSharing"`
	Users         map[domain.PeerID]domain.VoiceUser `json:"users"`
}

// DefaultVoice is the state outside of a voice channel.
func DefaultVoice() Voice {
	return Voice{MicEnabled: true, Users: map[domain.PeerID]domain.VoiceUser{}}
}

func newTree(user domain.User) Tree {
	return Tree{
		User:      user,
		Peers:     map[domain.PeerID]domain.PeerInfo{},
		PeerVoice: map[domain.PeerID]wire.VoiceState{},
		Voice:     DefaultVoice(),
	}
}

func (t Tree) clone() Tree {
	out := t
	out.Peers = maps.Clone(t.Peers)
	out.PeerVoice = maps.Clone(t.PeerVoice)
	out.Voice.Users = maps.Clone(t.Voice.Users)
	return out
}
