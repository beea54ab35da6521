package state

import (
	"strings"

	"github.com/dkeye/VoiceMesh/internal/domain"
)

// Path addresses a value of the shared state tree with dotted segments.
type Path string

const (
	User         Path = "user"
	UserID       Path = "user.id"
	UserUsername Path = "user.username"
	UserAvatar   Path = "user.avatar"

	Peers Path = "peers"

	VoiceChannel       Path = "voiceChannel"
	VoiceActive        Path = "voiceChannel.active"
	VoiceMicEnabled    Path = "voiceChannel.micEnabled"
	VoiceVideoEnabled  Path = "voiceChannel.videoEnabled"
	VoiceScreenSharing Path = "voiceChannel.screenSharing"
	VoiceUsers         Path = "voiceChannel.users"
)

const (
	peersPrefix      = "peers."
	voiceUsersPrefix = "voiceChannel.users."
	voiceSuffix      = ".voice"
)

// PeerPath addresses the presence record of a peer.
func PeerPath(id domain.PeerID) Path { return Path(peersPrefix + string(id)) }

// PeerVoicePath addresses the last voice state a peer broadcast.
func PeerVoicePath(id domain.PeerID) Path { return Path(peersPrefix + string(id) + voiceSuffix) }

// VoiceUserPath addresses a member of the voice channel.
func VoiceUserPath(id domain.PeerID) Path { return Path(voiceUsersPrefix + string(id)) }

type pathKind int

const (
	kindGeneric pathKind = iota
	kindFixed
	kindPeer
	kindPeerVoice
	kindVoiceUser
	// kindNested is below a typed value, e.g. voiceChannel.micEnabled.x.
	kindNested
)

// classify maps a path onto the typed field it targets. Only the keyed
// collections need their id cut out. Unknown paths under the typed roots
// are nested; everything else is generic.
func classify(p Path) (pathKind, domain.PeerID) {
	s := string(p)
	switch p {
	case User, UserID, UserUsername, UserAvatar, Peers,
		VoiceChannel, VoiceActive, VoiceMicEnabled, VoiceVideoEnabled, VoiceScreenSharing, VoiceUsers:
		return kindFixed, ""
	}
	if rest, ok := strings.CutPrefix(s, voiceUsersPrefix); ok && rest != "" && !strings.Contains(rest, ".") {
		return kindVoiceUser, domain.PeerID(rest)
	}
	if rest, ok := strings.CutPrefix(s, peersPrefix); ok && rest != "" {
		if id, ok := strings.CutSuffix(rest, voiceSuffix); ok && id != "" && !strings.Contains(id, ".") {
			return kindPeerVoice, domain.PeerID(id)
		}
		if !strings.Contains(rest, ".") {
			return kindPeer, domain.PeerID(rest)
		}
	}
	for _, root := range []Path{User, Peers, VoiceChannel} {
		if strings.HasPrefix(s, string(root)+".") {
			return kindNested, ""
		}
	}
	return kindGeneric, ""
}
