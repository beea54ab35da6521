package domain

// PeerInfo is the presence record of a remote participant, learned from
// its handshake.
type PeerInfo struct {
	ID       PeerID `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// VoiceUser represents a participant shown in the voice channel.
// No transport or lifecycle logic here.
type VoiceUser struct {
	ID       PeerID `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Speaking bool   `json:"speaking"`
	Local    bool   `json:"local"`
}

// NewVoiceUser avoids raw literals in managers and keeps construction obvious.
func NewVoiceUser(info PeerInfo, local bool) VoiceUser {
	return VoiceUser{ID: info.ID, Username: info.Username, Avatar: info.Avatar, Local: local}
}
