package eventbus

import "github.com/dkeye/VoiceMesh/internal/domain"

// PeerEvent is the payload of PeerConnected, PeerDisconnected and CallClosed.
type PeerEvent struct {
	PeerID domain.PeerID `json:"peerId"`
}

// StateChange is the payload of StateChanged.
type StateChange struct {
	Path     string `json:"path"`
	Value    any    `json:"value"`
	Previous any    `json:"previous"`
}

// MessageEvent is the payload of PeerMessage. Message is the decoded wire
// envelope; the bus does not depend on the codec.
type MessageEvent struct {
	PeerID  domain.PeerID `json:"peerId"`
	Message any           `json:"message"`
}

type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeError   NoticeLevel = "error"
)

// Notice is the payload of Notification: a user-visible message.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
}
