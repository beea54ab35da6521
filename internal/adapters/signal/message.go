// Package signal talks to the rendezvous server that relays offers, answers
// and candidates between peers before a direct connection exists.
package signal

import (
	"encoding/json"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	TypeOpen      MessageType = "OPEN"
	TypeOffer     MessageType = "OFFER"
	TypeAnswer    MessageType = "ANSWER"
	TypeCandidate MessageType = "CANDIDATE"
	TypeLeave     MessageType = "LEAVE"
	TypeExpire    MessageType = "EXPIRE"
	TypeError     MessageType = "ERROR"
	TypeHeartbeat MessageType = "HEARTBEAT"
	TypeIDTaken   MessageType = "ID-TAKEN"
)

// Connection kinds carried in Payload.Type.
const (
	KindData  = "data"
	KindMedia = "media"
)

type Message struct {
	Type    MessageType   `json:"type"`
	Src     domain.PeerID `json:"src,omitempty"`
	Dst     domain.PeerID `json:"dst,omitempty"`
	Payload *Payload      `json:"payload,omitempty"`
}

type Payload struct {
	SDP           *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate     *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Type          string                     `json:"type,omitempty"`
	ConnectionID  string                     `json:"connectionId,omitempty"`
	Label         string                     `json:"label,omitempty"`
	Serialization string                     `json:"serialization,omitempty"`
	Reliable      bool                       `json:"reliable,omitempty"`
	Metadata      *core.CallMetadata         `json:"metadata,omitempty"`
	Msg           string                     `json:"msg,omitempty"`
}

func Encode(m Message) ([]byte, error) { return json.Marshal(m) }

func Decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}
