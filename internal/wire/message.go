// Package wire defines the messages exchanged over data connections.
package wire

import (
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	TypeHandshake  = "handshake"
	TypeVoiceState = "voice_state"
)

var ErrEmptyType = errors.New("message without type")

// Hello is the identity a peer announces right after the data channel opens.
type Hello struct {
	Username string `msgpack:"username" json:"username"`
	Avatar   string `msgpack:"avatar" json:"avatar"`
}

// VoiceState is the voice flags of one participant.
type VoiceState struct {
	InVoice       bool `msgpack:"inVoice" json:"inVoice"`
	MicEnabled    bool `msgpack:"micEnabled" json:"micEnabled"`
	VideoEnabled  bool `msgpack:"videoEnabled" json:"videoEnabled"`
	ScreenSharing bool `msgpack:"screenSharing" json:"screenSharing"`
}

// Message represents every data channel message. Protocol messages use the
// typed fields; other application messages (chat, files) carry an opaque
// payload the mesh only relays.
type Message struct {
	Type    string             `msgpack:"type" json:"type"`
	User    *Hello             `msgpack:"user,omitempty" json:"user,omitempty"`
	State   *VoiceState        `msgpack:"state,omitempty" json:"state,omitempty"`
	Payload msgpack.RawMessage `msgpack:"payload,omitempty" json:"-"`
}

func NewHandshake(username, avatar string) Message {
	return Message{Type: TypeHandshake, User: &Hello{Username: username, Avatar: avatar}}
}

func NewVoiceState(s VoiceState) Message {
	return Message{Type: TypeVoiceState, State: &s}
}

// NewMessage creates an application message with the given type and payload.
func NewMessage(t string, payload any) (Message, error) {
	if t == "" {
		return Message{}, ErrEmptyType
	}
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Payload: b}, nil
}

// DecodePayload decodes the message payload into the provided value.
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, ErrEmptyType
	}
	return msgpack.Marshal(&m)
}

func Decode(data []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if m.Type == "" {
		return Message{}, ErrEmptyType
	}
	return m, nil
}
