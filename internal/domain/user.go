// Package domain contains entity without logic, just meta-data
package domain

import (
	"github.com/google/uuid"
)

const (
	MaxPeerIDLen   = 64
	MaxUsernameLen = 36
)

// PeerID identifies a participant for the lifetime of a session. It is
// assigned by the signaling rendezvous (or generated locally when the
// rendezvous accepts client-chosen ids).
type PeerID string

// User is the local identity advertised to every peer in the handshake.
type User struct {
	ID       PeerID `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
// An empty id gets a random one.
func NewUser(id PeerID, username, avatar string) (*User, error) {
	if err := validUsername(username); err != nil {
		return nil, err
	}
	if id == "" {
		id = PeerID(uuid.NewString())
	}
	if len(id) > MaxPeerIDLen {
		return nil, ErrPeerIDTooLong
	}
	return &User{ID: id, Username: username, Avatar: avatar}, nil
}

func (u *User) SetUsername(username string) error {
	if err := validUsername(username); err != nil {
		return err
	}
	u.Username = username
	return nil
}

func validUsername(username string) error {
	if len(username) == 0 {
		return ErrUsernameEmpty
	}
	if len(username) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}
