package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrPeerIDTooLong   = errors.New("peer id too long")

	// ErrDeviceAccessDenied covers a refused permission as well as an absent device.
	ErrDeviceAccessDenied = errors.New("device access denied")
	// ErrNotConnected is returned when a peer is not in the Open state.
	ErrNotConnected    = errors.New("peer not connected")
	ErrTransportClosed = errors.New("transport closed unexpectedly")
	ErrRenegotiation   = errors.New("track replacement failed")
	ErrNotInChannel    = errors.New("not in voice channel")
	ErrSelfConnect     = errors.New("cannot connect to self")
)

// OpError attaches the failing operation and peer to an error.
type OpError struct {
	Op   string
	Peer PeerID
	Err  error
}

func (e *OpError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func NewError(op string, err error) *OpError {
	return &OpError{Op: op, Err: err}
}

func NewPeerError(op string, peer PeerID, err error) *OpError {
	return &OpError{Op: op, Peer: peer, Err: err}
}
