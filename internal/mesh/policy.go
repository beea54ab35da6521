package mesh

import (
	"errors"

	"github.com/dkeye/VoiceMesh/internal/domain"
)

type SendAction int

const (
	KeepPeer SendAction = iota
	DropPeer
)

// Policy decides the fate of connections the mesh cannot resolve on its own.
type Policy interface {
	// KeepOutbound reports whether our own attempt survives when both
	// sides dialled each other at the same time.
	KeepOutbound(self, remote domain.PeerID) bool
	// OnSendFailure is consulted when a send to an Open peer fails.
	OnSendFailure(peer domain.PeerID, err error) SendAction
}

// LowerIDWins keeps the outbound attempt of the lexicographically smaller id
// and drops a peer only when its transport is gone.
type LowerIDWins struct{}

func (LowerIDWins) KeepOutbound(self, remote domain.PeerID) bool {
	return self < remote
}

func (LowerIDWins) OnSendFailure(_ domain.PeerID, err error) SendAction {
	if errors.Is(err, domain.ErrTransportClosed) {
		return DropPeer
	}
	return KeepPeer
}
