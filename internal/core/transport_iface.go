package core

import "github.com/dkeye/VoiceMesh/internal/domain"

// DataConnection abstracts one data channel to a remote peer.
// Callbacks are delivered on the run loop, never concurrently.
type DataConnection interface {
	Peer() domain.PeerID
	Send(data []byte) error
	Close() error
	OnOpen(func())
	OnData(func([]byte))
	OnClose(func())
	OnError(func(error))
}

// CallMetadata travels with an outbound call.
type CallMetadata struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

// MediaConnection abstracts one audio/video session to a remote peer,
// independent of its DataConnection.
type MediaConnection interface {
	Peer() domain.PeerID
	Metadata() CallMetadata
	// Answer accepts an incoming call with the local stream.
	Answer(stream *LocalStream) error
	Close() error
	Senders() []Sender
	// AddTrack adds a new outbound sender; used only when no sender of
	// the track's kind exists yet.
	AddTrack(track LocalTrack) (Sender, error)
	OnStream(func(RemoteStream))
	OnClose(func())
	OnError(func(error))
}

// Transport is the local peer object of the external connection library.
type Transport interface {
	ID() domain.PeerID
	Connect(id domain.PeerID) (DataConnection, error)
	Call(id domain.PeerID, stream *LocalStream, meta CallMetadata) (MediaConnection, error)
	OnConnection(func(DataConnection))
	OnCall(func(MediaConnection))
}
