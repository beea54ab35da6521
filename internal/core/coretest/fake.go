// Package coretest provides in-memory fakes of the transport and capture
// interfaces. Callbacks fire synchronously on the caller's goroutine, which
// stands in for the run loop.
package coretest

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	_ core.Transport       = (*Transport)(nil)
	_ core.DataConnection  = (*DataConn)(nil)
	_ core.MediaConnection = (*MediaConn)(nil)
	_ core.MediaDevices    = (*Devices)(nil)
	_ core.LocalTrack      = (*Track)(nil)
	_ core.Sender          = (*Sender)(nil)
)

// Transport records every connect and call.
type Transport struct {
	Self domain.PeerID

	Dials []*DataConn
	Calls []*MediaConn

	ConnectErr map[domain.PeerID]error
	CallErr    map[domain.PeerID]error

	onConnection func(core.DataConnection)
	onCall       func(core.MediaConnection)
}

func NewTransport(self domain.PeerID) *Transport {
	return &Transport{
		Self:       self,
		ConnectErr: map[domain.PeerID]error{},
		CallErr:    map[domain.PeerID]error{},
	}
}

func (t *Transport) ID() domain.PeerID { return t.Self }

func (t *Transport) Connect(id domain.PeerID) (core.DataConnection, error) {
	if err := t.ConnectErr[id]; err != nil {
		return nil, err
	}
	c := NewDataConn(id)
	t.Dials = append(t.Dials, c)
	return c, nil
}

func (t *Transport) Call(id domain.PeerID, stream *core.LocalStream, meta core.CallMetadata) (core.MediaConnection, error) {
	if err := t.CallErr[id]; err != nil {
		return nil, err
	}
	c := NewMediaConn(id, meta)
	c.Stream = stream
	c.outbound = true
	if stream != nil {
		for _, tr := range stream.Tracks {
			c.Sends = append(c.Sends, &Sender{kind: tr.Kind(), track: tr})
		}
	}
	t.Calls = append(t.Calls, c)
	return c, nil
}

func (t *Transport) OnConnection(fn func(core.DataConnection)) { t.onConnection = fn }
func (t *Transport) OnCall(fn func(core.MediaConnection))       { t.onCall = fn }

// Inbound delivers a remote-initiated data connection.
func (t *Transport) Inbound(c *DataConn) {
	if t.onConnection != nil {
		t.onConnection(c)
	}
}

// Ring delivers a remote-initiated call.
func (t *Transport) Ring(c *MediaConn) {
	if t.onCall != nil {
		t.onCall(c)
	}
}

// LastDial returns the most recent outbound data connection to id.
func (t *Transport) LastDial(id domain.PeerID) *DataConn {
	for i := len(t.Dials) - 1; i >= 0; i-- {
		if t.Dials[i].peer == id {
			return t.Dials[i]
		}
	}
	return nil
}

// LastCall returns the most recent outbound call to id.
func (t *Transport) LastCall(id domain.PeerID) *MediaConn {
	for i := len(t.Calls) - 1; i >= 0; i-- {
		if t.Calls[i].peer == id {
			return t.Calls[i]
		}
	}
	return nil
}

type DataConn struct {
	peer    domain.PeerID
	Sent    [][]byte
	SendErr error
	Closed  bool

	onOpen  func()
	onData  func([]byte)
	onClose func()
	onError func(error)
}

func NewDataConn(peer domain.PeerID) *DataConn { return &DataConn{peer: peer} }

func (c *DataConn) Peer() domain.PeerID { return c.peer }

func (c *DataConn) Send(data []byte) error {
	if c.Closed {
		return domain.ErrTransportClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.Sent = append(c.Sent, data)
	return nil
}

// Close mirrors the transport: the close event fires once.
func (c *DataConn) Close() error {
	if c.Closed {
		return nil
	}
	c.Closed = true
	if c.onClose != nil {
		c.onClose()
	}
	return nil
}

func (c *DataConn) OnOpen(fn func())        { c.onOpen = fn }
func (c *DataConn) OnData(fn func([]byte))  { c.onData = fn }
func (c *DataConn) OnClose(fn func())       { c.onClose = fn }
func (c *DataConn) OnError(fn func(error))  { c.onError = fn }

func (c *DataConn) Open() {
	if c.onOpen != nil {
		c.onOpen()
	}
}

func (c *DataConn) Deliver(data []byte) {
	if c.onData != nil {
		c.onData(data)
	}
}

// RemoteClose simulates the remote hanging up.
func (c *DataConn) RemoteClose() { _ = c.Close() }

func (c *DataConn) Fail(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

type MediaConn struct {
	peer     domain.PeerID
	meta     core.CallMetadata
	outbound bool

	Stream   *core.LocalStream
	Answered bool
	Closed   bool
	Sends    []*Sender
	AddErr   error

	onStream func(core.RemoteStream)
	onClose  func()
	onError  func(error)
}

func NewMediaConn(peer domain.PeerID, meta core.CallMetadata) *MediaConn {
	return &MediaConn{peer: peer, meta: meta}
}

func (c *MediaConn) Peer() domain.PeerID          { return c.peer }
func (c *MediaConn) Metadata() core.CallMetadata { return c.meta }

func (c *MediaConn) Answer(stream *core.LocalStream) error {
	c.Answered = true
	c.Stream = stream
	for _, tr := range stream.Tracks {
		c.Sends = append(c.Sends, &Sender{kind: tr.Kind(), track: tr})
	}
	return nil
}

func (c *MediaConn) Close() error {
	if c.Closed {
		return nil
	}
	c.Closed = true
	if c.onClose != nil {
		c.onClose()
	}
	return nil
}

func (c *MediaConn) Senders() []core.Sender {
	out := make([]core.Sender, 0, len(c.Sends))
	for _, s := range c.Sends {
		out = append(out, s)
	}
	return out
}

func (c *MediaConn) AddTrack(track core.LocalTrack) (core.Sender, error) {
	if c.AddErr != nil {
		return nil, c.AddErr
	}
	s := &Sender{kind: track.Kind(), track: track}
	c.Sends = append(c.Sends, s)
	return s, nil
}

func (c *MediaConn) OnStream(fn func(core.RemoteStream)) { c.onStream = fn }
func (c *MediaConn) OnClose(fn func())                   { c.onClose = fn }
func (c *MediaConn) OnError(fn func(error))              { c.onError = fn }

// Flow simulates remote media arriving.
func (c *MediaConn) Flow(s core.RemoteStream) {
	if c.onStream != nil {
		c.onStream(s)
	}
}

func (c *MediaConn) RemoteClose() { _ = c.Close() }

func (c *MediaConn) Fail(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

// VideoSenders returns the senders of kind video.
func (c *MediaConn) VideoSenders() []*Sender {
	var out []*Sender
	for _, s := range c.Sends {
		if s.kind == webrtc.RTPCodecTypeVideo {
			out = append(out, s)
		}
	}
	return out
}

type Sender struct {
	kind       webrtc.RTPCodecType
	track      core.LocalTrack
	ReplaceErr error
}

func (s *Sender) Kind() webrtc.RTPCodecType { return s.kind }

func (s *Sender) Track() core.LocalTrack { return s.track }

func (s *Sender) ReplaceTrack(t core.LocalTrack) error {
	if s.ReplaceErr != nil {
		return s.ReplaceErr
	}
	s.track = t
	return nil
}

type Track struct {
	id      string
	kind    webrtc.RTPCodecType
	enabled bool
	stopped bool
	onEnded func()
}

func NewTrack(id string, kind webrtc.RTPCodecType) *Track {
	return &Track{id: id, kind: kind, enabled: true}
}

func (t *Track) ID() string                { return t.id }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }
func (t *Track) Enabled() bool             { return t.enabled }
func (t *Track) SetEnabled(v bool)         { t.enabled = v }
func (t *Track) Stop()                     { t.stopped = true }
func (t *Track) Stopped() bool             { return t.stopped }
func (t *Track) OnEnded(fn func())         { t.onEnded = fn }
func (t *Track) Local() webrtc.TrackLocal  { return nil }

// End simulates the source ending on its own.
func (t *Track) End() {
	t.stopped = true
	if t.onEnded != nil {
		t.onEnded()
	}
}

// Meter is a settable level meter.
type Meter struct{ Value uint8 }

func (m *Meter) Level() uint8 { return m.Value }

type RemoteStream struct {
	StreamID string
	M        *Meter
}

func (s *RemoteStream) ID() string             { return s.StreamID }
func (s *RemoteStream) Meter() core.LevelMeter { return s.M }

var ErrDenied = fmt.Errorf("fake: %w", domain.ErrDeviceAccessDenied)

// Devices hands out fake tracks and remembers them.
type Devices struct {
	MicErr, CameraErr, ScreenErr error

	Mics    []*Track
	Cameras []*Track
	Screens []*Track
	Meter   *Meter
}

func NewDevices() *Devices { return &Devices{Meter: &Meter{}} }

func (d *Devices) Microphone(ctx context.Context) (*core.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.MicErr != nil {
		return nil, d.MicErr
	}
	t := NewTrack(fmt.Sprintf("mic-%d", len(d.Mics)), webrtc.RTPCodecTypeAudio)
	d.Mics = append(d.Mics, t)
	return &core.LocalStream{Tracks: []core.LocalTrack{t}, Meter: d.Meter}, nil
}

func (d *Devices) Camera(ctx context.Context) (core.LocalTrack, error) {
	if d.CameraErr != nil {
		return nil, d.CameraErr
	}
	t := NewTrack(fmt.Sprintf("cam-%d", len(d.Cameras)), webrtc.RTPCodecTypeVideo)
	d.Cameras = append(d.Cameras, t)
	return t, nil
}

func (d *Devices) Screen(ctx context.Context) (core.LocalTrack, error) {
	if d.ScreenErr != nil {
		return nil, d.ScreenErr
	}
	t := NewTrack(fmt.Sprintf("screen-%d", len(d.Screens)), webrtc.RTPCodecTypeVideo)
	d.Screens = append(d.Screens, t)
	return t, nil
}

// LastCamera returns the most recently acquired camera track.
func (d *Devices) LastCamera() *Track {
	if len(d.Cameras) == 0 {
		return nil
	}
	return d.Cameras[len(d.Cameras)-1]
}

func (d *Devices) LastScreen() *Track {
	if len(d.Screens) == 0 {
		return nil
	}
	return d.Screens[len(d.Screens)-1]
}

var ErrSend = errors.New("fake: send failed")
