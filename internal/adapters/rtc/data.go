package rtc

import (
	"sync"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

var _ core.DataConnection = (*dataConn)(nil)

// dataConn is a single ordered data channel on its own PeerConnection.
type dataConn struct {
	*session

	mu sync.RWMutex
	dc *webrtc.DataChannel

	// loop-owned
	onOpen  func()
	onData  func([]byte)
	onClose func()
	onError func(error)
}

func newDataConn(s *session) *dataConn {
	c := &dataConn{session: s}
	s.onShutdown = c.closed
	return c
}

func (c *dataConn) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	post := c.owner.post
	dc.OnOpen(func() {
		post(func() {
			if c.onOpen != nil {
				c.onOpen()
			}
		})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := msg.Data
		post(func() {
			if c.onData != nil {
				c.onData(data)
			}
		})
	})
	dc.OnError(func(err error) {
		post(func() {
			if c.onError != nil {
				c.onError(err)
			}
		})
	})
	dc.OnClose(func() { c.shutdown(nil) })
}

func (c *dataConn) closed(err error) {
	if err != nil && c.onError != nil {
		c.onError(err)
	}
	if c.onClose != nil {
		c.onClose()
	}
}

func (c *dataConn) Peer() domain.PeerID { return c.peer }

func (c *dataConn) Send(data []byte) error {
	c.mu.RLock()
	dc := c.dc
	c.mu.RUnlock()
	if c.ctx.Err() != nil {
		return domain.ErrTransportClosed
	}
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return domain.ErrNotConnected
	}
	if err := dc.Send(data); err != nil {
		return domain.NewPeerError("data send", c.peer, err)
	}
	return nil
}

func (c *dataConn) Close() error {
	c.mu.RLock()
	dc := c.dc
	c.mu.RUnlock()
	if dc != nil {
		_ = dc.Close()
	}
	c.shutdown(nil)
	return nil
}

func (c *dataConn) OnOpen(fn func())       { c.onOpen = fn }
func (c *dataConn) OnData(fn func([]byte)) { c.onData = fn }
func (c *dataConn) OnClose(fn func())      { c.onClose = fn }
func (c *dataConn) OnError(fn func(error)) { c.onError = fn }
