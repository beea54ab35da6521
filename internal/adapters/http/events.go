package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/VoiceMesh/internal/eventbus"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

// streamedEvents are forwarded to every UI connected to /api/events.
var streamedEvents = []eventbus.Name{
	eventbus.PeerConnected,
	eventbus.PeerDisconnected,
	eventbus.StateChanged,
	eventbus.PeerMessage,
	eventbus.CallClosed,
	eventbus.Notification,
}

type EventFrame struct {
	Event   eventbus.Name `json:"event"`
	Payload any           `json:"payload"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type eventStreams struct {
	bus        *eventbus.Bus
	pingPeriod time.Duration
	readLimit  int64
}

func newEventStreams(bus *eventbus.Bus, pingPeriod time.Duration, readLimit int64) *eventStreams {
	return &eventStreams{bus: bus, pingPeriod: pingPeriod, readLimit: readLimit}
}

type wsEventConn struct {
	sid  string
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

// TrySend never blocks the publisher; a slow UI loses events.
func (c *wsEventConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsEventConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// serve subscribes before upgrading so that nothing published after the
// handshake completes is missed.
func (s *eventStreams) serve(ctx context.Context, c *gin.Context) {
	sid := c.GetString(clientTokenKey)
	conn := &wsEventConn{sid: sid, send: make(chan []byte, 64)}

	unsubs := make([]func(), 0, len(streamedEvents))
	unsubscribe := func() {
		for _, u := range unsubs {
			u()
		}
	}
	for _, name := range streamedEvents {
		unsubs = append(unsubs, s.bus.Subscribe(name, func(payload any) {
			b, err := json.Marshal(EventFrame{Event: name, Payload: payload})
			if err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Str("event", string(name)).Msg("event marshal")
				return
			}
			if err := conn.TrySend(b); errors.Is(err, ErrBackpressure) {
				log.Warn().Str("module", "adapters.http").Str("sid", sid).Str("event", string(name)).Msg("event dropped")
			}
		}))
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		unsubscribe()
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	if s.readLimit > 0 {
		ws.SetReadLimit(s.readLimit)
	}
	conn.mu.Lock()
	conn.conn = ws
	conn.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		unsubscribe()
		conn.Close()
	}()
	go s.writePump(ctx, conn)
	go s.readPump(cancel, conn)
}

func (s *eventStreams) writePump(ctx context.Context, c *wsEventConn) {
	var tick <-chan time.Time
	if s.pingPeriod > 0 {
		t := time.NewTicker(s.pingPeriod)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("writePump write error")
				return
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// readPump only watches for the UI going away.
func (s *eventStreams) readPump(cancel context.CancelFunc, c *wsEventConn) {
	defer func() {
		log.Info().Str("module", "adapters.http").Str("sid", c.sid).Msg("events stream closing")
		cancel()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
