package signal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("signal connection closed")
	ErrRejected     = errors.New("rendezvous rejected the peer")
)

const (
	writeWait   = 5 * time.Second
	openTimeout = 10 * time.Second
)

type Options struct {
	// URL is the websocket endpoint of the rendezvous, e.g. wss://host/peerjs.
	URL        string
	ID         domain.PeerID
	Key        string
	PingPeriod time.Duration
	ReadLimit  int64
}

// Client is one registered session at the rendezvous.
type Client struct {
	id   domain.PeerID
	conn *websocket.Conn
	send chan []byte
	in   chan Message

	pingPeriod time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// Dial connects to the rendezvous and waits until it confirms the id.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid signal url: %w", err)
	}
	q := u.Query()
	q.Set("id", string(opts.ID))
	q.Set("token", uuid.NewString())
	if opts.Key != "" {
		q.Set("key", opts.Key)
	}
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial signal: %w", err)
	}
	if opts.ReadLimit > 0 {
		ws.SetReadLimit(opts.ReadLimit)
	}

	if err := awaitOpen(ws); err != nil {
		_ = ws.Close()
		return nil, err
	}

	c := &Client{
		id:         opts.ID,
		conn:       ws,
		send:       make(chan []byte, 32),
		in:         make(chan Message, 64),
		pingPeriod: opts.PingPeriod,
		done:       make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	log.Info().Str("module", "signal").Str("peer", string(opts.ID)).Str("url", u.Host).Msg("registered at rendezvous")
	return c, nil
}

func awaitOpen(ws *websocket.Conn) error {
	_ = ws.SetReadDeadline(time.Now().Add(openTimeout))
	defer ws.SetReadDeadline(time.Time{})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("await open: %w", err)
		}
		m, err := Decode(data)
		if err != nil {
			continue
		}
		switch m.Type {
		case TypeOpen:
			return nil
		case TypeError, TypeIDTaken:
			msg := string(m.Type)
			if m.Payload != nil && m.Payload.Msg != "" {
				msg = m.Payload.Msg
			}
			return fmt.Errorf("%w: %s", ErrRejected, msg)
		}
	}
}

func (c *Client) ID() domain.PeerID { return c.id }

// Incoming yields every message from the rendezvous. It is closed once the
// connection drops.
func (c *Client) Incoming() <-chan Message { return c.in }

// Done is closed when the client shuts down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Send queues m without blocking.
func (c *Client) Send(m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	return c.TrySend(b)
}

func (c *Client) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	close(c.send)
	c.mu.Unlock()
}

func (c *Client) writePump() {
	var tick <-chan time.Time
	if c.pingPeriod > 0 {
		t := time.NewTicker(c.pingPeriod)
		defer t.Stop()
		tick = t.C
	}
	heartbeat, _ := Encode(Message{Type: TypeHeartbeat})
	defer func() {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				log.Info().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.write(data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		case <-tick:
			if err := c.write(heartbeat); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("heartbeat failed")
				c.Close()
				return
			}
		}
	}
}

func (c *Client) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readPump() {
	defer func() {
		log.Info().Str("module", "signal").Str("peer", string(c.id)).Msg("readPump closing")
		close(c.in)
		c.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Error().Err(err).Str("module", "signal").Msg("readPump read error")
			}
			return
		}
		m, err := Decode(data)
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad json")
			continue
		}
		if m.Type == TypeHeartbeat {
			continue
		}
		select {
		case c.in <- m:
		case <-c.done:
			return
		}
	}
}
