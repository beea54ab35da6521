package capture

import (
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/VoiceMesh/internal/adapters/audiolevel"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type TrackState int32

const (
	TrackLive TrackState = iota
	TrackMuted
	TrackEnded
)

var _ core.LocalTrack = (*Track)(nil)

// Track forwards RTP received on a UDP socket into a pion local track.
type Track struct {
	id    string
	kind  webrtc.RTPCodecType
	local *webrtc.TrackLocalStaticRTP
	conn  net.PacketConn
	meter *audiolevel.Meter
	extID uint8
	// idle ends the track when a started source goes silent; zero disables.
	idle time.Duration

	state    atomic.Int32 // Zero by default (TrackLive)
	stopping atomic.Bool

	mu      sync.Mutex
	onEnded func()
	once    sync.Once
}

func (t *Track) ID() string                { return t.id }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }
func (t *Track) Local() webrtc.TrackLocal  { return t.local }

// Addr is where the source should send its RTP.
func (t *Track) Addr() net.Addr { return t.conn.LocalAddr() }

func (t *Track) GetState() TrackState { return TrackState(t.state.Load()) }

func (t *Track) Enabled() bool { return t.GetState() == TrackLive }

func (t *Track) SetEnabled(v bool) {
	next := TrackMuted
	if v {
		next = TrackLive
	}
	for {
		cur := t.state.Load()
		if TrackState(cur) == TrackEnded || t.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (t *Track) Stopped() bool { return t.GetState() == TrackEnded }

// Stop releases the socket. OnEnded does not fire for a local stop.
func (t *Track) Stop() {
	t.stopping.Store(true)
	t.end()
}

func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

func (t *Track) end() {
	t.once.Do(func() {
		t.state.Store(int32(TrackEnded))
		_ = t.conn.Close()
	})
}

func (t *Track) logger() *zerolog.Logger {
	l := log.With().Str("module", "capture").Str("track", t.id).Str("kind", t.kind.String()).Logger()
	return &l
}

// loop reads RTP packets from the socket and writes them to the local track.
func (t *Track) loop() {
	l := t.logger()
	buf := make([]byte, 1500)
	received := false
	for {
		if t.idle > 0 && received {
			_ = t.conn.SetReadDeadline(time.Now().Add(t.idle))
		}
		n, _, err := t.conn.ReadFrom(buf)
		if err != nil {
			if t.stopping.Load() {
				l.Info().Msg("capture stopped")
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				l.Info().Msg("source went idle, ending track")
			} else {
				l.Error().Err(err).Msg("capture read error, ending track")
			}
			t.end()
			t.mu.Lock()
			fn := t.onEnded
			t.mu.Unlock()
			if fn != nil {
				fn()
			}
			return
		}
		received = true

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			l.Debug().Err(err).Msg("non-RTP datagram dropped")
			continue
		}
		switch t.GetState() {
		case TrackLive:
			t.meter.Observe(pkt, t.extID)
			if err := t.local.WriteRTP(pkt); err != nil {
				l.Debug().Err(err).Msg("write RTP")
			}
		case TrackMuted, TrackEnded:
		}
	}
}
