// Package audiolevel turns RFC 6464 audio level header extensions into the
// 0-255 activity scale the voice channel samples.
package audiolevel

import (
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// URI of the client-to-mixer audio level header extension.
const URI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// staleAfter is how long a reading stays valid without new packets.
const staleAfter = 250 * time.Millisecond

// Energy maps a level in -dBov (0 loudest, 127 silence) onto 0-255.
func Energy(level uint8) uint8 {
	if level > 127 {
		level = 127
	}
	return uint8(int(127-level) * 255 / 127)
}

// Meter keeps the latest activity of one RTP stream. Safe for concurrent use.
type Meter struct {
	level atomic.Uint32
	seen  atomic.Int64
}

// Observe records the audio level carried by pkt under extension id extID.
// Packets without the extension are ignored.
func (m *Meter) Observe(pkt *rtp.Packet, extID uint8) {
	if extID == 0 || pkt == nil {
		return
	}
	raw := pkt.GetExtension(extID)
	if raw == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return
	}
	m.Set(Energy(ext.Level))
}

func (m *Meter) Set(v uint8) {
	m.level.Store(uint32(v))
	m.seen.Store(time.Now().UnixNano())
}

// Level returns the last reading, or 0 once the stream went quiet.
func (m *Meter) Level() uint8 {
	seen := m.seen.Load()
	if seen == 0 || time.Since(time.Unix(0, seen)) > staleAfter {
		return 0
	}
	return uint8(m.level.Load())
}
