// Package capture provides microphone, camera and screen sources fed by
// external encoders (ffmpeg, gstreamer) sending RTP over UDP.
package capture

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/dkeye/VoiceMesh/internal/adapters/audiolevel"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var _ core.MediaDevices = (*Devices)(nil)

type Config struct {
	// UDP listen addresses; an empty address means the device is absent.
	Microphone string
	Camera     string
	Screen     string
	// AudioLevelExtID is the header extension id the microphone encoder
	// uses for ssrc-audio-level; zero disables local metering.
	AudioLevelExtID uint8
	// ScreenIdle ends a screen share whose source stopped sending.
	ScreenIdle time.Duration
	StreamID   string
}

type Devices struct {
	cfg Config
}

func NewDevices(cfg Config) *Devices {
	if cfg.StreamID == "" {
		cfg.StreamID = "meshnode"
	}
	return &Devices{cfg: cfg}
}

var (
	opus = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

func (d *Devices) Microphone(ctx context.Context) (*core.LocalStream, error) {
	t, err := d.open(ctx, "microphone", d.cfg.Microphone, webrtc.RTPCodecTypeAudio, opus, 0)
	if err != nil {
		return nil, err
	}
	t.extID = d.cfg.AudioLevelExtID
	go t.loop()
	return &core.LocalStream{Tracks: []core.LocalTrack{t}, Meter: t.meter}, nil
}

func (d *Devices) Camera(ctx context.Context) (core.LocalTrack, error) {
	t, err := d.open(ctx, "camera", d.cfg.Camera, webrtc.RTPCodecTypeVideo, vp8, 0)
	if err != nil {
		return nil, err
	}
	go t.loop()
	return t, nil
}

func (d *Devices) Screen(ctx context.Context) (core.LocalTrack, error) {
	t, err := d.open(ctx, "screen", d.cfg.Screen, webrtc.RTPCodecTypeVideo, vp8, d.cfg.ScreenIdle)
	if err != nil {
		return nil, err
	}
	go t.loop()
	return t, nil
}

func (d *Devices) open(ctx context.Context, name, addr string, kind webrtc.RTPCodecType, codec webrtc.RTPCodecCapability, idle time.Duration) (*Track, error) {
	if addr == "" {
		return nil, fmt.Errorf("%s: no source configured: %w", name, domain.ErrDeviceAccessDenied)
	}
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", name, domain.ErrDeviceAccessDenied, err)
	}
	id := name + "-" + uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(codec, id, d.cfg.StreamID)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	log.Info().Str("module", "capture").Str("device", name).Str("addr", conn.LocalAddr().String()).Msg("capture listening")
	return &Track{id: id, kind: kind, local: local, conn: conn, meter: &audiolevel.Meter{}, idle: idle}, nil
}
