package capture

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/pion/rtp"
)

func sendRTP(t *testing.T, to net.Addr, level uint8) {
	t.Helper()
	conn, err := net.Dial("udp", to.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	raw, _ := rtp.AudioLevelExtension{Level: level}.Marshal()
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: 1, SSRC: 7}, Payload: []byte{0xf8}}
	if err := pkt.Header.SetExtension(1, raw); err != nil {
		t.Fatalf("extension: %v", err)
	}
	b, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestAbsentSourceIsDenied(t *testing.T) {
	d := NewDevices(Config{})
	ctx := context.Background()
	if _, err := d.Microphone(ctx); !errors.Is(err, domain.ErrDeviceAccessDenied) {
		t.Fatalf("microphone: %v", err)
	}
	if _, err := d.Camera(ctx); !errors.Is(err, domain.ErrDeviceAccessDenied) {
		t.Fatalf("camera: %v", err)
	}
	if _, err := d.Screen(ctx); !errors.Is(err, domain.ErrDeviceAccessDenied) {
		t.Fatalf("screen: %v", err)
	}
}

func TestMicrophoneMetersIngest(t *testing.T) {
	d := NewDevices(Config{Microphone: "127.0.0.1:0", AudioLevelExtID: 1})
	stream, err := d.Microphone(context.Background())
	if err != nil {
		t.Fatalf("microphone: %v", err)
	}
	track := stream.Tracks[0].(*Track)
	defer track.Stop()

	var ended atomic.Bool
	track.OnEnded(func() { ended.Store(true) })

	deadline := time.Now().Add(3 * time.Second)
	for stream.Meter.Level() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("meter never moved")
		}
		sendRTP(t, track.Addr(), 10)
		time.Sleep(10 * time.Millisecond)
	}

	track.SetEnabled(false)
	if track.Enabled() {
		t.Fatalf("mute ignored")
	}
	track.Stop()
	track.SetEnabled(true)
	if !track.Stopped() || track.Enabled() {
		t.Fatalf("stopped track revived")
	}
	time.Sleep(20 * time.Millisecond)
	if ended.Load() {
		t.Fatalf("local stop reported as source end")
	}
}

func TestScreenEndsWhenSourceGoesIdle(t *testing.T) {
	d := NewDevices(Config{Screen: "127.0.0.1:0", ScreenIdle: 50 * time.Millisecond})
	lt, err := d.Screen(context.Background())
	if err != nil {
		t.Fatalf("screen: %v", err)
	}
	track := lt.(*Track)
	ended := make(chan struct{})
	track.OnEnded(func() { close(ended) })

	sendRTP(t, track.Addr(), 127)
	select {
	case <-ended:
	case <-time.After(3 * time.Second):
		t.Fatalf("idle source did not end the track")
	}
	if !track.Stopped() {
		t.Fatalf("ended track not stopped")
	}
}
