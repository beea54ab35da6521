package voice

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core/coretest"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/eventbus"
	"github.com/dkeye/VoiceMesh/internal/state"
)

func TestSamplerWritesOnlyOnCrossing(t *testing.T) {
	f := newFixture(t)
	writes := 0
	f.bus.Subscribe(eventbus.StateChanged, func(p any) {
		if p.(eventbus.StateChange).Path == string(state.VoiceUserPath("b")) {
			writes++
		}
	})
	f.join()
	writes = 0
	s := f.vm.samplers["b"]

	for _, level := range []uint8{10, 30, 31, 200, 31, 30, 0} {
		f.devices.Meter.Value = level
		f.vm.tick(s)
	}
	// silent -> speaking at 31, speaking -> silent at 30
	if writes != 2 {
		t.Fatalf("speaking written %d times, want 2", writes)
	}
	if u, _ := f.st.VoiceUser("b"); u.Speaking {
		t.Fatalf("still speaking at level 0")
	}
}

func TestSamplerStopsWhenTargetGone(t *testing.T) {
	f := newFixture(t)
	f.open("c")
	f.join()
	f.tr.LastCall("c").Flow(&coretest.RemoteStream{StreamID: "s", M: &coretest.Meter{Value: 90}})
	s := f.vm.samplers["c"]
	f.vm.tick(s)
	if u, _ := f.st.VoiceUser("c"); !u.Speaking {
		t.Fatalf("remote speaker not detected")
	}

	_ = f.st.Set(state.VoiceUserPath("c"), nil)
	f.vm.tick(s)
	if !s.halted() {
		t.Fatalf("sampler kept running without its target")
	}
	if _, ok := f.vm.samplers["c"]; ok {
		t.Fatalf("halted sampler still registered")
	}
	f.vm.tick(s)
	if _, ok := f.st.VoiceUser("c"); ok {
		t.Fatalf("halted sampler recreated its target")
	}
}

func TestSamplerRunTerminates(t *testing.T) {
	bus := eventbus.New()
	st := state.New(bus, domain.User{ID: "b", Username: "bob"})
	_ = st.Set(state.VoiceUserPath("b"), domain.VoiceUser{ID: "b"})
	s := newSampler("b", &coretest.Meter{Value: 100}, 30)

	tasks := make(chan func(), 16)
	done := make(chan struct{})
	go func() {
		s.run(time.Millisecond, func(fn func()) { tasks <- fn }, func(s *sampler) {
			if !s.sample(st) {
				s.halt()
			}
		})
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ticks := 0
	for {
		select {
		case fn := <-tasks:
			fn()
			ticks++
			if ticks == 3 {
				if u, _ := st.VoiceUser("b"); !u.Speaking {
					t.Fatalf("speaking not set after %d ticks", ticks)
				}
				_ = st.Set(state.VoiceUserPath("b"), nil)
			}
		case <-done:
			if !s.halted() {
				t.Fatalf("run returned without halting")
			}
			return
		case <-ctx.Done():
			t.Fatalf("sampler did not terminate after its target vanished")
		}
	}
}
