package voice

import (
	"sync"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/state"
	"github.com/rs/zerolog/log"
)

// sampler polls one level meter and mirrors the speaking flag into the
// voice user record it belongs to. It stops on its own once that record
// is gone.
type sampler struct {
	id        domain.PeerID
	meter     core.LevelMeter
	threshold uint8

	stop chan struct{}
	once sync.Once
}

func newSampler(id domain.PeerID, meter core.LevelMeter, threshold uint8) *sampler {
	return &sampler{id: id, meter: meter, threshold: threshold, stop: make(chan struct{})}
}

// run schedules a tick every interval onto the loop until halted.
func (s *sampler) run(interval time.Duration, post func(func()), tick func(*sampler)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			log.Debug().Str("module", "voice").Str("peer", string(s.id)).Msg("sampler stopped")
			return
		case <-t.C:
			post(func() { tick(s) })
		}
	}
}

func (s *sampler) halt() { s.once.Do(func() { close(s.stop) }) }

func (s *sampler) halted() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// sample reads the meter once. It reports false when the target voice user
// is absent and the sampler must terminate.
func (s *sampler) sample(st *state.Manager) bool {
	u, ok := st.VoiceUser(s.id)
	if !ok {
		return false
	}
	speaking := s.meter.Level() > s.threshold
	if speaking == u.Speaking {
		return true
	}
	u.Speaking = speaking
	if err := st.Set(state.VoiceUserPath(s.id), u); err != nil {
		log.Error().Err(err).Str("module", "voice").Str("peer", string(s.id)).Msg("speaking update failed")
	}
	return true
}
