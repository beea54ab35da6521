package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	router "github.com/dkeye/VoiceMesh/internal/adapters/http"
	"github.com/dkeye/VoiceMesh/internal/adapters/capture"
	"github.com/dkeye/VoiceMesh/internal/adapters/rtc"
	"github.com/dkeye/VoiceMesh/internal/adapters/signal"
	"github.com/dkeye/VoiceMesh/internal/config"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/eventbus"
	"github.com/dkeye/VoiceMesh/internal/mesh"
	"github.com/dkeye/VoiceMesh/internal/runloop"
	"github.com/dkeye/VoiceMesh/internal/state"
	"github.com/dkeye/VoiceMesh/internal/voice"
)

func main() {
	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "meshnode",
		Short:         "Peer mesh node with a shared voice channel",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				log.Error().Err(err).Msg("failed to load config")
				return err
			}
			if err := run(cmd.Context(), cfg); err != nil {
				log.Error().Err(err).Msg("node failed")
				return err
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.Int("port", 8080, "Port of the local control API")
	f.String("mode", "release", "debug or release")
	f.String("signal-url", "", "Websocket URL of the rendezvous")
	f.String("id", "", "Peer id to register, random when empty")
	f.String("username", "", "Display name announced to peers")
	f.String("avatar", "", "Avatar URL announced to peers")
	f.StringSlice("connect", nil, "Peer ids to connect to at startup")
	return cmd
}

func iceServers(c config.ICEConfig) []webrtc.ICEServer {
	var out []webrtc.ICEServer
	if len(c.STUN) > 0 {
		out = append(out, webrtc.ICEServer{URLs: c.STUN})
	}
	if len(c.TURN) > 0 {
		out = append(out, webrtc.ICEServer{
			URLs:       c.TURN,
			Username:   c.TURNUsername,
			Credential: c.TURNCredential,
		})
	}
	return out
}

func run(parent context.Context, cfg *config.Config) error {
	ctx, cancel := ossignal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	user, err := domain.NewUser(domain.PeerID(cfg.Peer.ID), cfg.Peer.Username, cfg.Peer.Avatar)
	if err != nil {
		return err
	}
	id := user.ID

	sig, err := signal.Dial(ctx, signal.Options{
		URL:        cfg.Signal.URL,
		ID:         id,
		Key:        cfg.Signal.Key,
		PingPeriod: cfg.PingPeriod,
		ReadLimit:  cfg.ReadLimit,
	})
	if err != nil {
		return fmt.Errorf("signal: %w", err)
	}
	defer sig.Close()

	loop := runloop.New(256)
	bus := eventbus.New()
	st := state.New(bus, *user)

	peer, err := rtc.NewPeer(id, rtc.Config{
		ICEServers:    iceServers(cfg.ICE),
		GatherTimeout: cfg.ICE.GatherTimeout,
		OfferLimit:    cfg.ICE.OfferLimit,
		OfferInterval: cfg.ICE.OfferInterval,
	}, sig, loop.Post)
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	peers := mesh.NewPeerManager(peer, bus, st, mesh.LowerIDWins{})
	devices := capture.NewDevices(capture.Config{
		Microphone:      cfg.Capture.Microphone,
		Camera:          cfg.Capture.Camera,
		Screen:          cfg.Capture.Screen,
		AudioLevelExtID: cfg.Capture.AudioLevelExtID,
		ScreenIdle:      cfg.Capture.ScreenIdle,
		StreamID:        string(id),
	})
	vm := voice.New(voice.Deps{
		Transport: peer,
		Devices:   devices,
		Peers:     peers,
		Policy:    mesh.LowerIDWins{},
		Bus:       bus,
		State:     st,
		Post:      loop.Post,
	}, voice.Config{
		ActivityThreshold: cfg.Voice.ActivityThreshold,
		SampleInterval:    cfg.Voice.SampleInterval,
	})

	bus.Subscribe(eventbus.Notification, func(p any) {
		n := p.(eventbus.Notice)
		log.Info().Str("level", string(n.Level)).Msg(n.Message)
	})

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go loop.Run(loopCtx)
	go peer.Run(ctx)

	for _, target := range cfg.Connect {
		target := domain.PeerID(target)
		loop.Post(func() {
			if err := peers.Connect(target); err != nil {
				log.Warn().Err(err).Str("peer", string(target)).Msg("startup connect failed")
			}
		})
	}

	ctl := &router.Controller{Loop: loop, Bus: bus, State: st, Peers: peers, Voice: vm}
	r := router.SetupRouter(ctx, cfg, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("peer", string(id)).Msg("mesh node started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	select {
	case <-ctx.Done():
	case <-sig.Done():
		log.Warn().Msg("rendezvous connection lost")
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := loop.Call(shutdownCtx, func() error {
		vm.Close()
		peers.Close()
		return nil
	}); err != nil {
		log.Warn().Err(err).Msg("managers not closed cleanly")
	}
	peer.Close()
	log.Info().Msg("Node exited gracefully")
	return nil
}
