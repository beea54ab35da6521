package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, env, body string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config", "config."+env+".yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", env)
}

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8080 || cfg.Mode != "release" {
		t.Fatalf("server defaults %+v", cfg)
	}
	if cfg.Voice.ActivityThreshold != 30 || cfg.Voice.SampleInterval != 16*time.Millisecond {
		t.Fatalf("voice defaults %+v", cfg.Voice)
	}
	if cfg.Capture.AudioLevelExtID != 1 || cfg.Capture.Microphone != "" {
		t.Fatalf("capture defaults %+v", cfg.Capture)
	}
	if len(cfg.ICE.STUN) != 1 || cfg.ICE.OfferInterval != time.Minute {
		t.Fatalf("ice defaults %+v", cfg.ICE)
	}
}

func TestFileAndFlags(t *testing.T) {
	writeConfig(t, "test", `
port: 9000
ping_period: 2s
peer:
  id: alice
  username: Alice
capture:
  microphone: 127.0.0.1:5004
voice:
  activity_threshold: 45
connect: [bob]
`)
	flags := pflag.NewFlagSet("meshnode", pflag.ContinueOnError)
	flags.Int("port", 8080, "")
	flags.String("username", "", "")
	flags.StringSlice("connect", nil, "")
	if err := flags.Parse([]string{"--username", "Al", "--connect", "carol,dave"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(flags)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("unset flag overrode the file: port=%d", cfg.Port)
	}
	if cfg.Peer.ID != "alice" || cfg.Peer.Username != "Al" {
		t.Fatalf("peer %+v", cfg.Peer)
	}
	if cfg.PingPeriod != 2*time.Second || cfg.Capture.Microphone != "127.0.0.1:5004" || cfg.Voice.ActivityThreshold != 45 {
		t.Fatalf("file values lost: %+v", cfg)
	}
	if len(cfg.Connect) != 2 || cfg.Connect[0] != "carol" {
		t.Fatalf("connect=%v", cfg.Connect)
	}
}
