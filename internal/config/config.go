package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	Signal  SignalConfig  `mapstructure:"signal"`
	Peer    PeerConfig    `mapstructure:"peer"`
	ICE     ICEConfig     `mapstructure:"ice"`
	Capture CaptureConfig `mapstructure:"capture"`
	Voice   VoiceConfig   `mapstructure:"voice"`

	// Connect lists peer ids dialled at startup.
	Connect []string `mapstructure:"connect"`
}

type SignalConfig struct {
	URL string `mapstructure:"url"`
	Key string `mapstructure:"key"`
}

type PeerConfig struct {
	ID       string `mapstructure:"id"`
	Username string `mapstructure:"username"`
	Avatar   string `mapstructure:"avatar"`
}

type ICEConfig struct {
	STUN           []string      `mapstructure:"stun"`
	TURN           []string      `mapstructure:"turn"`
	TURNUsername   string        `mapstructure:"turn_username"`
	TURNCredential string        `mapstructure:"turn_credential"`
	GatherTimeout  time.Duration `mapstructure:"gather_timeout"`
	OfferLimit     int           `mapstructure:"offer_limit"`
	OfferInterval  time.Duration `mapstructure:"offer_interval"`
}

type CaptureConfig struct {
	Microphone      string        `mapstructure:"microphone"`
	Camera          string        `mapstructure:"camera"`
	Screen          string        `mapstructure:"screen"`
	AudioLevelExtID uint8         `mapstructure:"audio_level_ext_id"`
	ScreenIdle      time.Duration `mapstructure:"screen_idle"`
}

type VoiceConfig struct {
	ActivityThreshold uint8         `mapstructure:"activity_threshold"`
	SampleInterval    time.Duration `mapstructure:"sample_interval"`
}

// flag name -> config key
var flagKeys = map[string]string{
	"port":       "port",
	"mode":       "mode",
	"signal-url": "signal.url",
	"id":         "peer.id",
	"username":   "peer.username",
	"avatar":     "peer.avatar",
	"connect":    "connect",
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults. Flags that
// were set on the command line win over the file.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "5s")
	v.SetDefault("signal.url", "wss://0.peerjs.com/peerjs")
	v.SetDefault("signal.key", "peerjs")
	v.SetDefault("peer.username", "guest")
	v.SetDefault("ice.stun", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ice.gather_timeout", "10s")
	v.SetDefault("ice.offer_limit", 10)
	v.SetDefault("ice.offer_interval", "1m")
	v.SetDefault("capture.audio_level_ext_id", 1)
	v.SetDefault("capture.screen_idle", "3s")
	v.SetDefault("voice.activity_threshold", 30)
	v.SetDefault("voice.sample_interval", "16ms")

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("signal", cfg.Signal.URL).Msg("config ready")
	return &cfg, nil
}
