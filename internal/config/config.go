package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	LogLevel   string        `mapstructure:"log_level"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	Signaling SignalingConfig `mapstructure:"signaling"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	RTC       RTCConfig       `mapstructure:"rtc"`
	Store     StoreConfig     `mapstructure:"store"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
}

// SignalingConfig points sessions at the relay. An empty URL keeps the relay in process.
type SignalingConfig struct {
	URL          string        `mapstructure:"url"`
	Secret       string        `mapstructure:"secret"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

type ReconnectConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Base     time.Duration `mapstructure:"base"`
	Max      time.Duration `mapstructure:"max"`
}

type RTCConfig struct {
	ICEServers         []string      `mapstructure:"ice_servers"`
	ICEUsername        string        `mapstructure:"ice_username"`
	ICECredential      string        `mapstructure:"ice_credential"`
	UDPPortMin         uint16        `mapstructure:"udp_port_min"`
	UDPPortMax         uint16        `mapstructure:"udp_port_max"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	DatabaseURL string `mapstructure:"database_url"`
}

type RealtimeConfig struct {
	Driver   string `mapstructure:"driver"`
	RedisURL string `mapstructure:"redis_url"`
}

// RelaySecret is the key relay tokens are signed with.
func (c *Config) RelaySecret() []byte {
	if c.Signaling.Secret != "" {
		return []byte(c.Signaling.Secret)
	}
	return []byte(c.Secret)
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url is required for postgres")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Realtime.Driver {
	case "memory":
	case "redis":
		if c.Realtime.RedisURL == "" {
			return fmt.Errorf("realtime.redis_url is required for redis")
		}
	default:
		return fmt.Errorf("unknown realtime.driver %q", c.Realtime.Driver)
	}
	if c.Secret == "" {
		return fmt.Errorf("secret must be set")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")

	v.SetDefault("signaling.url", "")
	v.SetDefault("signaling.secret", "")
	v.SetDefault("signaling.send_buffer", 64)
	v.SetDefault("signaling.rate_limit", 50)
	v.SetDefault("signaling.rate_interval", "1s")

	v.SetDefault("reconnect.attempts", 3)
	v.SetDefault("reconnect.base", "2s")
	v.SetDefault("reconnect.max", "30s")

	v.SetDefault("rtc.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("rtc.ice_username", "")
	v.SetDefault("rtc.ice_credential", "")
	v.SetDefault("rtc.udp_port_min", 0)
	v.SetDefault("rtc.udp_port_max", 0)
	v.SetDefault("rtc.negotiation_timeout", "15s")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.database_url", "")
	v.SetDefault("realtime.driver", "memory")
	v.SetDefault("realtime.redis_url", "")
}

// Load reads .env, then config/config.<CONFIG_ENV>.yaml, then SPACES_* variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Info().Str("module", "config").Msg("loaded .env")
	}

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

	v.SetEnvPrefix("SPACES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("store", cfg.Store.Driver).
		Str("realtime", cfg.Realtime.Driver).
		Msg("config ready")
	return &cfg, nil
}
