package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	StaticPath     string        `mapstructure:"static_path"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	Secret         string        `mapstructure:"secret"`

	Log    LogConfig    `mapstructure:"log"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Room   RoomConfig   `mapstructure:"room"`
	Signal SignalConfig `mapstructure:"signal"`
	Media  MediaConfig  `mapstructure:"media"`
	PubSub PubSubConfig `mapstructure:"pubsub"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type AuthConfig struct {
	Secret        string        `mapstructure:"secret"`
	Issuer        string        `mapstructure:"issuer"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	AttemptWindow time.Duration `mapstructure:"attempt_window"`
}

type RoomConfig struct {
	VideoAllowed bool `mapstructure:"video_allowed"`
}

type SignalConfig struct {
	// SlowPolicy is what happens to a member whose queue is full:
	// "kick", "drop" or "none".
	SlowPolicy string `mapstructure:"slow_policy"`
}

type MediaConfig struct {
	ICEServers []string `mapstructure:"ice_servers"`
	UDPPortMin uint16   `mapstructure:"udp_port_min"`
	UDPPortMax uint16   `mapstructure:"udp_port_max"`
}

type PubSubConfig struct {
	// Driver is "redis" or empty for no mirror.
	Driver  string      `mapstructure:"driver"`
	Channel string      `mapstructure:"channel"`
	Buffer  int         `mapstructure:"buffer"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("command_timeout", "15s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)

	v.SetDefault("auth.issuer", "roomsignal")
	v.SetDefault("auth.max_attempts", 5)
	v.SetDefault("auth.attempt_window", "1m")

	v.SetDefault("room.video_allowed", true)
	v.SetDefault("signal.slow_policy", "kick")

	v.SetDefault("media.ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("pubsub.channel", "roomsignal")
	v.SetDefault("pubsub.buffer", 256)
	v.SetDefault("pubsub.redis.address", "localhost:6379")
}

func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile reads fileName over the defaults. A missing file is not an error.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	setDefaults(v)

	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("secret", "SECRET")
	_ = v.BindEnv("auth.secret", "AUTH_SECRET")
	_ = v.BindEnv("pubsub.redis.address", "REDIS_ADDRESS")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return errors.New("auth.secret is required (or AUTH_SECRET)")
	}
	if c.Secret == "" {
		c.Secret = c.Auth.Secret
	}
	if c.Media.UDPPortMin > c.Media.UDPPortMax {
		return fmt.Errorf("media.udp_port_min %d > udp_port_max %d", c.Media.UDPPortMin, c.Media.UDPPortMax)
	}
	switch c.PubSub.Driver {
	case "", "redis":
	default:
		return fmt.Errorf("unknown pubsub.driver %q", c.PubSub.Driver)
	}
	return nil
}
