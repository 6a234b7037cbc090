package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type StoreConfig struct {
	Driver  string        `mapstructure:"driver"`
	DSN     string        `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LimitConfig struct {
	Max    int           `mapstructure:"max"`
	Window time.Duration `mapstructure:"window"`
}

type LimitsConfig struct {
	Connect LimitConfig `mapstructure:"connect"`
	Message LimitConfig `mapstructure:"message"`
}

type CallConfig struct {
	RingTimeout time.Duration `mapstructure:"ring_timeout"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type Config struct {
	Mode           string        `mapstructure:"mode"`
	Port           int           `mapstructure:"port"`
	StaticPath     string        `mapstructure:"static_path"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	Secret         string        `mapstructure:"secret"`
	LogLevel       string        `mapstructure:"log_level"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	DefaultChannel string        `mapstructure:"default_channel"`
	HistoryPage    int           `mapstructure:"history_page"`
	Store          StoreConfig   `mapstructure:"store"`
	Limits         LimitsConfig  `mapstructure:"limits"`
	Call           CallConfig    `mapstructure:"call"`
	ICEServers     []ICEServer   `mapstructure:"ice_servers"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// WebRTCICEServers converts the configured servers into the shape browsers
// expect in an RTCConfiguration.
func (c *Config) WebRTCICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, srv)
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("log_level", "info")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("default_channel", "c1")
	v.SetDefault("history_page", 50)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "./huddle.db")
	v.SetDefault("store.timeout", "5s")
	v.SetDefault("limits.connect.max", 100)
	v.SetDefault("limits.connect.window", "60s")
	v.SetDefault("limits.message.max", 30)
	v.SetDefault("limits.message.window", "60s")
	v.SetDefault("call.ring_timeout", "45s")
	v.SetDefault("ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})
}

// Load reads config/config.<CONFIG_ENV>.yaml, falling back to defaults when
// the file is missing. HUDDLE_* environment variables override both.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("HUDDLE")
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
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("store", cfg.Store.Driver).Msg("config ready")
	return &cfg, nil
}

// insecureSecret is the placeholder from older sample configs. It is never
// used to sign sessions.
const insecureSecret = "change-me"

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.DefaultChannel == "" {
		return errors.New("default_channel must not be empty")
	}
	if c.Limits.Connect.Window <= 0 || c.Limits.Message.Window <= 0 {
		return errors.New("rate limit windows must be positive")
	}
	if c.Secret == "" || c.Secret == insecureSecret {
		secret, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generate session secret: %w", err)
		}
		c.Secret = secret
		log.Warn().Str("module", "config").Msg("no session secret configured, generated one; sessions will not survive a restart")
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.HistoryPage <= 0 {
		c.HistoryPage = 50
	}
	return nil
}
