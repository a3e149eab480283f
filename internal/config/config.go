package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	ListenAddr    string `envconfig:"LISTEN_ADDR" default:":8080"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	AuthMode      string `envconfig:"AUTH_MODE" default:"hmac"`
	JWTSecret     string `envconfig:"JWT_SECRET"`
	CacheProvider string `envconfig:"CACHE_PROVIDER" default:"postgres"`
	RedisURL      string `envconfig:"REDIS_URL"`
	PublicWSBase  string `envconfig:"PUBLIC_WS_BASE"`

	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`

	CacheTTL              time.Duration `envconfig:"CACHE_TTL" default:"1h"`
	AdmitTimeout          time.Duration `envconfig:"ADMIT_TIMEOUT" default:"10s"`
	HeartbeatInterval     time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s"`
	StaleParticipantAfter time.Duration `envconfig:"STALE_PARTICIPANT_AFTER" default:"5m"`

	EventQueueSize int     `envconfig:"EVENT_QUEUE_SIZE" default:"4096"`
	PeerSendBuffer int     `envconfig:"PEER_SEND_BUFFER" default:"256"`
	MaxFrameBytes  int64   `envconfig:"MAX_FRAME_BYTES" default:"1048576"`
	InputRateLimit float64 `envconfig:"INPUT_RATE_LIMIT" default:"200"`
	InputRateBurst int     `envconfig:"INPUT_RATE_BURST" default:"200"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("LIVETERM", &cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("LIVETERM_DATABASE_URL is required")
	}
	switch c.AuthMode {
	case "hmac":
		if c.JWTSecret == "" {
			return fmt.Errorf("LIVETERM_JWT_SECRET is required for hmac auth mode")
		}
	case "unverified":
	default:
		return fmt.Errorf("LIVETERM_AUTH_MODE must be one of hmac|unverified")
	}
	switch c.CacheProvider {
	case "postgres":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("LIVETERM_REDIS_URL is required for redis cache provider")
		}
	default:
		return fmt.Errorf("LIVETERM_CACHE_PROVIDER must be one of postgres|redis")
	}
	if c.AdmitTimeout <= 0 {
		return fmt.Errorf("LIVETERM_ADMIT_TIMEOUT must be positive")
	}
	// the stale sweep closes rows not seen within StaleParticipantAfter, and
	// heartbeats are what keep a live connection's row fresh.
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.StaleParticipantAfter {
		return fmt.Errorf("LIVETERM_HEARTBEAT_INTERVAL must be positive and shorter than LIVETERM_STALE_PARTICIPANT_AFTER")
	}
	if c.EventQueueSize <= 0 || c.PeerSendBuffer <= 0 {
		return fmt.Errorf("LIVETERM_EVENT_QUEUE_SIZE and LIVETERM_PEER_SEND_BUFFER must be positive")
	}
	return nil
}
