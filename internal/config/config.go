package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ChatURL        string   `envconfig:"CHAT_URL" default:"ws://pogovorisomnoi.ru:8008/chat"`
	ProxySourceURL string   `envconfig:"PROXY_SOURCE_URL" default:"https://free-proxy-list.net/"`
	ProxyRotate    bool     `envconfig:"PROXY_ROTATE" default:"true"`
	Identities     []string `envconfig:"IDENTITIES" default:"you,me"`

	// Relay timing
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"5s"`
	LoopWindow        time.Duration `envconfig:"LOOP_WINDOW" default:"10ms"`
	DialTimeout       time.Duration `envconfig:"DIAL_TIMEOUT" default:"15s"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"5s"`

	// Resilience
	LoopDetection          bool `envconfig:"LOOP_DETECTION" default:"true"`
	ReconnectOnSendFailure bool `envconfig:"RECONNECT_ON_SEND_FAILURE" default:"true"`
	SendFailureLimit       int  `envconfig:"SEND_FAILURE_LIMIT" default:"3"`
	ReconnectOnFault       bool `envconfig:"RECONNECT_ON_FAULT" default:"true"`

	// Proxy ledger
	DatabasePath   string        `envconfig:"DATABASE_PATH" default:"data/chat-bridge.db"`
	BanCooldown    time.Duration `envconfig:"BAN_COOLDOWN" default:"6h"`
	LeaseRetention time.Duration `envconfig:"LEASE_RETENTION" default:"168h"`
	PruneSchedule  string        `envconfig:"PRUNE_SCHEDULE" default:"@every 1h"`

	StatusAddr string `envconfig:"STATUS_ADDR" default:""`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	LogPath    string `envconfig:"LOG_PATH" default:""`
	TraitsPath string `envconfig:"TRAITS_PATH" default:""`

	// Traits is filled from TraitsPath, or from DefaultTraits when unset.
	Traits Traits `ignored:"true"`
}

var Cfg Settings

// Load reads CHAT_BRIDGE_* environment variables and the traits file.
func Load() error {
	var s Settings
	if err := envconfig.Process("CHAT_BRIDGE", &s); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	traits := DefaultTraits()
	if s.TraitsPath != "" {
		var err error
		if traits, err = LoadTraits(s.TraitsPath); err != nil {
			return err
		}
	}
	s.Traits = traits
	if err := s.Validate(); err != nil {
		return err
	}
	Cfg = s
	return nil
}

// Validate checks settings that have no safe fallback.
func (s *Settings) Validate() error {
	if len(s.Identities) != 2 {
		return fmt.Errorf("config: exactly two identities required, got %d", len(s.Identities))
	}
	if s.Identities[0] == "" || s.Identities[0] == s.Identities[1] {
		return fmt.Errorf("config: identities must be distinct and non-empty: %q", s.Identities)
	}
	if s.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat interval must be positive, got %s", s.HeartbeatInterval)
	}
	if s.LoopWindow < 0 {
		return fmt.Errorf("config: loop window must not be negative, got %s", s.LoopWindow)
	}
	if s.SendFailureLimit < 1 {
		return fmt.Errorf("config: send failure limit must be at least 1, got %d", s.SendFailureLimit)
	}
	return nil
}
