// Package config holds the configuration of the call client and the relay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MediaMode selects what a participant sends.
type MediaMode string

const (
	MediaTestPattern MediaMode = "test-pattern"
	MediaAudioOnly   MediaMode = "audio-only"
	MediaNone        MediaMode = "none"
)

// Config stores all parameters from the config file, environment and flags.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Call      CallConfig      `yaml:"call"`
	Transport TransportConfig `yaml:"transport"`
	ICE       ICEConfig       `yaml:"ice"`
	Relay     RelayConfig     `yaml:"relay"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// CallConfig describes the participant side of a call.
type CallConfig struct {
	RelayURL      string        `yaml:"relay_url"`
	SessionID     string        `yaml:"session_id"`
	UserID        string        `yaml:"user_id"`
	Media         MediaMode     `yaml:"media"`
	LeaveGrace    time.Duration `yaml:"leave_grace"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// TransportConfig tunes the signaling connection.
type TransportConfig struct {
	DisableReconnect  bool          `yaml:"disable_reconnect"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	MaxRetries        int           `yaml:"max_retries"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// ICEConfig lists the STUN servers and where relay credentials come from.
type ICEConfig struct {
	STUNServers     []string `yaml:"stun_servers"`
	CredentialsURL  string   `yaml:"credentials_url"`
	IncludeLoopback bool     `yaml:"include_loopback"`
}

// RelayConfig represents the signaling relay server.
type RelayConfig struct {
	Listen          string        `yaml:"listen"`
	PongWait        time.Duration `yaml:"pong_wait"`
	WriteWait       time.Duration `yaml:"write_wait"`
	ReadLimit       int64         `yaml:"read_limit"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Call: CallConfig{
			RelayURL:      "ws://localhost:8080",
			Media:         MediaTestPattern,
			LeaveGrace:    300 * time.Millisecond,
			StatsInterval: time.Second,
		},
		Transport: TransportConfig{
			BaseDelay:         2 * time.Second,
			MaxDelay:          30 * time.Second,
			MaxRetries:        10,
			HeartbeatInterval: 10 * time.Second,
		},
		ICE: ICEConfig{
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
		Relay: RelayConfig{
			Listen:          ":8080",
			PongWait:        90 * time.Second,
			WriteWait:       10 * time.Second,
			ReadLimit:       5 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvironmentOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnvironmentOverrides(config *Config) {
	if v := os.Getenv("PEERCALL_RELAY_URL"); v != "" {
		config.Call.RelayURL = v
	}
	if v := os.Getenv("PEERCALL_SESSION"); v != "" {
		config.Call.SessionID = v
	}
	if v := os.Getenv("PEERCALL_USER"); v != "" {
		config.Call.UserID = v
	}
	if v := os.Getenv("PEERCALL_MEDIA"); v != "" {
		config.Call.Media = MediaMode(v)
	}
	if v := os.Getenv("PEERCALL_LISTEN"); v != "" {
		config.Relay.Listen = v
	}
	if v := os.Getenv("PEERCALL_LOG_LEVEL"); v != "" {
		config.Log.Level = v
	}
	if v := os.Getenv("PEERCALL_CREDENTIALS_URL"); v != "" {
		config.ICE.CredentialsURL = v
	}
	if v := os.Getenv("PEERCALL_ALLOWED_ORIGINS"); v != "" {
		config.Relay.AllowedOrigins = strings.Split(v, ",")
	}
}

// Validate checks value ranges. Session and user ids are not required here;
// the CLI prompts for them.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}

	switch c.Call.Media {
	case MediaTestPattern, MediaAudioOnly, MediaNone:
	default:
		errs = append(errs, fmt.Errorf("call.media: unknown mode %q", c.Call.Media))
	}
	if c.Call.LeaveGrace < 0 {
		errs = append(errs, errors.New("call.leave_grace must not be negative"))
	}

	if c.Transport.BaseDelay <= 0 {
		errs = append(errs, errors.New("transport.base_delay must be positive"))
	}
	if c.Transport.MaxDelay < c.Transport.BaseDelay {
		errs = append(errs, errors.New("transport.max_delay must be at least base_delay"))
	}
	if c.Transport.MaxRetries < 1 {
		errs = append(errs, errors.New("transport.max_retries must be at least 1 (set transport.disable_reconnect to turn retries off)"))
	}
	if c.Transport.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("transport.heartbeat_interval must be positive"))
	}

	if c.Relay.PongWait <= 0 || c.Relay.WriteWait <= 0 {
		errs = append(errs, errors.New("relay.pong_wait and relay.write_wait must be positive"))
	}
	if c.Relay.ReadLimit <= 0 {
		errs = append(errs, errors.New("relay.read_limit must be positive"))
	}

	return errors.Join(errs...)
}
