package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"portal.dev/go/portal"
	"portal.dev/go/portal/internal/relay"
)

// Config represents the portal configuration file
type Config struct {
	Peer    PeerConfig    `toml:"peer"`
	Relay   RelayConfig   `toml:"relay"`
	Logging LoggingConfig `toml:"logging"`
}

// PeerConfig contains settings for joining rooms
type PeerConfig struct {
	ID       string `toml:"id"`
	RelayURL string `toml:"relay_url"`
	Discover bool   `toml:"discover"` // find a relay via mDNS when relay_url is empty

	JoinTimeout      Duration `toml:"join_timeout"`
	RequestTimeout   Duration `toml:"request_timeout"`
	WriteTimeout     Duration `toml:"write_timeout"`
	LivenessInterval Duration `toml:"liveness_interval"`

	EventsAddr string `toml:"events_addr"`
}

// RelayConfig contains relay server settings
type RelayConfig struct {
	Listen   string `toml:"listen"`
	MDNS     bool   `toml:"mdns"`
	Instance string `toml:"instance"`

	PeerFramesPerSecond   float64 `toml:"peer_frames_per_second"`
	PeerBurst             int     `toml:"peer_burst"`
	GlobalFramesPerSecond float64 `toml:"global_frames_per_second"`
	GlobalBurst           int     `toml:"global_burst"`
	MaxFrameSize          int     `toml:"max_frame_size"`

	LogBuffer int `toml:"log_buffer"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// Duration is a time.Duration written as a string such as "7s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns a config with sensible defaults
func Default() *Config {
	opts := portal.DefaultOptions()
	limits := relay.DefaultLimits()
	return &Config{
		Peer: PeerConfig{
			RelayURL:         "ws://localhost:8470",
			JoinTimeout:      Duration{opts.JoinTimeout},
			RequestTimeout:   Duration{opts.RequestTimeout},
			WriteTimeout:     Duration{opts.WriteTimeout},
			LivenessInterval: Duration{opts.LivenessInterval},
		},
		Relay: RelayConfig{
			Listen:                ":8470",
			MDNS:                  true,
			PeerFramesPerSecond:   limits.PeerFramesPerSecond,
			PeerBurst:             limits.PeerBurst,
			GlobalFramesPerSecond: limits.GlobalFramesPerSecond,
			GlobalBurst:           limits.GlobalBurst,
			MaxFrameSize:          limits.MaxFrameSize,
			LogBuffer:             2000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads the configuration from the default config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}
	return LoadFrom(paths.ConfigFile)
}

// LoadFrom loads the configuration from a specific file. A missing file
// yields the defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveTo saves the configuration to a specific file
func (c *Config) SaveTo(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Peer.RelayURL != "" {
		u, err := url.Parse(c.Peer.RelayURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("invalid relay url: %q", c.Peer.RelayURL)
		}
	}

	for name, d := range map[string]Duration{
		"join_timeout":      c.Peer.JoinTimeout,
		"request_timeout":   c.Peer.RequestTimeout,
		"write_timeout":     c.Peer.WriteTimeout,
		"liveness_interval": c.Peer.LivenessInterval,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("invalid %s: %s", name, d)
		}
	}

	if c.Relay.MaxFrameSize < 0 || c.Relay.PeerBurst < 0 || c.Relay.GlobalBurst < 0 {
		return fmt.Errorf("relay limits must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// Options converts the peer section into portal options. Zero durations
// keep portal's defaults.
func (p PeerConfig) Options() portal.Options {
	opts := portal.DefaultOptions()
	if p.JoinTimeout.Duration > 0 {
		opts.JoinTimeout = p.JoinTimeout.Duration
	}
	if p.RequestTimeout.Duration > 0 {
		opts.RequestTimeout = p.RequestTimeout.Duration
	}
	if p.WriteTimeout.Duration > 0 {
		opts.WriteTimeout = p.WriteTimeout.Duration
	}
	if p.LivenessInterval.Duration > 0 {
		opts.LivenessInterval = p.LivenessInterval.Duration
	}
	return opts
}

// Limits converts the relay section into rate limits.
func (r RelayConfig) Limits() relay.Limits {
	return relay.Limits{
		PeerFramesPerSecond:   r.PeerFramesPerSecond,
		PeerBurst:             r.PeerBurst,
		GlobalFramesPerSecond: r.GlobalFramesPerSecond,
		GlobalBurst:           r.GlobalBurst,
		MaxFrameSize:          r.MaxFrameSize,
	}
}
