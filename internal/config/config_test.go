package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[peer]
id = "A"
relay_url = "ws://relay.lan:8470"
write_timeout = "5s"

[relay]
listen = ":9000"
mdns = false

[logging]
level = "debug"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Peer.ID != "A" || cfg.Peer.RelayURL != "ws://relay.lan:8470" {
		t.Errorf("peer = %+v", cfg.Peer)
	}
	if cfg.Peer.WriteTimeout.Duration != 5*time.Second {
		t.Errorf("write_timeout = %s, want 5s", cfg.Peer.WriteTimeout)
	}
	if cfg.Peer.JoinTimeout.Duration != 7*time.Second {
		t.Errorf("join_timeout = %s, want default 7s", cfg.Peer.JoinTimeout)
	}
	if cfg.Relay.Listen != ":9000" || cfg.Relay.MDNS {
		t.Errorf("relay = %+v", cfg.Relay)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}

	opts := cfg.Peer.Options()
	if opts.WriteTimeout != 5*time.Second || opts.RequestTimeout != 10*time.Second {
		t.Errorf("options = %+v", opts)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	os.WriteFile(path, []byte("[peer]\njoin_timeout = \"soon\"\n"), 0600)

	if _, err := LoadFrom(path); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Errorf("LoadFrom err = %v, want parse error", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Default()
	cfg.Peer.ID = "B"
	cfg.Peer.LivenessInterval = Duration{500 * time.Millisecond}

	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}
	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), `liveness_interval = "500ms"`) {
		t.Errorf("saved file:\n%s", raw)
	}

	got, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"relay url scheme", func(c *Config) { c.Peer.RelayURL = "http://relay" }},
		{"negative timeout", func(c *Config) { c.Peer.WriteTimeout = Duration{-time.Second} }},
		{"negative burst", func(c *Config) { c.Relay.PeerBurst = -1 }},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}

func TestGetPathsHonoursOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PORTAL_CONFIG_DIR", dir)

	p, err := GetPaths()
	if err != nil {
		t.Fatalf("GetPaths: %v", err)
	}
	if p.ConfigFile != filepath.Join(dir, "config.toml") {
		t.Errorf("ConfigFile = %s", p.ConfigFile)
	}
}

func TestRelayLimits(t *testing.T) {
	got := Default().Relay.Limits()
	if got.PeerBurst != 100 || got.MaxFrameSize != 512*1024 {
		t.Errorf("limits = %+v", got)
	}
}
