package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds the platform-specific locations portal reads from.
type Paths struct {
	ConfigDir  string // ~/.config/portal or equivalent
	ConfigFile string // ~/.config/portal/config.toml
}

// GetPaths returns platform-specific paths. PORTAL_CONFIG_DIR overrides
// the directory, which is useful for running several peers on one host.
func GetPaths() (*Paths, error) {
	var configDir string

	if dir := os.Getenv("PORTAL_CONFIG_DIR"); dir != "" {
		configDir = dir
	} else {
		switch runtime.GOOS {
		case "linux", "darwin":
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config", "portal")

		case "windows":
			appData := os.Getenv("APPDATA")
			if appData == "" {
				return nil, fmt.Errorf("APPDATA environment variable not set")
			}
			configDir = filepath.Join(appData, "portal")

		default:
			return nil, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
		}
	}

	return &Paths{
		ConfigDir:  configDir,
		ConfigFile: filepath.Join(configDir, "config.toml"),
	}, nil
}

// EnsureDirectories creates the config directory.
func (p *Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0700); err != nil {
		return fmt.Errorf("create directory %s: %w", p.ConfigDir, err)
	}
	return nil
}
