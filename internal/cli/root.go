package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"portal.dev/go/portal/internal/config"
	"portal.dev/go/portal/internal/logging"
)

var (
	version    = "dev"
	cfgFile    string
	verboseLog bool

	// Loaded before any subcommand runs.
	cfg    *config.Config
	logBuf *logging.Buffer
)

func SetVersion(v string) {
	version = v
}

// RootCmd is the root command, exported for documentation generation
var RootCmd = &cobra.Command{
	Use:   "portal",
	Short: "Peer-replicated key/value channels",
	Long: `portal - Peer-replicated key/value channels

Peers meet in named rooms on a relay. A value written to a key is applied
only after every peer in the room has accepted it.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

// For internal use, keep an alias
var rootCmd = RootCmd

func Execute() error {
	return RootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.config/portal/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verboseLog, "verbose", "v", false, "verbose output")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadFrom(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if verboseLog {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logBuf = logging.NewBuffer(cfg.Relay.LogBuffer)
	return logging.Setup(os.Stderr, cfg.Logging.Level, cfg.Logging.Format, logBuf)
}
