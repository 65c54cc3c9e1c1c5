package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	// Set via ldflags
	commit    = "unknown"
	buildDate = "unknown"

	// Flags
	versionFull bool
)

// SetBuildInfo sets build information from ldflags
func SetBuildInfo(c, d string) {
	commit = c
	buildDate = d
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionFull, "full", false, "print commit, build date and Go version")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run:   runVersion,
}

func runVersion(cmd *cobra.Command, args []string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "portal version %s\n", version)

	if versionFull {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  Commit:     %s\n", buildSetting("vcs.revision", commit, 8))
		fmt.Fprintf(out, "  Built:      %s\n", buildSetting("vcs.time", buildDate, 0))
		fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
		fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	}
}

// buildSetting prefers the ldflags value, then the VCS stamp in the build
// info, truncated to max runes when max > 0.
func buildSetting(key, ldflag string, max int) string {
	if ldflag != "unknown" {
		return ldflag
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == key {
				if max > 0 && len(s.Value) > max {
					return s.Value[:max]
				}
				return s.Value
			}
		}
	}
	return "unknown"
}
