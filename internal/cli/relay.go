package cli

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"portal.dev/go/portal/internal/relay"
	"portal.dev/go/portal/internal/telemetry"
)

var (
	relayListenFlag string
	relayNoMDNSFlag bool
)

func init() {
	rootCmd.AddCommand(relayCmd)

	relayCmd.Flags().StringVar(&relayListenFlag, "listen", "", "address to listen on (default from config, :8470)")
	relayCmd.Flags().BoolVar(&relayNoMDNSFlag, "no-mdns", false, "do not advertise the relay on the local network")
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a relay server",
	Long: `Run a relay server that peers join rooms on.

The relay serves:
  /rooms/{room}?peer={id}   websocket room membership and forwarding
  /healthz                  health check
  /metrics                  Prometheus metrics
  /logs                     recent log entries

Examples:
  portal relay
  portal relay --listen :9000 --no-mdns`,
	Args: cobra.NoArgs,
	RunE: runRelay,
}

func runRelay(cmd *cobra.Command, args []string) error {
	listen := cfg.Relay.Listen
	if relayListenFlag != "" {
		listen = relayListenFlag
	}

	l, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listen, err)
	}

	if cfg.Relay.MDNS && !relayNoMDNSFlag {
		port := l.Addr().(*net.TCPAddr).Port
		adv, err := relay.Advertise(cfg.Relay.Instance, port)
		if err != nil {
			slog.Warn("Failed to start mDNS advertising", "error", err)
		} else {
			defer adv.Shutdown()
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := relay.NewServer(relay.Options{
		Limits:  cfg.Relay.Limits(),
		Metrics: telemetry.New(),
		Logs:    logBuf,
	})
	return srv.Serve(ctx, l)
}
