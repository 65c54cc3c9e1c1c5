package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"portal.dev/go/portal"
	"portal.dev/go/portal/internal/events"
	"portal.dev/go/portal/internal/relay"
	"portal.dev/go/portal/internal/tui"
	"portal.dev/go/portal/transport/wsrelay"
)

var (
	joinKeysFlag   []string
	joinPeerFlag   string
	joinRelayFlag  string
	joinEventsFlag string
)

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringSliceVar(&joinKeysFlag, "keys", nil, "keys that may be written through the room (default: any)")
	joinCmd.Flags().StringVar(&joinPeerFlag, "peer", "", "peer id to join as (default from config, else random)")
	joinCmd.Flags().StringVar(&joinRelayFlag, "relay", "", "relay url, e.g. ws://localhost:8470")
	joinCmd.Flags().StringVar(&joinEventsFlag, "events-addr", "", "serve the event stream over websocket on this address")
}

var joinCmd = &cobra.Command{
	Use:   "join <room>",
	Short: "Join a room and read or write keys interactively",
	Long: `Join a room on a relay and run an interactive session.

Committed writes and membership changes are printed as they happen. Type
'help' for the list of commands.

Examples:
  portal join alpha --keys score,name
  portal join alpha --peer A --relay ws://relay.lan:8470
  portal join alpha --events-addr :8471`,
	Args: cobra.ExactArgs(1),
	RunE: runJoin,
}

func runJoin(cmd *cobra.Command, args []string) error {
	room := args[0]

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	peer := joinPeerFlag
	if peer == "" {
		peer = cfg.Peer.ID
	}
	if peer == "" {
		peer = strings.SplitN(uuid.NewString(), "-", 2)[0]
	}

	relayURL, err := resolveRelay(ctx)
	if err != nil {
		return err
	}

	sys := portal.New(wsrelay.New(relayURL, peer), cfg.Peer.Options())
	defer sys.Close()

	out := cmd.OutOrStdout()
	con := newConsole(sys, room, out)
	untap := sys.Tap(con.event)
	defer untap()

	eventsAddr := joinEventsFlag
	if eventsAddr == "" {
		eventsAddr = cfg.Peer.EventsAddr
	}
	if eventsAddr != "" {
		shutdown, err := serveEvents(sys, eventsAddr)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	if err := sys.Start(ctx); err != nil {
		return err
	}
	if err := sys.OpenChannel(ctx, room, joinKeysFlag...); err != nil {
		return err
	}
	fmt.Fprintf(out, "joining %s as %s via %s\n", room, peer, relayURL)

	interactive := tui.IsStdinTerminal() && tui.IsStdoutTerminal()
	if interactive {
		fmt.Fprintln(out, "type 'help' for commands")
	}

	done := make(chan error, 1)
	go func() { done <- con.run(ctx, os.Stdin, interactive) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return nil
	}
}

// resolveRelay picks the relay from the flag, the config, or mDNS.
func resolveRelay(ctx context.Context) (string, error) {
	if joinRelayFlag != "" {
		return joinRelayFlag, nil
	}
	if !cfg.Peer.Discover && cfg.Peer.RelayURL != "" {
		return cfg.Peer.RelayURL, nil
	}

	found, err := relay.Discover(ctx, 3*time.Second)
	if err != nil {
		slog.Warn("Relay discovery failed", "error", err)
	}
	if len(found) > 0 {
		slog.Info("Using discovered relay", "instance", found[0].Instance, "url", found[0].URL())
		return found[0].URL(), nil
	}
	if cfg.Peer.RelayURL != "" {
		return cfg.Peer.RelayURL, nil
	}
	return "", errors.New("no relay configured or discovered; use --relay")
}

// serveEvents streams every event of sys to websocket clients at addr.
func serveEvents(sys *portal.System, addr string) (func(), error) {
	hub := events.NewHub(sys)
	go hub.Run()

	mux := http.NewServeMux()
	mux.Handle("GET /events", hub)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		hub.Stop()
		return nil, fmt.Errorf("serve events on %s: %w", addr, err)
	case <-time.After(100 * time.Millisecond):
	}
	slog.Info("Event stream listening", "addr", addr, "path", "/events")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		hub.Stop()
	}, nil
}
