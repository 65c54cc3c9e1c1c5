package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the mDNS service type relays advertise.
	ServiceType = "_portal._tcp"

	// ServiceDomain is the mDNS domain.
	ServiceDomain = "local."
)

// Advertiser announces a relay on the local network.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers a relay listening on port under instance. An empty
// instance uses the sanitized host name.
func Advertise(instance string, port int) (*Advertiser, error) {
	if instance == "" {
		instance = hostInstance()
	}
	server, err := zeroconf.Register(instance, ServiceType, ServiceDomain, port, advertisedText(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	slog.Info("mDNS service registered", "instance", instance, "port", port)
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the advertisement.
func (a *Advertiser) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
		slog.Info("mDNS service stopped")
	}
}

func advertisedText() []string {
	return []string{"v=1", "path=/rooms"}
}

// Endpoint is a relay found on the local network.
type Endpoint struct {
	Instance string
	Host     string
	Port     int
}

// URL returns the websocket base address of the relay.
func (e Endpoint) URL() string {
	return "ws://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Discover browses for relays until ctx ends or wait elapses.
func Discover(ctx context.Context, wait time.Duration) ([]Endpoint, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan []Endpoint, 1)
	go func() {
		var out []Endpoint
		for entry := range entries {
			if ep, ok := endpointFrom(entry); ok {
				slog.Debug("mDNS discovered relay", "instance", ep.Instance, "addr", ep.URL())
				out = append(out, ep)
			}
		}
		found <- out
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}
	<-ctx.Done()
	return <-found, nil
}

func endpointFrom(entry *zeroconf.ServiceEntry) (Endpoint, bool) {
	relay := false
	for _, txt := range entry.Text {
		if txt == "path=/rooms" {
			relay = true
		}
	}
	if !relay {
		return Endpoint{}, false
	}

	host := strings.TrimSuffix(entry.HostName, ".")
	if len(entry.AddrIPv4) > 0 {
		host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		host = entry.AddrIPv6[0].String()
	}
	if host == "" {
		return Endpoint{}, false
	}
	return Endpoint{Instance: entry.Instance, Host: host, Port: entry.Port}, true
}

// hostInstance returns the host name reduced to characters mDNS accepts.
func hostInstance() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "portal-relay"
	}

	var b strings.Builder
	for _, c := range strings.ToLower(hostname) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return "portal-relay"
	}
	return b.String() + "-relay"
}
