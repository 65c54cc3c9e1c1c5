package relay

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestEndpointFrom(t *testing.T) {
	entry := zeroconf.NewServiceEntry("lab-relay", ServiceType, ServiceDomain)
	entry.HostName = "lab.local."
	entry.Port = 8470
	entry.Text = advertisedText()

	ep, ok := endpointFrom(entry)
	if !ok {
		t.Fatal("relay entry not recognised")
	}
	if ep.URL() != "ws://lab.local:8470" {
		t.Errorf("URL = %s", ep.URL())
	}

	entry.AddrIPv4 = []net.IP{net.IPv4(192, 168, 1, 20)}
	ep, _ = endpointFrom(entry)
	if ep.URL() != "ws://192.168.1.20:8470" {
		t.Errorf("URL with address = %s", ep.URL())
	}

	entry.AddrIPv4 = nil
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	ep, _ = endpointFrom(entry)
	if ep.URL() != "ws://[fe80::1]:8470" {
		t.Errorf("URL with v6 address = %s", ep.URL())
	}

	other := zeroconf.NewServiceEntry("printer", ServiceType, ServiceDomain)
	other.HostName = "printer.local."
	if _, ok := endpointFrom(other); ok {
		t.Error("entry without relay path accepted")
	}
}
