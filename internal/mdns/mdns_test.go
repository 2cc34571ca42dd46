package mdns

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestNewAdvertiser(t *testing.T) {
	advertiser := NewAdvertiser(Config{Port: 2665, Name: "test-relay", TLS: true})
	if advertiser == nil {
		t.Fatal("NewAdvertiser returned nil")
	}
	if advertiser.config.Port != 2665 {
		t.Errorf("expected port 2665, got %d", advertiser.config.Port)
	}
	if advertiser.IsRunning() {
		t.Error("advertiser should not be running before Start()")
	}
}

func TestTXTRecords(t *testing.T) {
	plain := NewAdvertiser(Config{Port: 2665}).txtRecords("desk")
	want := []string{"version=1", "name=desk", "scheme=http"}
	for i := range want {
		if plain[i] != want[i] {
			t.Errorf("txt[%d] = %q, want %q", i, plain[i], want[i])
		}
	}

	secure := NewAdvertiser(Config{Port: 2665, TLS: true}).txtRecords("desk")
	if secure[2] != "scheme=https" {
		t.Errorf("scheme record = %q, want https", secure[2])
	}
}

func TestAdvertiserMultipleStops(t *testing.T) {
	advertiser := NewAdvertiser(Config{Port: 2665})

	// Stop before start and repeated stops are no-ops.
	advertiser.Stop()
	advertiser.Stop()

	if advertiser.IsRunning() {
		t.Error("advertiser should not be running after Stop()")
	}
}

func TestHostFromEntry(t *testing.T) {
	tests := []struct {
		name     string
		entry    *zeroconf.ServiceEntry
		wantHost string
		endpoint string
	}{
		{
			name: "ipv4 preferred",
			entry: &zeroconf.ServiceEntry{
				ServiceRecord: zeroconf.ServiceRecord{Instance: "relay"},
				Port:          2665,
				AddrIPv4:      []net.IP{net.ParseIP("192.168.1.4")},
				AddrIPv6:      []net.IP{net.ParseIP("fe80::1")},
				Text:          []string{"version=1", "name=Desk", "scheme=https"},
			},
			wantHost: "192.168.1.4",
			endpoint: "https://192.168.1.4:2665",
		},
		{
			name: "ipv6 only",
			entry: &zeroconf.ServiceEntry{
				Port:     2665,
				AddrIPv6: []net.IP{net.ParseIP("fd00::2")},
			},
			wantHost: "fd00::2",
			endpoint: "http://[fd00::2]:2665",
		},
		{
			name: "hostname fallback",
			entry: &zeroconf.ServiceEntry{
				HostName: "desk.local.",
				Port:     9000,
				Text:     []string{"garbage"},
			},
			wantHost: "desk.local",
			endpoint: "http://desk.local:9000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := hostFromEntry(tt.entry)
			if host.Host != tt.wantHost {
				t.Errorf("Host = %q, want %q", host.Host, tt.wantHost)
			}
			if got := host.Endpoint(); got != tt.endpoint {
				t.Errorf("Endpoint() = %q, want %q", got, tt.endpoint)
			}
		})
	}

	named := hostFromEntry(&zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "instance"},
		Text:          []string{"name=Desk", "version=1"},
	})
	if named.Name != "Desk" || named.Version != "1" {
		t.Errorf("TXT not parsed: %+v", named)
	}
}

// TestAdvertiseAndDiscover requires multicast networking.
func TestAdvertiseAndDiscover(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}

	advertiser := NewAdvertiser(Config{Port: 2671, Name: "discover-test-relay"})
	if err := advertiser.Start(); err != nil {
		t.Skipf("mDNS unavailable: %v", err)
	}
	defer advertiser.Stop()

	if err := advertiser.Start(); err != nil {
		t.Fatalf("second Start() should be no-op, got error: %v", err)
	}

	time.Sleep(500 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	hosts, err := Discover(ctx)
	if err != nil {
		t.Fatalf("Discover() failed: %v", err)
	}
	for _, host := range hosts {
		if host.Name == "discover-test-relay" {
			if host.Port != 2671 {
				t.Errorf("expected port 2671, got %d", host.Port)
			}
			return
		}
	}
	// mDNS can be unreliable in CI.
	t.Log("Warning: test relay not discovered (may be expected in some environments)")
}

func TestDiscoverFirst_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	host, err := DiscoverFirst(ctx)
	if err == nil && host.Host == "" {
		t.Error("DiscoverFirst returned an empty host without error")
	}
}
