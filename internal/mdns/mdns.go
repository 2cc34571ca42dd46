// Package mdns provides optional mDNS/Bonjour advertisement of the relay
// and discovery of it by clients.
//
// The advertisement includes:
//   - Service type: _deskrelay._tcp
//   - TXT records with protocol version, name, and URL scheme
//
// A client whose endpoint preference is "auto" browses for the service
// and connects to the first relay that answers.
package mdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type for deskrelay relays.
const ServiceType = "_deskrelay._tcp"

// ProtocolVersion identifies the wire protocol revision.
const ProtocolVersion = "1"

// ErrNotFound is returned by DiscoverFirst when no relay answered.
var ErrNotFound = errors.New("no relay found on the local network")

// Config holds configuration for mDNS advertisement.
type Config struct {
	// Port is the relay's listen port.
	Port int

	// Name is a human-readable name for this relay.
	// Defaults to the system hostname if empty.
	Name string

	// TLS advertises an https endpoint instead of http.
	TLS bool
}

// Advertiser manages mDNS/DNS-SD service registration.
type Advertiser struct {
	config Config
	server *zeroconf.Server
	mu     sync.Mutex
}

// NewAdvertiser creates a new mDNS advertiser with the given configuration.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{
		config: cfg,
	}
}

// txtRecords builds the TXT strings for name.
func (a *Advertiser) txtRecords(name string) []string {
	scheme := "http"
	if a.config.TLS {
		scheme = "https"
	}
	return []string{
		"version=" + ProtocolVersion,
		"name=" + name,
		"scheme=" + scheme,
	}
}

// Start begins advertising the relay. Calling Start on a running
// advertiser is a no-op.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return nil
	}

	name := a.config.Name
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			name = "deskrelay"
		} else {
			name = hostname
		}
	}

	server, err := zeroconf.Register(
		name,
		ServiceType,
		"local.",
		a.config.Port,
		a.txtRecords(name),
		nil, // all interfaces
	)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	a.server = server
	return nil
}

// Stop unregisters the service. It is safe to call Stop multiple times or
// on an advertiser that was never started.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// IsRunning returns true if the advertiser is currently running.
func (a *Advertiser) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.server != nil
}

// DiscoveredHost is a relay found via mDNS.
type DiscoveredHost struct {
	Name    string
	Host    string
	Port    int
	Version string
	Scheme  string
}

// Endpoint returns the relay base URL, e.g. http://192.168.1.4:2665.
func (h DiscoveredHost) Endpoint() string {
	scheme := h.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

func hostFromEntry(entry *zeroconf.ServiceEntry) DiscoveredHost {
	host := DiscoveredHost{
		Name: entry.Instance,
		Port: entry.Port,
	}

	// Prefer IPv4 address
	if len(entry.AddrIPv4) > 0 {
		host.Host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		host.Host = entry.AddrIPv6[0].String()
	} else {
		host.Host = strings.TrimSuffix(entry.HostName, ".")
	}

	for _, txt := range entry.Text {
		key, value, ok := strings.Cut(txt, "=")
		if !ok {
			continue
		}
		switch key {
		case "version":
			host.Version = value
		case "name":
			host.Name = value
		case "scheme":
			host.Scheme = value
		}
	}
	return host
}

// Discover collects every relay that answers before ctx is done.
func Discover(ctx context.Context) ([]DiscoveredHost, error) {
	var hosts []DiscoveredHost
	err := browse(ctx, func(h DiscoveredHost) bool {
		hosts = append(hosts, h)
		return true
	})
	return hosts, err
}

// DiscoverFirst returns the first relay that answers, or ErrNotFound
// once ctx is done.
func DiscoverFirst(ctx context.Context) (DiscoveredHost, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		found DiscoveredHost
		ok    bool
	)
	err := browse(ctx, func(h DiscoveredHost) bool {
		if h.Host == "" {
			return true
		}
		found, ok = h, true
		cancel()
		return false
	})
	if err != nil {
		return DiscoveredHost{}, err
	}
	if !ok {
		return DiscoveredHost{}, ErrNotFound
	}
	return found, nil
}

// browse feeds resolved hosts to visit until ctx ends or visit returns false.
func browse(ctx context.Context, visit func(DiscoveredHost) bool) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})

	go func() {
		defer close(done)
		keep := true
		// zeroconf closes entries when ctx is done; drain until then.
		for entry := range entries {
			if keep {
				keep = visit(hostFromEntry(entry))
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return fmt.Errorf("mdns browse: %w", err)
	}

	<-ctx.Done()
	<-done
	return nil
}
