// Package main provides the deskrelay command line.
// This file centralizes address selection for the relay and local CLI commands.
package main

import (
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/deskrelay/deskrelay/internal/config"
)

// defaultPort is used when an address carries no port.
const defaultPort = 2665

func resolveAddrCandidates(addr string, port int, explicitPort bool, stderr io.Writer) []string {
	if addr != "" {
		if explicitPort {
			fmt.Fprintf(stderr, "Warning: --addr overrides --port; using %s\n", addr)
		}
		return []string{addr}
	}

	return defaultAddrCandidates(port)
}

func defaultAddrCandidates(port int) []string {
	portStr := strconv.Itoa(port)
	addrs := []string{"127.0.0.1:" + portStr}
	if ip := tailscaleIP(); ip != "" {
		addrs = append(addrs, ip+":"+portStr)
	}
	if ip := preferredOutboundIP(); ip != "" {
		addrs = append(addrs, ip+":"+portStr)
	}
	return addrs
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d (must be 1-65535)", port)
	}
	return nil
}

// listenPort extracts the port from a listen address, falling back to
// defaultPort.
func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return defaultPort
	}
	return port
}

// clientEndpoint is the base URL peers should use to reach a relay
// listening on addr. A wildcard listen address is replaced by the
// Tailscale address, then the LAN address, then loopback.
func clientEndpoint(addr string, tlsEnabled bool) string {
	if addr == "" {
		addr = config.DefaultAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		switch {
		case tailscaleIP() != "":
			host = tailscaleIP()
		case preferredOutboundIP() != "":
			host = preferredOutboundIP()
		default:
			host = "127.0.0.1"
		}
	}

	scheme := "http"
	if tlsEnabled {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(listenPort(addr)))
}

// preferredOutboundIP returns the local IP address used for outbound
// connections. This is typically the LAN IP address.
func preferredOutboundIP() string {
	// Dial UDP to a public IP. No actual packets are sent for UDP;
	// this just lets us query which local interface the OS would use.
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

// tailscaleNet is the CGNAT range used by Tailscale (100.64.0.0/10).
var tailscaleNet = &net.IPNet{
	IP:   net.IPv4(100, 64, 0, 0),
	Mask: net.CIDRMask(10, 32),
}

// tailscaleIP scans network interfaces for a Tailscale address.
func tailscaleIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip != nil && tailscaleNet.Contains(ip) {
				return ip.String()
			}
		}
	}

	return ""
}
