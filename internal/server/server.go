// Package server provides the relay's network surface: WebSocket and
// long-poll transports for clients plus the HTTP side APIs used to elect a
// controller, dispatch commands and upload screenshots.
package server

import (
	"log"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/deskrelay/deskrelay/internal/relay"
)

// NewServer creates a relay server bound to addr.
func NewServer(addr string, opts Options) *Server {
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = DefaultHelloTimeout
	}

	svc := relay.NewService(opts.Observer)
	svc.SetDebug(opts.Debug)

	s := &Server{
		addr: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		relay:           svc,
		clients:         make(map[*Client]bool),
		metricsHandler:  opts.MetricsHandler,
		maxMessageBytes: opts.MaxMessageBytes,
		helloTimeout:    opts.HelloTimeout,
		debug:           opts.Debug,
	}
	s.polls = newPollHub(s)
	status := NewStatusHandler(s, opts.TLSEnabled)
	status.counters = opts.Counters
	s.statusHandler = status
	return s
}

// Relay returns the routing service behind the server.
func (s *Server) Relay() *relay.Service {
	return s.relay
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// ClientCount returns the number of live connections on any transport.
func (s *Server) ClientCount() int {
	return s.relay.Registry().Count()
}

func (s *Server) addClient(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.clients[c] = true
	return true
}

func (s *Server) removeClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// isLoopbackRequest checks whether the request came from the local machine.
func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		log.Printf("server: failed to parse RemoteAddr %q: %v", r.RemoteAddr, err)
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		log.Printf("server: failed to parse IP from host %q", host)
		return false
	}

	// 127.0.0.0/8 for IPv4, ::1 for IPv6
	return ip.IsLoopback()
}
