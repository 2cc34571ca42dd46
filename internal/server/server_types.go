package server

import (
	"net/http"
	"sync"
	"time"

	// gorilla/websocket provides the relay's primary transport, including
	// ping/pong keepalives and close frames with application codes.
	"github.com/gorilla/websocket"

	"github.com/deskrelay/deskrelay/internal/protocol"
	"github.com/deskrelay/deskrelay/internal/relay"

	// Inbound pacing so one chatty client cannot starve the others.
	"golang.org/x/time/rate"
)

// channelBufferSize is the buffer size for per-client send channels. If the
// buffer fills up, envelopes for that client are dropped rather than
// blocking the sender.
const channelBufferSize = 256

const (
	// writeWait bounds every write to a WebSocket peer.
	writeWait = 10 * time.Second

	// pongWait is how long a peer may stay silent before it is dropped.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = 30 * time.Second

	// DefaultMaxMessageBytes caps one inbound frame. Files travel whole,
	// so the cap is generous.
	DefaultMaxMessageBytes int64 = 64 << 20

	// DefaultHelloTimeout is how long a connection that gave no identity
	// in its URL has to send a ClientHello.
	DefaultHelloTimeout = 10 * time.Second

	// inboundRate and inboundBurst pace reads per connection.
	inboundRate  = rate.Limit(500)
	inboundBurst = 100
)

// Options configures a Server. Zero values pick the defaults above.
type Options struct {
	// MaxMessageBytes caps the size of one inbound envelope.
	MaxMessageBytes int64

	// HelloTimeout drops anonymous connections that never say hello.
	HelloTimeout time.Duration

	// Observer receives relay events (metrics, counters). May be nil.
	Observer relay.Observer

	// MetricsHandler is mounted at /metrics when non-nil.
	MetricsHandler http.Handler

	// TLSEnabled is reported by /status.
	TLSEnabled bool

	// Counters adds persisted totals to /status. May be nil.
	Counters CounterSource

	// Debug enables per-envelope logging.
	Debug bool
}

// CounterSource reports running totals keyed by kind, then name.
type CounterSource interface {
	Totals() (map[string]map[string]int64, error)
}

// Server accepts client connections over WebSocket and long-poll and hands
// every envelope to the relay service.
type Server struct {
	// addr is the address to listen on (e.g., "0.0.0.0:2665")
	addr string

	// upgrader converts HTTP connections to WebSocket connections.
	// Clients run on other machines, so any origin is accepted.
	upgrader websocket.Upgrader

	// relay owns identities, controller state and routing.
	relay *relay.Service

	// clients tracks connected WebSocket clients for shutdown.
	clients map[*Client]bool

	// polls tracks long-poll connections.
	polls *pollHub

	// mu protects the clients map and stopped flag from concurrent access.
	mu sync.RWMutex

	// stopped indicates whether the server has been stopped.
	stopped bool

	// httpServer is the underlying HTTP server for graceful shutdown.
	httpServer *http.Server

	statusHandler  http.Handler
	metricsHandler http.Handler

	maxMessageBytes int64
	helloTimeout    time.Duration
	debug           bool
}

// Client is one WebSocket connection.
type Client struct {
	// id is the relay connection id.
	id string

	// conn is the underlying WebSocket connection.
	conn *websocket.Conn

	// send is a buffered channel of outbound envelopes.
	send chan protocol.Envelope

	// done is closed exactly once to tell writePump to shut down.
	done chan struct{}

	// sendOnce guards closing done.
	sendOnce sync.Once

	// server is the owning server.
	server *Server

	// limiter paces inbound frames.
	limiter *rate.Limiter

	// helloTimer drops the connection if no identity arrives in time.
	helloTimer *time.Timer

	// closeCode and closeReason go into the close frame writePump sends.
	closeMu     sync.Mutex
	closeCode   int
	closeReason string
}
