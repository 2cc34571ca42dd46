// This file implements the status HTTP endpoint for CLI queries.
package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/deskrelay/deskrelay/internal/relay"
)

// StatusResponse contains relay status information returned by the
// /status endpoint. "deskrelay relay status" renders it.
type StatusResponse struct {
	// ListeningAddress is the address the relay is listening on.
	ListeningAddress string `json:"listening_address"`

	// ConnectedClients is the number of live connections on any transport.
	ConnectedClients int `json:"connected_clients"`

	// Controller is the elected identity, empty when none.
	Controller string `json:"controller,omitempty"`

	// Clients lists the live connections.
	Clients []relay.ClientInfo `json:"clients"`

	// UptimeSeconds is how long the relay has been running, in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`

	// TLSEnabled indicates whether the relay is using TLS encryption.
	TLSEnabled bool `json:"tls_enabled"`

	// Counters holds relayed/dropped/rejected totals when a metrics store
	// is configured.
	Counters map[string]map[string]int64 `json:"counters,omitempty"`
}

// StatusHandler handles HTTP requests for relay status.
// This endpoint is restricted to local machine addresses.
type StatusHandler struct {
	server     *Server
	startTime  time.Time
	tlsEnabled bool
	counters   CounterSource
}

// NewStatusHandler creates a new StatusHandler. The current time is taken
// as the start time for uptime.
func NewStatusHandler(s *Server, tlsEnabled bool) *StatusHandler {
	return &StatusHandler{
		server:     s,
		startTime:  time.Now(),
		tlsEnabled: tlsEnabled,
	}
}

// ServeHTTP handles GET /status. Non-local requests receive 403 and other
// methods receive 405.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) {
		http.Error(w, "Forbidden: status endpoint is local-only", http.StatusForbidden)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	registry := h.server.relay.Registry()
	resp := StatusResponse{
		ListeningAddress: h.server.Addr(),
		ConnectedClients: registry.Count(),
		Controller:       registry.Controller(),
		Clients:          registry.Clients(),
		UptimeSeconds:    int64(time.Since(h.startTime).Seconds()),
		TLSEnabled:       h.tlsEnabled,
	}
	if h.counters != nil {
		totals, err := h.counters.Totals()
		if err != nil {
			log.Printf("server: status counters: %v", err)
		}
		resp.Counters = totals
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
