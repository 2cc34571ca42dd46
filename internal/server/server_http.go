package server

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	apperrors "github.com/deskrelay/deskrelay/internal/errors"
	"github.com/deskrelay/deskrelay/internal/protocol"
	"github.com/deskrelay/deskrelay/internal/relay"
)

// createMux creates the HTTP router with all endpoints.
func (s *Server) createMux() *mux.Router {
	router := mux.NewRouter()

	// Client channel
	router.HandleFunc("/ws", s.handleWebSocket)

	// Long-poll fallback for networks that block WebSocket upgrades
	router.HandleFunc("/poll/open", s.polls.handleOpen).Methods(http.MethodPost)
	router.HandleFunc("/poll/{conn}", s.polls.handleReceive).Methods(http.MethodGet)
	router.HandleFunc("/poll/{conn}", s.polls.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/poll/{conn}", s.polls.handleClose).Methods(http.MethodDelete)

	// Health check endpoint for monitoring
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	// Controller election and side APIs
	router.HandleFunc("/controller", s.handleGetController).Methods(http.MethodGet)
	router.HandleFunc("/controller/{identity}", s.handleSetController).Methods(http.MethodPost)
	router.HandleFunc("/commands/run", s.handleRunCommand).Methods(http.MethodPost)
	router.HandleFunc("/tasks/service-run", s.handleRunService).Methods(http.MethodPost)
	router.HandleFunc("/clients/service-result", s.handleServiceResult).Methods(http.MethodPost)
	router.HandleFunc("/clients/{identity}/screenshot", s.handleScreenshot).Methods(http.MethodPost)

	// Local-only status for "deskrelay relay status"
	router.Handle("/status", s.statusHandler)

	if s.metricsHandler != nil {
		router.Handle("/metrics", s.metricsHandler).Methods(http.MethodGet)
	}

	return router
}

// Handler returns the server's HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.createMux()
}

// requestIdentity reads the identity a client claims in its connect URL.
func requestIdentity(r *http.Request) string {
	q := r.URL.Query()
	if id := strings.TrimSpace(q.Get("identity")); id != "" {
		return id
	}
	return strings.TrimSpace(q.Get("clientId"))
}

// handleWebSocket upgrades an HTTP connection to a WebSocket connection
// and registers it with the relay.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity := requestIdentity(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: websocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan protocol.Envelope, channelBufferSize),
		done:    make(chan struct{}),
		server:  s,
		limiter: rate.NewLimiter(inboundRate, inboundBurst),
	}

	if !s.addClient(client) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	if err := s.relay.Connect(client, identity); err != nil {
		s.removeClient(client)
		code := websocket.CloseInternalServerErr
		if apperrors.IsCode(err, apperrors.CodeRelayDuplicateIdentity) {
			code = relay.CloseDuplicateIdentity
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, apperrors.GetMessage(err)),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	if identity == "" {
		client.helloTimer = time.AfterFunc(s.helloTimeout, func() {
			if _, ok := s.relay.Registry().Identity(client.id); !ok {
				log.Printf("server: connection %s sent no hello within %s", client.id, s.helloTimeout)
				client.Close(websocket.ClosePolicyViolation, "hello timeout")
			}
		})
	}

	go client.writePump()
	go client.readPump()
}
