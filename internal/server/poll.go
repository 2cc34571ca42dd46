package server

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	apperrors "github.com/deskrelay/deskrelay/internal/errors"
	"github.com/deskrelay/deskrelay/internal/protocol"
)

const (
	// pollWait is how long a GET /poll/{conn} holds before answering empty.
	pollWait = 25 * time.Second

	// pollIdleTimeout drops long-poll connections that stopped polling.
	pollIdleTimeout = 60 * time.Second

	// pollBatch caps how many envelopes one poll response carries.
	pollBatch = 64
)

// OpenResponse is returned by POST /poll/open.
type OpenResponse struct {
	ConnectionID string `json:"connectionId"`
}

// pollConn is a relay connection whose envelopes are fetched by HTTP
// long-polling instead of pushed over a socket.
type pollConn struct {
	id    string
	queue chan protocol.Envelope
	done  chan struct{}
	once  sync.Once

	mu        sync.Mutex
	lastSeen  time.Time
	closeCode int
}

func (p *pollConn) ID() string { return p.id }

// Send implements relay.Conn with the same drop-on-full policy as Client.
func (p *pollConn) Send(env protocol.Envelope) error {
	select {
	case <-p.done:
		return apperrors.TransportClosed()
	default:
	}

	select {
	case p.queue <- env:
		return nil
	default:
		return apperrors.SendFailed("poll queue full")
	}
}

// Close implements relay.Conn. The next poll answers 410 Gone.
func (p *pollConn) Close(code int, reason string) {
	p.mu.Lock()
	if p.closeCode == 0 {
		p.closeCode = code
	}
	p.mu.Unlock()
	p.once.Do(func() { close(p.done) })
}

func (p *pollConn) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *pollConn) idleSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

func (p *pollConn) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// pollHub owns every long-poll connection.
type pollHub struct {
	server *Server

	mu    sync.Mutex
	conns map[string]*pollConn

	stop     chan struct{}
	stopOnce sync.Once
}

func newPollHub(s *Server) *pollHub {
	return &pollHub{
		server: s,
		conns:  make(map[string]*pollConn),
		stop:   make(chan struct{}),
	}
}

func (h *pollHub) get(id string) (*pollConn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pc, ok := h.conns[id]
	return pc, ok
}

// drop unregisters a connection from the hub and the relay.
func (h *pollHub) drop(pc *pollConn) {
	h.mu.Lock()
	_, tracked := h.conns[pc.id]
	delete(h.conns, pc.id)
	h.mu.Unlock()

	pc.Close(0, "")
	if tracked {
		h.server.relay.Disconnect(pc.id)
	}
}

// handleOpen handles POST /poll/open?identity=X.
func (h *pollHub) handleOpen(w http.ResponseWriter, r *http.Request) {
	h.server.mu.RLock()
	stopped := h.server.stopped
	h.server.mu.RUnlock()
	if stopped {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	pc := &pollConn{
		id:       uuid.NewString(),
		queue:    make(chan protocol.Envelope, channelBufferSize),
		done:     make(chan struct{}),
		lastSeen: time.Now(),
	}

	identity := requestIdentity(r)
	if err := h.server.relay.Connect(pc, identity); err != nil {
		// Duplicates get a bare status and no envelope, like a WebSocket abort.
		w.WriteHeader(apperrors.HTTPStatus(err))
		return
	}

	h.mu.Lock()
	h.conns[pc.id] = pc
	h.mu.Unlock()

	if identity == "" {
		time.AfterFunc(h.server.helloTimeout, func() {
			if _, ok := h.server.relay.Registry().Identity(pc.id); !ok && !pc.closed() {
				log.Printf("server: poll connection %s sent no hello within %s", pc.id, h.server.helloTimeout)
				h.drop(pc)
			}
		})
	}

	writeJSON(w, http.StatusOK, OpenResponse{ConnectionID: pc.id})
}

// handleReceive handles GET /poll/{conn}: it waits for at least one
// envelope (or pollWait) and returns a JSON array.
func (h *pollHub) handleReceive(w http.ResponseWriter, r *http.Request) {
	pc, ok := h.get(mux.Vars(r)["conn"])
	if !ok || pc.closed() {
		w.WriteHeader(http.StatusGone)
		return
	}
	pc.touch()

	batch := make([]protocol.Envelope, 0, 8)
	timer := time.NewTimer(pollWait)
	defer timer.Stop()

	select {
	case env := <-pc.queue:
		batch = append(batch, env)
	case <-pc.done:
		w.WriteHeader(http.StatusGone)
		return
	case <-timer.C:
	case <-r.Context().Done():
		return
	}

drain:
	for len(batch) > 0 && len(batch) < pollBatch {
		select {
		case env := <-pc.queue:
			batch = append(batch, env)
		default:
			break drain
		}
	}

	pc.touch()
	writeJSON(w, http.StatusOK, batch)
}

// handleSend handles POST /poll/{conn} with one envelope as the body.
func (h *pollHub) handleSend(w http.ResponseWriter, r *http.Request) {
	pc, ok := h.get(mux.Vars(r)["conn"])
	if !ok || pc.closed() {
		w.WriteHeader(http.StatusGone)
		return
	}
	pc.touch()

	data, err := io.ReadAll(io.LimitReader(r.Body, h.server.maxMessageBytes+1))
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeServerInvalidMessage, "read body", err))
		return
	}
	if int64(len(data)) > h.server.maxMessageBytes {
		writeError(w, apperrors.InvalidMessage("message too large"))
		return
	}

	env, err := protocol.Decode(data)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.server.relay.Handle(pc.id, env); err != nil {
		if apperrors.IsCode(err, apperrors.CodeRelayDuplicateIdentity) {
			h.drop(pc)
			w.WriteHeader(http.StatusGone)
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleClose handles DELETE /poll/{conn}.
func (h *pollHub) handleClose(w http.ResponseWriter, r *http.Request) {
	if pc, ok := h.get(mux.Vars(r)["conn"]); ok {
		h.drop(pc)
	}
	w.WriteHeader(http.StatusNoContent)
}

// reapLoop drops connections that stopped polling.
func (h *pollHub) reapLoop() {
	ticker := time.NewTicker(pollIdleTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.reap(time.Now())
		}
	}
}

func (h *pollHub) reap(now time.Time) {
	h.mu.Lock()
	var idle []*pollConn
	for _, pc := range h.conns {
		if now.Sub(pc.idleSince()) > pollIdleTimeout {
			idle = append(idle, pc)
		}
	}
	h.mu.Unlock()

	for _, pc := range idle {
		log.Printf("server: poll connection %s idle, dropping", pc.id)
		h.drop(pc)
	}
}

func (h *pollHub) closeAll() {
	h.stopOnce.Do(func() { close(h.stop) })

	h.mu.Lock()
	conns := make([]*pollConn, 0, len(h.conns))
	for _, pc := range h.conns {
		conns = append(conns, pc)
	}
	h.mu.Unlock()

	for _, pc := range conns {
		h.drop(pc)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: failed to encode response: %v", err)
	}
}
