// Package relay implements the hub's core state: which connection holds
// which identity, who the controller is, and how each envelope is routed.
//
// The package is transport-agnostic. WebSocket and long-poll connections
// both satisfy Conn and are treated identically.
package relay

import (
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/deskrelay/deskrelay/internal/errors"
	"github.com/deskrelay/deskrelay/internal/protocol"
)

// Conn is one live connection as seen by the relay.
type Conn interface {
	// ID is unique per connection for the lifetime of the process.
	ID() string

	// Send enqueues an envelope without blocking. It fails when the
	// connection is closing or its buffer is full.
	Send(env protocol.Envelope) error

	// Close drops the connection abruptly with a transport close code.
	Close(code int, reason string)
}

// ClientInfo is a point-in-time view of one connection.
type ClientInfo struct {
	ConnectionID string    `json:"connection_id"`
	Identity     string    `json:"identity,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
}

type record struct {
	conn        Conn
	identity    string
	connectedAt time.Time
}

// Registry tracks connections, their identities and the controller.
// Identities are compared case-insensitively. Controller state shares the
// registry lock so a controller can never outlive its connection.
type Registry struct {
	mu sync.Mutex

	// conns holds every live connection, with or without an identity.
	conns map[string]*record

	// controller is the elected identity, "" when none.
	controller string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*record)}
}

// isClearToken reports whether an assignment request means "no controller".
func isClearToken(identity string) bool {
	id := strings.TrimSpace(identity)
	return id == "" || strings.EqualFold(id, "none") || strings.EqualFold(id, "null")
}

// holderLocked returns the connection holding identity, ignoring exclude.
func (r *Registry) holderLocked(identity, exclude string) *record {
	for id, rec := range r.conns {
		if id == exclude || rec.identity == "" {
			continue
		}
		if strings.EqualFold(rec.identity, identity) {
			return rec
		}
	}
	return nil
}

// Add tracks a new connection. A non-empty identity is registered at the
// same time and fails with relay.duplicate_identity when another live
// connection already holds it; the connection is then not tracked.
func (r *Registry) Add(conn Conn, identity string) error {
	identity = strings.TrimSpace(identity)

	r.mu.Lock()
	defer r.mu.Unlock()

	if identity != "" && r.holderLocked(identity, conn.ID()) != nil {
		return apperrors.DuplicateIdentity(identity)
	}
	r.conns[conn.ID()] = &record{conn: conn, identity: identity, connectedAt: time.Now()}
	return nil
}

// Register binds identity to an already tracked connection, as on a hello.
// Re-asserting the identity the connection already holds succeeds.
func (r *Registry) Register(connID, identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return apperrors.InvalidMessage("empty identity")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[connID]
	if !ok {
		return apperrors.New(apperrors.CodeServerConnectionLost, "connection is not tracked")
	}
	if r.holderLocked(identity, connID) != nil {
		return apperrors.DuplicateIdentity(identity)
	}

	// A connection that renames itself while controller stays controller.
	if rec.identity != "" && r.controller != "" && strings.EqualFold(rec.identity, r.controller) {
		r.controller = identity
	}
	rec.identity = identity
	return nil
}

// Unregister forgets a connection. It returns the identity the connection
// held and whether that identity was the controller, in which case the
// controller has already been cleared.
func (r *Registry) Unregister(connID string) (identity string, wasController bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	delete(r.conns, connID)

	if rec.identity != "" && r.controller != "" && strings.EqualFold(rec.identity, r.controller) {
		r.controller = ""
		wasController = true
	}
	return rec.identity, wasController
}

// Assign elects identity as controller. "none", "null" and "" clear it.
// An identity with no live connection fails with relay.not_connected and
// leaves the controller unchanged. The stored spelling is the one the
// connection registered with.
func (r *Registry) Assign(identity string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if isClearToken(identity) {
		r.controller = ""
		return "", nil
	}

	rec := r.holderLocked(strings.TrimSpace(identity), "")
	if rec == nil {
		return r.controller, apperrors.NotConnected(identity)
	}
	r.controller = rec.identity
	return r.controller, nil
}

// Controller returns the elected identity, "" when none.
func (r *Registry) Controller() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controller
}

// Sender resolves a connection's identity and whether it is the controller.
func (r *Registry) Sender(connID string) (identity string, isController bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	isController = rec.identity != "" && r.controller != "" && strings.EqualFold(rec.identity, r.controller)
	return rec.identity, isController
}

// Snapshot returns every live connection except exclude.
// The slice is a copy; callers may send to it without holding the lock.
func (r *Registry) Snapshot(exclude string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]Conn, 0, len(r.conns))
	for id, rec := range r.conns {
		if id == exclude {
			continue
		}
		conns = append(conns, rec.conn)
	}
	return conns
}

// Lookup returns the connection holding identity.
func (r *Registry) Lookup(identity string) (Conn, bool) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec := r.holderLocked(identity, ""); rec != nil {
		return rec.conn, true
	}
	return nil, false
}

// Identity returns the identity a connection holds, if any.
func (r *Registry) Identity(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[connID]
	if !ok || rec.identity == "" {
		return "", false
	}
	return rec.identity, true
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Clients lists live connections ordered by connect time.
func (r *Registry) Clients() []ClientInfo {
	r.mu.Lock()
	infos := make([]ClientInfo, 0, len(r.conns))
	for id, rec := range r.conns {
		infos = append(infos, ClientInfo{ConnectionID: id, Identity: rec.identity, ConnectedAt: rec.connectedAt})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}
