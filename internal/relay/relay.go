package relay

import (
	"log"
	"sync"

	apperrors "github.com/deskrelay/deskrelay/internal/errors"
	"github.com/deskrelay/deskrelay/internal/protocol"
)

// CloseDuplicateIdentity is the close code sent to a connection that
// tries to take an identity someone else already holds.
const CloseDuplicateIdentity = 4409

// Observer receives relay events for metrics and counters.
// Implementations must not block.
type Observer interface {
	Relayed(t protocol.MessageType, recipients int)
	Dropped(t protocol.MessageType, reason string)
	DuplicateRejected(identity string)
	ControllerChanged(identity string)
	ConnectionsChanged(n int)
}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) Relayed(t protocol.MessageType, n int) {
	for _, obs := range o {
		obs.Relayed(t, n)
	}
}

func (o Observers) Dropped(t protocol.MessageType, reason string) {
	for _, obs := range o {
		obs.Dropped(t, reason)
	}
}

func (o Observers) DuplicateRejected(identity string) {
	for _, obs := range o {
		obs.DuplicateRejected(identity)
	}
}

func (o Observers) ControllerChanged(identity string) {
	for _, obs := range o {
		obs.ControllerChanged(identity)
	}
}

func (o Observers) ConnectionsChanged(n int) {
	for _, obs := range o {
		obs.ConnectionsChanged(n)
	}
}

// Drop reasons reported to observers.
const (
	DropNotController = "not_controller"
	DropServerOnly    = "server_only"
	DropNotConnected  = "not_connected"
	DropSendFailed    = "send_failed"
	DropKeepalive     = "keepalive"
)

// Service routes envelopes between connections.
type Service struct {
	registry *Registry
	observer Observer
	debug    bool

	// electionMu orders controller and membership changes with their
	// notifications so ControllerChanged broadcasts and ConnectionsChanged
	// counts arrive in the same order as the state changed.
	electionMu sync.Mutex
}

// NewService creates a relay service. observer may be nil.
func NewService(observer Observer) *Service {
	if observer == nil {
		observer = Observers(nil)
	}
	return &Service{registry: NewRegistry(), observer: observer}
}

// SetDebug enables per-envelope debug logging.
func (s *Service) SetDebug(debug bool) {
	s.debug = debug
}

// Registry exposes the identity registry for status reporting.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Connect tracks a new connection, registering identity when non-empty.
// On relay.duplicate_identity the caller must drop the connection.
func (s *Service) Connect(conn Conn, identity string) error {
	s.electionMu.Lock()
	defer s.electionMu.Unlock()

	if err := s.registry.Add(conn, identity); err != nil {
		if apperrors.IsCode(err, apperrors.CodeRelayDuplicateIdentity) {
			log.Printf("relay: rejecting duplicate identity %q on connect", identity)
			s.observer.DuplicateRejected(identity)
		}
		return err
	}

	if identity != "" {
		log.Printf("relay: client %q connected (%s)", identity, conn.ID())
	} else {
		log.Printf("relay: anonymous connection %s awaiting hello", conn.ID())
	}
	s.observer.ConnectionsChanged(s.registry.Count())
	return nil
}

// Disconnect forgets a connection. If it held the controller identity the
// controller is cleared and everyone is told.
func (s *Service) Disconnect(connID string) {
	s.electionMu.Lock()
	defer s.electionMu.Unlock()

	identity, wasController := s.registry.Unregister(connID)
	if identity != "" {
		log.Printf("relay: client %q disconnected", identity)
	}
	if wasController {
		log.Printf("relay: controller %q left, clearing", identity)
		s.broadcastController("")
	}
	s.observer.ConnectionsChanged(s.registry.Count())
}

// AssignController elects identity ("none"/"null" clear) and broadcasts
// the new state. Assigning an identity with no connection fails with
// relay.not_connected and changes nothing.
func (s *Service) AssignController(identity string) (string, error) {
	s.electionMu.Lock()
	defer s.electionMu.Unlock()

	controller, err := s.registry.Assign(identity)
	if err != nil {
		return controller, err
	}
	if controller == "" {
		log.Printf("relay: controller cleared")
	} else {
		log.Printf("relay: controller is now %q", controller)
	}
	s.broadcastController(controller)
	return controller, nil
}

// Controller returns the elected identity, "" when none.
func (s *Service) Controller() string {
	return s.registry.Controller()
}

// broadcastController must be called with electionMu held.
func (s *Service) broadcastController(controller string) {
	s.observer.ControllerChanged(controller)
	s.deliver(s.registry.Snapshot(""), protocol.NewControllerChanged(controller))
}

// Handle routes one envelope received from connID.
func (s *Service) Handle(connID string, env protocol.Envelope) error {
	switch p := env.Payload.(type) {
	case protocol.ClientHello:
		return s.handleHello(connID, p)

	case protocol.Heartbeat:
		s.observer.Dropped(env.Type, DropKeepalive)
		return nil

	case protocol.MouseEvent:
		sender, isController := s.registry.Sender(connID)
		if !isController {
			if s.debug {
				log.Printf("relay: dropping mouse event from non-controller %q", sender)
			}
			s.observer.Dropped(env.Type, DropNotController)
			return nil
		}
		p.ControllerClientID = sender
		s.Broadcast(protocol.New(p), connID)
		return nil

	case protocol.FileSync:
		if sender, ok := s.registry.Identity(connID); ok && p.SenderClientID == "" {
			p.SenderClientID = sender
		}
		s.Broadcast(protocol.New(p), connID)
		return nil

	case protocol.Screenshot:
		s.Broadcast(env, connID)
		return nil

	case protocol.RunCommand:
		return s.Dispatch(p.Target, env)

	case protocol.RunService:
		return s.Dispatch(p.Target, env)

	case protocol.ServiceResult:
		return s.Dispatch(p.Target, env)

	case protocol.ControllerChanged:
		s.observer.Dropped(env.Type, DropServerOnly)
		return apperrors.ServerOnly(string(env.Type))

	default:
		return apperrors.UnknownType(string(env.Type))
	}
}

// handleHello re-registers the identity. Duplicates are reported to the
// caller, which drops the connection; the registry is left untouched.
func (s *Service) handleHello(connID string, hello protocol.ClientHello) error {
	if err := s.registry.Register(connID, hello.ClientID); err != nil {
		if apperrors.IsCode(err, apperrors.CodeRelayDuplicateIdentity) {
			log.Printf("relay: rejecting duplicate identity %q on hello", hello.ClientID)
			s.observer.DuplicateRejected(hello.ClientID)
		}
		return err
	}

	log.Printf("relay: hello from %q (machine=%q user=%q)", hello.ClientID, hello.MachineName, hello.UserName)
	s.Broadcast(protocol.NewHeartbeat(hello.ClientID), "")
	return nil
}

// Dispatch sends env to target, or to everyone when target is empty.
func (s *Service) Dispatch(target string, env protocol.Envelope) error {
	if target == "" {
		s.Broadcast(env, "")
		return nil
	}
	return s.Unicast(target, env)
}

// Broadcast delivers env to every live connection except excludeConnID.
// It returns the number of connections that accepted the envelope.
func (s *Service) Broadcast(env protocol.Envelope, excludeConnID string) int {
	return s.deliver(s.registry.Snapshot(excludeConnID), env)
}

// Unicast delivers env to the connection holding identity.
func (s *Service) Unicast(identity string, env protocol.Envelope) error {
	conn, ok := s.registry.Lookup(identity)
	if !ok {
		s.observer.Dropped(env.Type, DropNotConnected)
		return apperrors.NotConnected(identity)
	}
	if err := conn.Send(env); err != nil {
		s.observer.Dropped(env.Type, DropSendFailed)
		return err
	}
	s.observer.Relayed(env.Type, 1)
	return nil
}

func (s *Service) deliver(conns []Conn, env protocol.Envelope) int {
	sent := 0
	for _, c := range conns {
		if err := c.Send(env); err != nil {
			if s.debug {
				log.Printf("relay: %s to %s dropped: %v", env.Type, c.ID(), err)
			}
			s.observer.Dropped(env.Type, DropSendFailed)
			continue
		}
		sent++
	}
	s.observer.Relayed(env.Type, sent)
	return sent
}
