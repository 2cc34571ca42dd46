package relay

import (
	"fmt"
	"sync"
	"testing"

	apperrors "github.com/deskrelay/deskrelay/internal/errors"
	"github.com/deskrelay/deskrelay/internal/protocol"
)

// fakeConn records everything sent to it.
type fakeConn struct {
	id string

	mu        sync.Mutex
	sent      []protocol.Envelope
	closed    bool
	closeCode int
	full      bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.full {
		return apperrors.SendFailed("closed")
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
}

func (c *fakeConn) messages() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.sent...)
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

func (c *fakeConn) lastOfType(t protocol.MessageType) (protocol.Envelope, bool) {
	msgs := c.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == t {
			return msgs[i], true
		}
	}
	return protocol.Envelope{}, false
}

// connect registers a fake connection under identity and fails the test on error.
func connect(t *testing.T, s *Service, connID, identity string) *fakeConn {
	t.Helper()
	c := newFakeConn(connID)
	if err := s.Connect(c, identity); err != nil {
		t.Fatalf("Connect(%s, %q) error = %v", connID, identity, err)
	}
	return c
}

func TestConnect_DuplicateIdentityCaseInsensitive(t *testing.T) {
	s := NewService(nil)
	connect(t, s, "c1", "ClientA")

	err := s.Connect(newFakeConn("c2"), "clienta")
	if !apperrors.IsCode(err, apperrors.CodeRelayDuplicateIdentity) {
		t.Fatalf("Connect() error = %v, want duplicate identity", err)
	}
	if n := s.Registry().Count(); n != 1 {
		t.Errorf("Count() = %d, want 1 (rejected connection must not be tracked)", n)
	}
}

func TestHello_ReassertOwnIdentity(t *testing.T) {
	s := NewService(nil)
	a := connect(t, s, "c1", "A")

	if err := s.Handle("c1", protocol.NewClientHello("a", "pc", "user")); err != nil {
		t.Fatalf("Handle(hello) error = %v", err)
	}

	env, ok := a.lastOfType(protocol.MessageTypeHeartbeat)
	if !ok {
		t.Fatal("expected heartbeat echo after hello")
	}
	if got := env.Payload.(protocol.Heartbeat).Hello; got != "a" {
		t.Errorf("heartbeat hello = %q, want a", got)
	}
}

func TestHello_DuplicateRejected(t *testing.T) {
	s := NewService(nil)
	connect(t, s, "c1", "A")
	connect(t, s, "c2", "")

	err := s.Handle("c2", protocol.NewClientHello("A", "", ""))
	if !apperrors.IsCode(err, apperrors.CodeRelayDuplicateIdentity) {
		t.Fatalf("Handle(hello) error = %v, want duplicate identity", err)
	}
	if _, ok := s.Registry().Identity("c2"); ok {
		t.Error("duplicate hello must not bind the identity")
	}
}

func TestAssign_NotConnected(t *testing.T) {
	s := NewService(nil)
	a := connect(t, s, "c1", "A")
	if _, err := s.AssignController("A"); err != nil {
		t.Fatalf("AssignController(A) error = %v", err)
	}
	a.reset()

	_, err := s.AssignController("Z")
	if !apperrors.IsCode(err, apperrors.CodeRelayNotConnected) {
		t.Fatalf("AssignController(Z) error = %v, want not connected", err)
	}
	if got := s.Controller(); got != "A" {
		t.Errorf("Controller() = %q, want A unchanged", got)
	}
	if len(a.messages()) != 0 {
		t.Error("failed assignment must not broadcast")
	}
}

func TestAssign_ClearTokens(t *testing.T) {
	for _, token := range []string{"none", "NULL", "None"} {
		t.Run(token, func(t *testing.T) {
			s := NewService(nil)
			a := connect(t, s, "c1", "A")
			if _, err := s.AssignController("A"); err != nil {
				t.Fatalf("AssignController(A) error = %v", err)
			}

			if _, err := s.AssignController(token); err != nil {
				t.Fatalf("AssignController(%s) error = %v", token, err)
			}
			if got := s.Controller(); got != "" {
				t.Errorf("Controller() = %q, want none", got)
			}
			env, ok := a.lastOfType(protocol.MessageTypeControllerChanged)
			if !ok {
				t.Fatal("expected ControllerChanged broadcast")
			}
			if id := env.Payload.(protocol.ControllerChanged).ControllerID(); id != "" {
				t.Errorf("broadcast controller = %q, want none", id)
			}

			// With no controller, A's pointer no longer reaches anyone.
			b := connect(t, s, "c2", "B")
			ev := protocol.MouseEvent{Action: protocol.MouseMove, NormalizedX: 0.5, NormalizedY: 0.5}
			if err := s.Handle("c1", protocol.New(ev)); err != nil {
				t.Fatalf("Handle(mouse) error = %v", err)
			}
			if _, ok := b.lastOfType(protocol.MessageTypeMouseEvent); ok {
				t.Error("mouse event from a former controller must be dropped")
			}
		})
	}
}

func TestConnect_ConcurrentSameIdentity(t *testing.T) {
	s := NewService(nil)

	const n = 16
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.Connect(newFakeConn(fmt.Sprintf("c%d", i)), "Desk")
		}(i)
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case !apperrors.IsCode(err, apperrors.CodeRelayDuplicateIdentity):
			t.Errorf("Connect() error = %v, want duplicate identity", err)
		}
	}
	if ok != 1 {
		t.Fatalf("%d connections registered Desk, want exactly 1", ok)
	}
	if got := s.Registry().Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
}

// countObserver records ConnectionsChanged values in delivery order.
type countObserver struct {
	mu     sync.Mutex
	counts []int
}

func (o *countObserver) Relayed(protocol.MessageType, int) {}
func (o *countObserver) Dropped(protocol.MessageType, string) {}
func (o *countObserver) DuplicateRejected(string) {}
func (o *countObserver) ControllerChanged(string) {}

func (o *countObserver) ConnectionsChanged(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts = append(o.counts, n)
}

func TestConnectionsChanged_OrderedWithMembership(t *testing.T) {
	obs := &countObserver{}
	s := NewService(obs)

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			if err := s.Connect(newFakeConn(id), fmt.Sprintf("id%d", i)); err != nil {
				t.Errorf("Connect(%s) error = %v", id, err)
				return
			}
			if i%2 == 0 {
				s.Disconnect(id)
			}
		}(i)
	}
	wg.Wait()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.counts) != n+n/2 {
		t.Fatalf("got %d notifications, want %d", len(obs.counts), n+n/2)
	}
	for i := 1; i < len(obs.counts); i++ {
		if d := obs.counts[i] - obs.counts[i-1]; d != 1 && d != -1 {
			t.Fatalf("counts jump from %d to %d at %d", obs.counts[i-1], obs.counts[i], i)
		}
	}
	if last, want := obs.counts[len(obs.counts)-1], s.Registry().Count(); last != want {
		t.Errorf("last notification = %d, want Count() = %d", last, want)
	}
}

func TestDisconnect_ControllerClearedAndBroadcast(t *testing.T) {
	s := NewService(nil)
	connect(t, s, "c1", "A")
	b := connect(t, s, "c2", "B")

	if _, err := s.AssignController("a"); err != nil {
		t.Fatalf("AssignController(a) error = %v", err)
	}
	if got := s.Controller(); got != "A" {
		t.Fatalf("Controller() = %q, want registered spelling A", got)
	}
	b.reset()

	s.Disconnect("c1")

	if got := s.Controller(); got != "" {
		t.Errorf("Controller() = %q after controller left, want none", got)
	}
	env, ok := b.lastOfType(protocol.MessageTypeControllerChanged)
	if !ok {
		t.Fatal("remaining client should be told the controller left")
	}
	if id := env.Payload.(protocol.ControllerChanged).ControllerID(); id != "" {
		t.Errorf("broadcast controller = %q, want none", id)
	}
}

func TestDisconnect_NonControllerLeavesControllerAlone(t *testing.T) {
	s := NewService(nil)
	connect(t, s, "c1", "A")
	b := connect(t, s, "c2", "B")
	if _, err := s.AssignController("A"); err != nil {
		t.Fatal(err)
	}
	b.reset()

	s.Disconnect("c2")
	s.Disconnect("unknown")

	if got := s.Controller(); got != "A" {
		t.Errorf("Controller() = %q, want A", got)
	}
}

func TestMouseEvent_OnlyControllerRelayed(t *testing.T) {
	s := NewService(nil)
	a := connect(t, s, "c1", "A")
	b := connect(t, s, "c2", "B")
	c := connect(t, s, "c3", "C")
	if _, err := s.AssignController("A"); err != nil {
		t.Fatal(err)
	}
	a.reset()
	b.reset()
	c.reset()

	// Forged controller field is overwritten by the relay.
	ev := protocol.MouseEvent{ControllerClientID: "forged", Action: protocol.MouseMove, NormalizedX: 0.5, NormalizedY: 0.5}
	if err := s.Handle("c1", protocol.New(ev)); err != nil {
		t.Fatalf("Handle(mouse) error = %v", err)
	}

	if len(a.messages()) != 0 {
		t.Error("sender must not receive its own mouse event")
	}
	for _, peer := range []*fakeConn{b, c} {
		env, ok := peer.lastOfType(protocol.MessageTypeMouseEvent)
		if !ok {
			t.Fatalf("%s did not receive mouse event", peer.id)
		}
		if got := env.Payload.(protocol.MouseEvent).ControllerClientID; got != "A" {
			t.Errorf("controllerClientId = %q, want A", got)
		}
	}

	b.reset()
	c.reset()
	if err := s.Handle("c2", protocol.New(ev)); err != nil {
		t.Fatalf("Handle(mouse from B) error = %v", err)
	}
	if len(a.messages())+len(c.messages()) != 0 {
		t.Error("mouse event from non-controller must be dropped silently")
	}
}

func TestFileSync_ExcludesSender(t *testing.T) {
	s := NewService(nil)
	a := connect(t, s, "c1", "A")
	b := connect(t, s, "c2", "B")

	env := protocol.NewFileSync("A", "docs/a.txt", protocol.FileSyncUpdate, []byte("x"))
	if err := s.Handle("c1", env); err != nil {
		t.Fatalf("Handle(filesync) error = %v", err)
	}
	if _, ok := a.lastOfType(protocol.MessageTypeFileSync); ok {
		t.Error("sender must not receive its own file change")
	}
	if _, ok := b.lastOfType(protocol.MessageTypeFileSync); !ok {
		t.Error("peer should receive the file change")
	}
}

func TestRunService_TargetedAndBroadcast(t *testing.T) {
	s := NewService(nil)
	a := connect(t, s, "c1", "A")
	b := connect(t, s, "c2", "B")

	targeted := protocol.New(protocol.RunService{ServiceName: "backup", CorrelationID: "1", Target: "b"})
	if err := s.Handle("c1", targeted); err != nil {
		t.Fatalf("Handle(targeted) error = %v", err)
	}
	if _, ok := a.lastOfType(protocol.MessageTypeRunService); ok {
		t.Error("targeted RunService reached a non-target")
	}
	if _, ok := b.lastOfType(protocol.MessageTypeRunService); !ok {
		t.Error("target did not receive RunService")
	}

	missing := protocol.New(protocol.RunService{ServiceName: "backup", Target: "Z"})
	if err := s.Handle("c1", missing); !apperrors.IsCode(err, apperrors.CodeRelayNotConnected) {
		t.Errorf("Handle(unknown target) error = %v, want not connected", err)
	}

	a.reset()
	b.reset()
	if err := s.Handle("c1", protocol.New(protocol.RunCommand{Command: "notepad"})); err != nil {
		t.Fatalf("Handle(broadcast) error = %v", err)
	}
	if len(a.messages()) != 1 || len(b.messages()) != 1 {
		t.Errorf("broadcast RunCommand should reach everyone, got a=%d b=%d", len(a.messages()), len(b.messages()))
	}
}

func TestControllerChanged_FromClientRejected(t *testing.T) {
	s := NewService(nil)
	connect(t, s, "c1", "A")
	b := connect(t, s, "c2", "B")

	err := s.Handle("c1", protocol.NewControllerChanged("A"))
	if !apperrors.IsCode(err, apperrors.CodeRelayServerOnly) {
		t.Fatalf("Handle(ControllerChanged) error = %v, want server only", err)
	}
	if got := s.Controller(); got != "" {
		t.Errorf("Controller() = %q, want none", got)
	}
	if len(b.messages()) != 0 {
		t.Error("client-originated ControllerChanged must not be relayed")
	}
}

func TestBroadcast_SkipsFullBuffers(t *testing.T) {
	s := NewService(nil)
	a := connect(t, s, "c1", "A")
	b := connect(t, s, "c2", "B")
	b.full = true

	if n := s.Broadcast(protocol.NewHeartbeat(""), ""); n != 1 {
		t.Errorf("Broadcast() delivered to %d, want 1", n)
	}
	if len(a.messages()) != 1 {
		t.Error("healthy connection should still receive the broadcast")
	}
}

func TestAssign_ConcurrentOrderMatchesState(t *testing.T) {
	s := NewService(nil)
	watcher := connect(t, s, "w", "W")
	for i := 0; i < 8; i++ {
		connect(t, s, fmt.Sprintf("c%d", i), fmt.Sprintf("id%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.AssignController(fmt.Sprintf("id%d", i))
		}(i)
	}
	wg.Wait()

	env, ok := watcher.lastOfType(protocol.MessageTypeControllerChanged)
	if !ok {
		t.Fatal("expected ControllerChanged broadcasts")
	}
	if got := env.Payload.(protocol.ControllerChanged).ControllerID(); got != s.Controller() {
		t.Errorf("last broadcast %q disagrees with state %q", got, s.Controller())
	}
}
