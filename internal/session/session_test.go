package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/deskrelay/deskrelay/internal/errors"
	"github.com/deskrelay/deskrelay/internal/filesync"
	"github.com/deskrelay/deskrelay/internal/pointer"
	"github.com/deskrelay/deskrelay/internal/protocol"
	"github.com/deskrelay/deskrelay/internal/server"
)

const testRetry = 100 * time.Millisecond

func startRelay(t *testing.T) (*server.Server, Endpoint) {
	t.Helper()
	srv := server.NewServer("unused", server.Options{HelloTimeout: time.Second})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})
	ep, err := ParseEndpoint(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	return srv, ep
}

// startSession runs a session until the test ends.
func startSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.RetryDelay == 0 {
		opts.RetryDelay = testRetry
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("session did not stop")
		}
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dialRaw(t *testing.T, ep Endpoint, identity string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ep.WebSocket(identity), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil skips envelopes until one of type want arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want protocol.MessageType) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed waiting for %s: %v", want, err)
		}
		env, err := protocol.Decode(data)
		if err == nil && env.Type == want {
			return env
		}
	}
}

func registered(srv *server.Server, identity string) func() bool {
	return func() bool {
		_, ok := srv.Relay().Registry().Lookup(identity)
		return ok
	}
}

func TestNew_Validation(t *testing.T) {
	ep, _ := ParseEndpoint("http://relay:2665")
	if _, err := New(Options{Endpoint: ep}); err == nil {
		t.Error("expected error for empty identity")
	}
	if _, err := New(Options{Identity: "A"}); err == nil {
		t.Error("expected error for missing endpoint")
	}

	s, err := New(Options{Endpoint: ep, Identity: " A "})
	if err != nil {
		t.Fatal(err)
	}
	if s.Identity() != "A" || s.State() != Disconnected {
		t.Errorf("identity %q state %s", s.Identity(), s.State())
	}
	if err := s.Publish(protocol.NewHeartbeat("")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
}

func TestState_String(t *testing.T) {
	for state, want := range map[State]string{
		Disconnected: "Disconnected",
		Connecting:   "Connecting",
		Connected:    "Connected",
		Reconnecting: "Reconnecting",
		State(42):    "Unknown",
	} {
		if state.String() != want {
			t.Errorf("%d.String() = %q, want %q", state, state.String(), want)
		}
	}
}

func TestSession_ConnectRegistersAndResyncs(t *testing.T) {
	srv, ep := startRelay(t)

	dialRaw(t, ep, "A")
	waitFor(t, "A registered", registered(srv, "A"))
	if _, err := srv.Relay().AssignController("A"); err != nil {
		t.Fatal(err)
	}

	var (
		mu     sync.Mutex
		states []State
	)
	s := startSession(t, Options{
		Endpoint: ep,
		Identity: "B",
		OnStateChange: func(st State) {
			mu.Lock()
			states = append(states, st)
			mu.Unlock()
		},
	})

	waitFor(t, "B connected", func() bool { return s.State() == Connected })
	waitFor(t, "B registered", registered(srv, "B"))
	waitFor(t, "controller resync", func() bool { return s.Controller() == "A" })
	if s.IsController() {
		t.Error("B should not think it is the controller")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 2 || states[0] != Connecting || states[1] != Connected {
		t.Errorf("state transitions = %v, want Connecting then Connected", states)
	}
}

func TestSession_FollowsControllerChanges(t *testing.T) {
	srv, ep := startRelay(t)

	s := startSession(t, Options{Endpoint: ep, Identity: "B"})
	waitFor(t, "B registered", registered(srv, "B"))

	if _, err := srv.Relay().AssignController("b"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "B elected", s.IsController)

	if _, err := srv.Relay().AssignController("none"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "controller cleared", func() bool { return s.Controller() == "" })
}

// recordingDialer remembers every transport it opens.
type recordingDialer struct {
	inner Dialer

	mu         sync.Mutex
	transports []Transport
}

func (d *recordingDialer) Dial(ctx context.Context, ep Endpoint, identity string) (Transport, error) {
	tr, err := d.inner.Dial(ctx, ep, identity)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.transports = append(d.transports, tr)
	d.mu.Unlock()
	return tr, nil
}

func (d *recordingDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

func (d *recordingDialer) last() Transport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[len(d.transports)-1]
}

func TestSession_ReconnectResyncsController(t *testing.T) {
	srv, ep := startRelay(t)

	dialRaw(t, ep, "A")
	waitFor(t, "A registered", registered(srv, "A"))

	dialer := &recordingDialer{inner: WebSocketDialer}
	s := startSession(t, Options{Endpoint: ep, Identity: "B", Dialer: dialer, RetryDelay: 300 * time.Millisecond})
	waitFor(t, "B registered", registered(srv, "B"))
	waitFor(t, "initial resync", func() bool { return s.State() == Connected && s.Controller() == "" })

	// Drop the link, then change the controller while B is away.
	dialer.last().Close()
	waitFor(t, "B reconnecting", func() bool { return s.State() == Reconnecting })
	waitFor(t, "B unregistered", func() bool { return !registered(srv, "B")() })
	if _, err := srv.Relay().AssignController("A"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "B reconnected", func() bool { return dialer.count() >= 2 && s.State() == Connected })
	waitFor(t, "controller resynced", func() bool { return s.Controller() == srv.Relay().Controller() })
	if s.Controller() != "A" {
		t.Errorf("Controller() = %q, want A", s.Controller())
	}
}

func TestSession_DuplicateIdentityKeepsRetrying(t *testing.T) {
	srv, ep := startRelay(t)

	holder := dialRaw(t, ep, "B")
	waitFor(t, "holder registered", registered(srv, "B"))
	holderConn, _ := srv.Relay().Registry().Lookup("B")

	var attempts atomic.Int32
	dialer := DialerFunc(func(ctx context.Context, ep Endpoint, identity string) (Transport, error) {
		attempts.Add(1)
		return DialWebSocket(ctx, ep, identity)
	})
	s := startSession(t, Options{Endpoint: ep, Identity: "B", Dialer: dialer})

	waitFor(t, "repeated attempts", func() bool { return attempts.Load() >= 3 })
	if srv.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want only the original holder", srv.ClientCount())
	}

	holder.Close()
	waitFor(t, "session takes over the identity", func() bool {
		conn, ok := srv.Relay().Registry().Lookup("B")
		return ok && conn.ID() != holderConn.ID() && s.State() == Connected
	})
}

func TestSession_MouseFromControllerReachesPeers(t *testing.T) {
	srv, ep := startRelay(t)

	inj := &fakeInjector{}
	a := startSession(t, Options{
		Endpoint:     ep,
		Identity:     "A",
		CaptureMouse: true,
		Bounds:       fixedBounds(pointer.Rect{Width: 1000, Height: 1000}),
	})
	b := startSession(t, Options{
		Endpoint:         ep,
		Identity:         "B",
		CaptureMouse:     true,
		FollowController: true,
		Pointer:          inj,
		Bounds:           fixedBounds(pointer.Rect{Width: 200, Height: 100}),
	})
	waitFor(t, "both registered", func() bool { return registered(srv, "A")() && registered(srv, "B")() })

	if _, err := srv.Relay().AssignController("A"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "A elected", a.IsController)
	waitFor(t, "B sees A", func() bool { return b.Controller() == "A" })

	if b.CaptureMouse(protocol.MouseMove, 10, 10, 0) {
		t.Error("B is not the controller and must not publish")
	}
	if !a.CaptureMouse(protocol.MouseMove, 500, 500, 0) {
		t.Fatal("A should publish its move")
	}

	waitFor(t, "B injects the move", func() bool { return len(inj.snapshot()) == 1 })
	if got := inj.snapshot()[0]; got != (injected{protocol.MouseMove, 100, 50, 0}) {
		t.Errorf("injected %+v, want Move at (100,50)", got)
	}
}

func TestSession_LongPollTransport(t *testing.T) {
	srv, ep := startRelay(t)

	peer := dialRaw(t, ep, "A")
	waitFor(t, "A registered", registered(srv, "A"))

	b := startSession(t, Options{
		Endpoint:     ep,
		Identity:     "B",
		Dialer:       NewDialer("longpoll", nil),
		CaptureMouse: true,
		Bounds:       fixedBounds(pointer.Rect{Width: 100, Height: 100}),
	})
	waitFor(t, "B registered over long-poll", registered(srv, "B"))

	if _, err := srv.Relay().AssignController("B"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "B elected", b.IsController)

	if !b.CaptureMouse(protocol.MouseMove, 25, 75, 0) {
		t.Fatal("B should publish its move")
	}
	env := readUntil(t, peer, protocol.MessageTypeMouseEvent)
	ev := env.Payload.(protocol.MouseEvent)
	if ev.ControllerClientID != "B" || ev.NormalizedX != 0.25 || ev.NormalizedY != 0.75 {
		t.Errorf("peer received %+v", ev)
	}
}

func TestSession_RunServicePostsResult(t *testing.T) {
	srv, ep := startRelay(t)

	results := make(chan protocol.ServiceResult, 1)
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var res protocol.ServiceResult
		if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
			t.Errorf("callback body: %v", err)
		}
		results <- res
		w.WriteHeader(http.StatusOK)
	}))
	defer callback.Close()

	startSession(t, Options{Endpoint: ep, Identity: "B", ResultCallback: callback.URL})
	waitFor(t, "B registered", registered(srv, "B"))

	api := NewAPI(ep)
	corr, err := api.RunService(context.Background(), protocol.RunService{ServiceName: "backup", CorrelationID: "c-1", Target: "B"})
	if err != nil {
		t.Fatalf("RunService() error = %v", err)
	}
	if corr != "c-1" {
		t.Errorf("correlation = %q, want c-1", corr)
	}

	select {
	case res := <-results:
		if res.ServiceName != "backup" || res.CorrelationID != "c-1" || !res.Success {
			t.Errorf("result = %+v", res)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no ServiceResult posted")
	}
}

func TestSession_FileSyncBetweenPeers(t *testing.T) {
	srv, ep := startRelay(t)

	newPeer := func(identity string) (*Session, string) {
		root := t.TempDir()
		pub := &latePublisher{}
		engine, err := filesync.NewEngine(filesync.Options{Root: root, Identity: identity}, pub)
		if err != nil {
			t.Fatal(err)
		}
		s := startSession(t, Options{Endpoint: ep, Identity: identity, Files: engine})
		pub.set(s)

		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go engine.Run(ctx)
		return s, engine.Root()
	}

	a, rootA := newPeer("A")
	b, rootB := newPeer("B")
	waitFor(t, "both connected", func() bool {
		return a.State() == Connected && b.State() == Connected && srv.ClientCount() == 2
	})
	// Let the watchers settle before producing events.
	time.Sleep(100 * time.Millisecond)

	if err := os.MkdirAll(filepath.Join(rootA, "notes"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rootA, "notes", "todo.txt"), []byte("ship it"), 0o644); err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(rootB, "notes", "todo.txt")
	waitFor(t, "file replicated to B", func() bool {
		data, err := os.ReadFile(target)
		return err == nil && string(data) == "ship it"
	})
}

// latePublisher forwards to a session created after the engine.
type latePublisher struct {
	mu sync.Mutex
	s  *Session
}

func (p *latePublisher) set(s *Session) {
	p.mu.Lock()
	p.s = s
	p.mu.Unlock()
}

func (p *latePublisher) session() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.s
}

func (p *latePublisher) Publish(env protocol.Envelope) error {
	s := p.session()
	if s == nil {
		return ErrNotConnected
	}
	return s.Publish(env)
}

func (p *latePublisher) PublishWait(ctx context.Context, env protocol.Envelope) error {
	s := p.session()
	if s == nil {
		return ErrNotConnected
	}
	return s.PublishWait(ctx, env)
}

// countingTransport counts FileSync envelopes written to the relay.
type countingTransport struct {
	Transport
	files *atomic.Int32
}

func (c countingTransport) Send(ctx context.Context, env protocol.Envelope) error {
	err := c.Transport.Send(ctx, env)
	if err == nil && env.Type == protocol.MessageTypeFileSync {
		c.files.Add(1)
	}
	return err
}

func TestSession_InitialPushLargerThanQueue(t *testing.T) {
	_, ep := startRelay(t)

	root := t.TempDir()
	const files = outboundQueueSize*2 + 88
	for i := 0; i < files; i++ {
		name := filepath.Join(root, fmt.Sprintf("f%04d.txt", i))
		if err := os.WriteFile(name, []byte("content"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	var sent atomic.Int32
	dialer := DialerFunc(func(ctx context.Context, ep Endpoint, identity string) (Transport, error) {
		tr, err := DialWebSocket(ctx, ep, identity)
		if err != nil {
			return nil, err
		}
		return countingTransport{Transport: tr, files: &sent}, nil
	})

	pub := &latePublisher{}
	engine, err := filesync.NewEngine(filesync.Options{Root: root, Identity: "A"}, pub)
	if err != nil {
		t.Fatal(err)
	}
	s := startSession(t, Options{Endpoint: ep, Identity: "A", Dialer: dialer, Files: engine})
	pub.set(s)
	waitFor(t, "A connected", func() bool { return s.State() == Connected })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := engine.PushInitial(ctx)
	if err != nil || n != files {
		t.Fatalf("PushInitial() = %d, %v; want %d, nil", n, err, files)
	}

	deadline := time.Now().Add(10 * time.Second)
	for sent.Load() < files && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := sent.Load(); got != files {
		t.Fatalf("relay received %d FileSync envelopes, want %d", got, files)
	}
}

func TestSession_LinkTeardown(t *testing.T) {
	ep, _ := ParseEndpoint("http://relay:2665")
	var states []State
	s, err := New(Options{Endpoint: ep, Identity: "A", OnStateChange: func(st State) { states = append(states, st) }})
	if err != nil {
		t.Fatal(err)
	}

	l := s.openLink()
	for i := 0; i < outboundQueueSize; i++ {
		if err := s.Publish(protocol.NewHeartbeat("A")); err != nil {
			t.Fatalf("Publish(%d) error = %v", i, err)
		}
	}
	if err := s.Publish(protocol.NewHeartbeat("A")); !apperrors.IsCode(err, apperrors.CodeServerSendFailed) {
		t.Fatalf("Publish() on a full queue error = %v, want send failed", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- s.PublishWait(context.Background(), protocol.NewHeartbeat("A")) }()
	time.Sleep(20 * time.Millisecond)
	s.closeLink(l, Reconnecting)

	select {
	case err := <-waitErr:
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("PublishWait() error = %v, want ErrNotConnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("PublishWait did not return when the connection ended")
	}
	if s.State() != Reconnecting {
		t.Fatalf("state = %s, want Reconnecting", s.State())
	}
	if err := s.Publish(protocol.NewHeartbeat("A")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Publish() after teardown error = %v, want ErrNotConnected", err)
	}

	// Nothing queued for the old connection reaches the next one.
	next := s.openLink()
	if len(next.queue) != 0 {
		t.Fatalf("new connection starts with %d queued envelopes", len(next.queue))
	}
	if want := []State{Connected, Reconnecting, Connected}; fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

func TestSession_PublishWaitHonorsContext(t *testing.T) {
	ep, _ := ParseEndpoint("http://relay:2665")
	s, err := New(Options{Endpoint: ep, Identity: "A"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PublishWait(context.Background(), protocol.NewHeartbeat("A")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("PublishWait() before connecting error = %v, want ErrNotConnected", err)
	}

	s.openLink()
	for i := 0; i < outboundQueueSize; i++ {
		if err := s.Publish(protocol.NewHeartbeat("A")); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.PublishWait(ctx, protocol.NewHeartbeat("A")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("PublishWait() error = %v, want deadline exceeded", err)
	}
}

func TestAPI_Controller(t *testing.T) {
	srv, ep := startRelay(t)
	api := NewAPI(ep)
	ctx := context.Background()

	if got, err := api.Controller(ctx); err != nil || got != "" {
		t.Fatalf("Controller() = %q, %v", got, err)
	}

	_, err := api.SetController(ctx, "ghost")
	if !apperrors.IsCode(err, apperrors.CodeRelayNotConnected) {
		t.Errorf("SetController(ghost) error = %v, want relay.not_connected", err)
	}

	dialRaw(t, ep, "Desk 1")
	waitFor(t, "Desk 1 registered", registered(srv, "Desk 1"))
	if got, err := api.SetController(ctx, "Desk 1"); err != nil || got != "Desk 1" {
		t.Fatalf("SetController() = %q, %v", got, err)
	}
	if got, _ := api.Controller(ctx); got != "Desk 1" {
		t.Errorf("Controller() = %q", got)
	}
	if got, err := api.SetController(ctx, ""); err != nil || got != "" {
		t.Errorf("clearing returned %q, %v", got, err)
	}

	if err := api.RunCommand(ctx, "", nil, ""); !apperrors.IsCode(err, apperrors.CodeServerInvalidMessage) {
		t.Errorf("RunCommand(empty) error = %v, want server.invalid_message", err)
	}
	if err := api.RunCommand(ctx, "notepad", nil, "nobody"); !apperrors.IsCode(err, apperrors.CodeRelayNotConnected) {
		t.Errorf("RunCommand(unknown target) error = %v, want relay.not_connected", err)
	}
}
