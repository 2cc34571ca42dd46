// Package session implements the client side of the relay: a supervised
// connection that announces its identity, resyncs the controller after
// every (re)connect, publishes local mouse and file changes, and applies
// what other clients send.
//
// States move Disconnected → Connecting → Connected → Reconnecting and back
// to Connected; Disconnected is only re-entered when Run returns.
package session

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	apperrors "github.com/deskrelay/deskrelay/internal/errors"
	"github.com/deskrelay/deskrelay/internal/pointer"
	"github.com/deskrelay/deskrelay/internal/protocol"
)

// State is the session's connectivity indicator.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

const (
	// DefaultRetryDelay is the fixed wait between connection attempts.
	DefaultRetryDelay = 5 * time.Second

	// outboundQueueSize bounds envelopes waiting for the writer.
	outboundQueueSize = 256

	// screenshotTimeout bounds the connect-time capture upload.
	screenshotTimeout = 30 * time.Second
)

// ErrNotConnected is returned by Publish and PublishWait while the session
// is not Connected.
var ErrNotConnected = errors.New("session: not connected")

// FileApplier applies relayed file changes to the local tree.
type FileApplier interface {
	Apply(msg protocol.FileSync) error
}

// ScreenUploader captures the desktop and posts it to the relay.
type ScreenUploader interface {
	Upload(ctx context.Context, baseURL, identity string) (int, error)
}

// Options configures a Session.
type Options struct {
	Endpoint Endpoint
	Identity string

	// MachineName and UserName are sent in ClientHello.
	MachineName string
	UserName    string

	// Dialer opens transports. Defaults to WebSocket with long-poll fallback.
	Dialer Dialer

	// API reaches the side APIs. Defaults to NewAPI(Endpoint).
	API *API

	// Files receives relayed FileSync messages. Nil ignores them.
	Files FileApplier

	// Screen is invoked once per connect. Nil skips the upload.
	Screen ScreenUploader

	// Pointer injects relayed mouse events. Defaults to pointer.Nop.
	Pointer pointer.Injector

	// Bounds returns the local virtual-screen box. Defaults to
	// pointer.VirtualBounds.
	Bounds func() pointer.Rect

	// MouseHz caps captured movement events; clamped to (0, 240].
	MouseHz float64

	// CaptureMouse publishes local mouse input while this identity is
	// the controller.
	CaptureMouse bool

	// FollowController applies relayed mouse events locally.
	FollowController bool

	// ResultCallback receives ServiceResult posts for RunService.
	// Empty skips the post.
	ResultCallback string

	// RetryDelay overrides DefaultRetryDelay.
	RetryDelay time.Duration

	// OnStateChange is called on every state transition.
	OnStateChange func(State)

	Debug bool
}

// Session is one client's supervised link to the relay.
type Session struct {
	endpoint Endpoint
	identity string
	machine  string
	user     string

	dialer  Dialer
	api     *API
	files   FileApplier
	screen  ScreenUploader
	pointer pointer.Injector
	bounds  func() pointer.Rect

	captureMouse     bool
	followController bool
	resultCallback   string
	retryDelay       time.Duration
	onStateChange    func(State)
	debug            bool

	capture *captureFilter

	mu         sync.Mutex
	state      State
	controller string
	link       *link // nil while not Connected

	// wg tracks side tasks spawned while connected.
	wg sync.WaitGroup
}

// New validates opts and returns an idle session.
func New(opts Options) (*Session, error) {
	identity := strings.TrimSpace(opts.Identity)
	if identity == "" {
		return nil, errors.New("session: identity is required")
	}
	if opts.Endpoint == (Endpoint{}) {
		return nil, errors.New("session: endpoint is required")
	}

	s := &Session{
		endpoint:         opts.Endpoint,
		identity:         identity,
		machine:          opts.MachineName,
		user:             opts.UserName,
		dialer:           opts.Dialer,
		api:              opts.API,
		files:            opts.Files,
		screen:           opts.Screen,
		pointer:          opts.Pointer,
		bounds:           opts.Bounds,
		captureMouse:     opts.CaptureMouse,
		followController: opts.FollowController,
		resultCallback:   opts.ResultCallback,
		retryDelay:       opts.RetryDelay,
		onStateChange:    opts.OnStateChange,
		debug:            opts.Debug,
		capture:          newCaptureFilter(opts.MouseHz),
	}
	if s.dialer == nil {
		s.dialer = NewDialer("auto", nil)
	}
	if s.api == nil {
		s.api = NewAPI(opts.Endpoint)
	}
	if s.pointer == nil {
		s.pointer = pointer.Nop{}
	}
	if s.bounds == nil {
		s.bounds = pointer.VirtualBounds
	}
	if s.retryDelay <= 0 {
		s.retryDelay = DefaultRetryDelay
	}
	return s, nil
}

// Identity returns the identity this session announces.
func (s *Session) Identity() string { return s.identity }

// State returns the current connectivity state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	cb := s.onStateChange
	s.mu.Unlock()

	log.Printf("session: status: %s", state)
	if cb != nil {
		cb(state)
	}
}

// Controller returns the locally known controller, or "" when none.
func (s *Session) Controller() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controller
}

// IsController reports whether this session's identity holds control.
func (s *Session) IsController() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controller != "" && strings.EqualFold(s.controller, s.identity)
}

func (s *Session) setController(identity string) {
	s.mu.Lock()
	changed := s.controller != identity
	s.controller = identity
	s.mu.Unlock()

	if !changed {
		return
	}
	if identity == "" {
		log.Printf("session: controller cleared")
	} else {
		log.Printf("session: controller is now %q", identity)
	}
}

// link is the outbound queue of one connection. Envelopes still queued
// when the connection ends are discarded with it, so nothing published
// for one connection is sent on the next.
type link struct {
	queue chan protocol.Envelope
	done  chan struct{}
}

// openLink makes a fresh queue current and enters Connected.
func (s *Session) openLink() *link {
	l := &link{
		queue: make(chan protocol.Envelope, outboundQueueSize),
		done:  make(chan struct{}),
	}
	s.mu.Lock()
	s.link = l
	s.mu.Unlock()
	s.setState(Connected)
	return l
}

// closeLink leaves Connected before l is abandoned.
func (s *Session) closeLink(l *link, next State) {
	s.mu.Lock()
	if s.link == l {
		s.link = nil
	}
	close(l.done)
	s.mu.Unlock()
	s.setState(next)
}

func (s *Session) currentLink() *link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// Publish queues env for the relay without blocking. Envelopes published
// while the session is not Connected are dropped and ErrNotConnected is
// returned.
func (s *Session) Publish(env protocol.Envelope) error {
	l := s.currentLink()
	if l == nil {
		return ErrNotConnected
	}
	select {
	case <-l.done:
		return ErrNotConnected
	default:
	}
	select {
	case l.queue <- env:
		return nil
	default:
		return apperrors.SendFailed("outbound queue full")
	}
}

// PublishWait is Publish that waits for queue space. It fails with
// ErrNotConnected if the connection ends first, or with ctx's error.
func (s *Session) PublishWait(ctx context.Context, env protocol.Envelope) error {
	l := s.currentLink()
	if l == nil {
		return ErrNotConnected
	}
	select {
	case <-l.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	case l.queue <- env:
	}
	select {
	case <-l.done:
		// Queued after the writer stopped; it will not be sent.
		return ErrNotConnected
	default:
		return nil
	}
}

// Run connects and keeps the session connected until ctx is cancelled.
// Transport failures are retried every RetryDelay; Run only returns when
// ctx is done.
func (s *Session) Run(ctx context.Context) error {
	defer func() {
		s.setState(Disconnected)
		s.wg.Wait()
	}()

	retry := backoff.NewConstantBackOff(s.retryDelay)
	everConnected := false

	for {
		if everConnected {
			s.setState(Reconnecting)
		} else {
			s.setState(Connecting)
		}

		connected, err := s.serve(ctx)
		everConnected = everConnected || connected
		if ctx.Err() != nil {
			return nil
		}
		if everConnected {
			s.setState(Reconnecting)
		}

		wait := retry.NextBackOff()
		switch {
		case apperrors.IsCode(err, apperrors.CodeRelayDuplicateIdentity):
			log.Printf("session: identity %q is already connected elsewhere; retrying in %s", s.identity, wait)
		case err != nil:
			log.Printf("session: connection to %s lost: %v; retrying in %s", s.endpoint, err, wait)
		default:
			log.Printf("session: connection to %s closed; retrying in %s", s.endpoint, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// serve runs one connection from dial to teardown. connected reports
// whether the session reached Connected.
func (s *Session) serve(ctx context.Context) (connected bool, err error) {
	t, err := s.dialer.Dial(ctx, s.endpoint, s.identity)
	if err != nil {
		return false, err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer t.Close()

	l := s.openLink()
	defer func() {
		if ctx.Err() != nil {
			s.closeLink(l, Disconnected)
		} else {
			s.closeLink(l, Reconnecting)
		}
	}()

	if err := t.Send(connCtx, protocol.NewClientHello(s.identity, s.machine, s.user)); err != nil {
		return true, err
	}
	log.Printf("session: connected to %s over %s as %q", s.endpoint, t.Name(), s.identity)

	if s.screen != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.uploadScreen(connCtx)
		}()
	}
	s.resyncController(connCtx)

	errCh := make(chan error, 2)
	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		errCh <- s.readLoop(connCtx, t)
	}()
	go func() {
		defer loops.Done()
		errCh <- s.writeLoop(connCtx, t, l.queue)
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	cancel()
	t.Close()
	loops.Wait()
	return true, err
}

// resyncController replaces the local controller view with the relay's.
func (s *Session) resyncController(ctx context.Context) {
	controller, err := s.api.Controller(ctx)
	if err != nil {
		log.Printf("session: controller resync failed: %v", err)
		return
	}
	s.setController(controller)
}

func (s *Session) uploadScreen(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, screenshotTimeout)
	defer cancel()

	status, err := s.screen.Upload(ctx, s.endpoint.String(), s.identity)
	if err != nil {
		log.Printf("session: screenshot upload failed: %v", err)
		return
	}
	if s.debug {
		log.Printf("session: screenshot uploaded (%d)", status)
	}
}

// readLoop handles inbound envelopes in arrival order.
func (s *Session) readLoop(ctx context.Context, t Transport) error {
	for {
		env, err := t.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.dispatch(ctx, env)
	}
}

// writeLoop is the single consumer of one connection's queue.
func (s *Session) writeLoop(ctx context.Context, t Transport, queue <-chan protocol.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-queue:
			if err := t.Send(ctx, env); err != nil {
				if isFatal(err) {
					return err
				}
				log.Printf("session: relay refused %s: %v", env.Type, err)
			}
		}
	}
}

// dispatch applies one inbound envelope.
func (s *Session) dispatch(ctx context.Context, env protocol.Envelope) {
	switch p := env.Payload.(type) {
	case protocol.Heartbeat:
		if s.debug && p.Hello != "" {
			log.Printf("session: hello from %q", p.Hello)
		}

	case protocol.ControllerChanged:
		s.setController(p.ControllerID())

	case protocol.MouseEvent:
		s.applyMouse(p)

	case protocol.FileSync:
		if s.files == nil {
			return
		}
		if strings.EqualFold(p.SenderClientID, s.identity) {
			return
		}
		// Errors are logged by the applier; one bad file never stops the session.
		s.files.Apply(p)

	case protocol.RunCommand:
		log.Printf("session: RunCommand %q %v received (no return)", p.Command, p.Arguments)

	case protocol.RunService:
		log.Printf("session: RunService %q received (correlation=%s)", p.ServiceName, p.CorrelationID)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reportService(ctx, p)
		}()

	case protocol.ServiceResult:
		log.Printf("session: ServiceResult %q correlation=%s success=%t %s",
			p.ServiceName, p.CorrelationID, p.Success, p.Message)

	case protocol.Screenshot:
		log.Printf("session: screenshot from %q captured at %s (%d bytes base64)",
			p.ClientID, p.CapturedAt.Format(time.RFC3339), len(p.Base64PNG))

	default:
		log.Printf("session: ignoring %s", env.Type)
	}
}

// reportService posts the outcome of a RunService to the result callback.
func (s *Session) reportService(ctx context.Context, req protocol.RunService) {
	if s.resultCallback == "" {
		if s.debug {
			log.Printf("session: no result_callback set, not reporting %q", req.ServiceName)
		}
		return
	}

	result := protocol.ServiceResult{
		ServiceName:   req.ServiceName,
		CorrelationID: req.CorrelationID,
		Success:       true,
		Message:       "ok",
	}
	if err := s.api.PostResult(ctx, s.resultCallback, result); err != nil {
		log.Printf("session: posting ServiceResult for %q failed: %v", req.ServiceName, err)
		return
	}
	log.Printf("session: ServiceResult posted for %q", req.ServiceName)
}
