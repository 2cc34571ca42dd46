package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/deskrelay/deskrelay/internal/filesync"
	"github.com/deskrelay/deskrelay/internal/mdns"
	"github.com/deskrelay/deskrelay/internal/pointer"
	"github.com/deskrelay/deskrelay/internal/prefs"
	"github.com/deskrelay/deskrelay/internal/protocol"
	"github.com/deskrelay/deskrelay/internal/screen"
	"github.com/deskrelay/deskrelay/internal/session"
)

// defaultDiscoverTimeout bounds the mDNS lookup for endpoint "auto".
const defaultDiscoverTimeout = 5 * time.Second

// ClientConfig holds the configuration for the client command.
type ClientConfig struct {
	Prefs           string
	Endpoint        string
	LogLevel        string
	LogFile         string
	PushInitial     bool
	NoScreenshot    bool
	SyncPoll        time.Duration
	DiscoverTimeout time.Duration
}

func runClient(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &ClientConfig{}
	fs.StringVar(&cfg.Prefs, "prefs", "", "Path to preference file (default: ~/.deskrelay/client.json)")
	fs.StringVar(&cfg.Endpoint, "endpoint", "", "Relay URL for this run, or \"auto\" to discover it (not saved)")
	fs.StringVar(&cfg.LogLevel, "log-level", "", "Log level: debug, info (default: info)")
	fs.StringVar(&cfg.LogFile, "log-file", "", "Append logs to this file instead of stderr")
	fs.BoolVar(&cfg.PushInitial, "push-initial", false, "Send every file in the sync directory once connected")
	fs.BoolVar(&cfg.NoScreenshot, "no-screenshot", false, "Do not upload a screenshot on connect")
	fs.DurationVar(&cfg.SyncPoll, "sync-poll", 0, "Scan the sync directory at this interval instead of using native notifications")
	fs.DurationVar(&cfg.DiscoverTimeout, "discover-timeout", defaultDiscoverTimeout, "How long to look for a relay when the endpoint is \"auto\"")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: deskrelay client [options]\n\nConnect to a relay and mirror the controller's mouse and the sync directory.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	p, err := loadClientPrefs(cfg.Prefs)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if cfg.Endpoint != "" {
		p.Endpoint = cfg.Endpoint
	}
	if cfg.PushInitial && !p.SyncEnabled {
		fmt.Fprintln(stderr, "Error: --push-initial needs sync_enabled (deskrelay prefs set sync_enabled=true)")
		return 1
	}

	if cfg.LogFile != "" {
		logFile, err := openLogFile(cfg.LogFile)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer logFile.Close()
		log.SetOutput(logFile)
		defer log.SetOutput(os.Stderr)
	}
	debug := strings.EqualFold(cfg.LogLevel, "debug")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(stdout, "\nReceived signal %v, stopping...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	rawEndpoint, err := resolveEndpoint(ctx, p.Endpoint, cfg.DiscoverTimeout, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ep, err := session.ParseEndpoint(rawEndpoint)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// The engine publishes through the session, which does not exist yet.
	publish := &sessionPublisher{}

	var engine *filesync.Engine
	if p.SyncEnabled {
		root, err := p.SyncRoot()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		engine, err = filesync.NewEngine(filesync.Options{
			Root:         root,
			Identity:     p.Identity,
			Strict:       p.StrictApply,
			PollInterval: cfg.SyncPoll,
			Debug:        debug,
		}, publish)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	connected := make(chan struct{}, 1)
	device := pointer.NewDevice()
	opts := session.Options{
		Endpoint:         ep,
		Identity:         p.Identity,
		MachineName:      machineName(),
		UserName:         userName(),
		Dialer:           session.NewDialer(p.Transport, nil),
		Pointer:          device,
		MouseHz:          p.MouseHz,
		CaptureMouse:     p.Controller,
		FollowController: p.FollowController,
		ResultCallback:   p.ResultCallback,
		OnStateChange: func(st session.State) {
			fmt.Fprintf(stdout, "Status: %s\n", st)
			if st == session.Connected {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		},
		Debug: debug,
	}
	if engine != nil {
		opts.Files = engine
	}
	if !cfg.NoScreenshot {
		opts.Screen = &screen.Uploader{Capturer: screen.Desktop{}}
	}
	sess, err := session.New(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	publish.sess = sess

	fmt.Fprintf(stdout, "Identity:     %s\n", sess.Identity())
	fmt.Fprintf(stdout, "Relay:        %s\n", ep)
	fmt.Fprintf(stdout, "Transport:    %s\n", p.Transport)
	if engine != nil {
		mode := "lenient"
		if p.StrictApply {
			mode = "strict"
		}
		fmt.Fprintf(stdout, "Sync:         %s (%s)\n", engine.Root(), mode)
	} else {
		fmt.Fprintln(stdout, "Sync:         disabled")
	}
	fmt.Fprintf(stdout, "Mouse:        capture=%v follow=%v rate=%gHz\n", p.Controller, p.FollowController, session.ClampHz(p.MouseHz))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sess.Run(ctx)
	}()

	if engine != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("filesync: watcher stopped: %v", err)
			}
		}()
	}

	if p.Controller {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.TrackPointer(ctx, device)
		}()
	}

	if cfg.PushInitial {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-connected:
			case <-ctx.Done():
				return
			}
			n, err := engine.PushInitial(ctx)
			if err != nil {
				log.Printf("filesync: initial push stopped after %d files: %v", n, err)
				return
			}
			fmt.Fprintf(stdout, "Pushed %d files\n", n)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return 0
}

// loadClientPrefs loads the preference file and applies environment
// overrides.
func loadClientPrefs(path string) (*prefs.Prefs, error) {
	p, err := prefs.Load(path)
	if err != nil {
		return nil, err
	}
	if err := p.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return p, nil
}

// resolveEndpoint returns raw unchanged unless it asks for discovery.
func resolveEndpoint(ctx context.Context, raw string, timeout time.Duration, stdout io.Writer) (string, error) {
	if !strings.EqualFold(strings.TrimSpace(raw), prefs.EndpointAuto) {
		return raw, nil
	}
	if timeout <= 0 {
		timeout = defaultDiscoverTimeout
	}

	fmt.Fprintln(stdout, "Looking for a relay on the local network...")
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	host, err := mdns.DiscoverFirst(dctx)
	if err != nil {
		return "", fmt.Errorf("relay discovery failed: %w", err)
	}
	fmt.Fprintf(stdout, "Found relay %q at %s\n", host.Name, host.Endpoint())
	return host.Endpoint(), nil
}

// sessionPublisher forwards the sync engine's envelopes to a session
// created after the engine.
type sessionPublisher struct {
	sess *session.Session
}

func (p *sessionPublisher) Publish(env protocol.Envelope) error {
	return p.sess.Publish(env)
}

func (p *sessionPublisher) PublishWait(ctx context.Context, env protocol.Envelope) error {
	return p.sess.PublishWait(ctx, env)
}

func machineName() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}

func userName() string {
	u, err := user.Current()
	if err != nil {
		return os.Getenv("USER")
	}
	return u.Username
}
