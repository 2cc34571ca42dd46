package filesync

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/deskrelay/deskrelay/internal/errors"
	"github.com/deskrelay/deskrelay/internal/protocol"
)

var errIsDirectory = errors.New("path is a directory")

// Publisher hands an outbound envelope to the client session.
type Publisher interface {
	Publish(env protocol.Envelope) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(env protocol.Envelope) error

// Publish calls f(env).
func (f PublisherFunc) Publish(env protocol.Envelope) error { return f(env) }

// WaitPublisher is a Publisher that can also wait for room in the
// session's queue. PushInitial prefers it so large trees are not cut short.
type WaitPublisher interface {
	Publisher
	PublishWait(ctx context.Context, env protocol.Envelope) error
}

// Options configures an Engine.
type Options struct {
	// Root is the synchronized directory. It is created if missing.
	Root string

	// Identity is stamped as the sender of every outbound change.
	Identity string

	Strict bool

	// SuppressWindow defaults to DefaultSuppressWindow.
	SuppressWindow time.Duration

	// PollInterval forces the scanning watcher when positive. The scanner
	// is also used when native notifications are unavailable.
	PollInterval time.Duration

	Debug bool
}

// Engine ties the watcher send path and the apply receive path together.
type Engine struct {
	root      string
	identity  string
	publisher Publisher
	suppress  *Suppressor
	applier   *Applier
	poll      time.Duration
	debug     bool

	// ready is closed once the watcher observes the tree.
	ready chan struct{}
}

// NewEngine creates the sync root if needed and returns an idle engine.
// Call Run to start watching.
func NewEngine(opts Options, publisher Publisher) (*Engine, error) {
	if opts.Root == "" {
		return nil, apperrors.New(apperrors.CodeSyncApplyFailed, "sync root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, apperrors.ApplyFailed(opts.Root, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperrors.ApplyFailed(root, err)
	}
	// Resolve symlinks so watcher paths and applied paths agree.
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	suppress := NewSuppressor(opts.SuppressWindow)
	return &Engine{
		root:      root,
		identity:  opts.Identity,
		publisher: publisher,
		suppress:  suppress,
		applier:   &Applier{Root: root, Strict: opts.Strict, Suppress: suppress},
		poll:      opts.PollInterval,
		debug:     opts.Debug,
		ready:     make(chan struct{}),
	}, nil
}

// Root returns the absolute sync root.
func (e *Engine) Root() string { return e.root }

// Suppressor exposes the shared suppression table.
func (e *Engine) Suppressor() *Suppressor { return e.suppress }

// Apply is the receive path for a relayed FileSync message.
func (e *Engine) Apply(msg protocol.FileSync) error {
	changed, err := e.applier.Apply(msg)
	if err != nil {
		log.Printf("filesync: apply %s %s from %q failed: %v", msg.Operation, msg.RelativePath, msg.SenderClientID, err)
		return err
	}
	if changed {
		log.Printf("filesync: applied %s %s from %q", msg.Operation, msg.RelativePath, msg.SenderClientID)
	} else if e.debug {
		log.Printf("filesync: %s %s from %q left the tree unchanged", msg.Operation, msg.RelativePath, msg.SenderClientID)
	}
	return nil
}

// Run watches the root until ctx is cancelled. Native notifications are
// preferred; the scanner takes over when they cannot be set up.
func (e *Engine) Run(ctx context.Context) error {
	if e.poll > 0 {
		return e.runPoller(ctx, e.poll)
	}
	err := e.runWatcher(ctx)
	if errors.Is(err, errWatcherUnavailable) {
		log.Printf("filesync: native watcher unavailable, scanning every %s: %v", DefaultPollInterval, err)
		return e.runPoller(ctx, DefaultPollInterval)
	}
	return err
}

// emitChange reads path whole and publishes it unless it is suppressed.
func (e *Engine) emitChange(path string, op protocol.FileSyncOp) {
	if e.suppress.IsSuppressed(path) {
		if e.debug {
			log.Printf("filesync: suppressed %s %s", op, path)
		}
		return
	}
	rel, ok := e.relative(path)
	if !ok {
		return
	}

	content, err := readRegular(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, errIsDirectory) {
			log.Printf("filesync: %v", err)
		}
		return
	}
	e.publish(protocol.NewFileSync(e.identity, rel, op, content), op, rel)
}

func (e *Engine) emitDelete(path string) {
	if e.suppress.IsSuppressed(path) {
		if e.debug {
			log.Printf("filesync: suppressed Delete %s", path)
		}
		return
	}
	rel, ok := e.relative(path)
	if !ok {
		return
	}
	e.publish(protocol.NewFileSync(e.identity, rel, protocol.FileSyncDelete, nil), protocol.FileSyncDelete, rel)
}

func (e *Engine) publish(env protocol.Envelope, op protocol.FileSyncOp, rel string) {
	if err := e.publisher.Publish(env); err != nil {
		if e.debug {
			log.Printf("filesync: %s %s not sent: %v", op, rel, err)
		}
		return
	}
	log.Printf("filesync: sent %s %s", op, rel)
}

// relative returns the slash-separated wire path for an absolute path.
func (e *Engine) relative(path string) (string, bool) {
	rel, err := filepath.Rel(e.root, path)
	if err != nil || rel == "." || outside(rel) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// outside reports whether a filepath.Rel result climbs out of its base.
func outside(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func readRegular(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, apperrors.ReadFailed(path, err)
	}
	if info.IsDir() {
		return nil, errIsDirectory
	}
	if !info.Mode().IsRegular() {
		return nil, apperrors.ReadFailed(path, errors.New("not a regular file"))
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.ReadFailed(path, err)
	}
	return content, nil
}

func (e *Engine) markReady() {
	select {
	case <-e.ready:
	default:
		close(e.ready)
	}
}
