package filesync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/deskrelay/deskrelay/internal/protocol"
)

var errWatcherUnavailable = errors.New("native file notifications unavailable")

// treeWatcher wraps fsnotify with recursive directory registration.
// fsnotify only reports direct children, so every directory is added.
type treeWatcher struct {
	w *fsnotify.Watcher

	mu   sync.Mutex
	dirs map[string]bool
}

func (t *treeWatcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Vanished mid-walk; its Remove event is already queued.
			if errors.Is(err, fs.ErrNotExist) && path != root {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := t.w.Add(path); err != nil {
			return err
		}
		t.mu.Lock()
		t.dirs[path] = true
		t.mu.Unlock()
		return nil
	})
}

// forget drops path from the directory set and reports whether it was one.
func (t *treeWatcher) forget(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dirs[path] {
		return false
	}
	for dir := range t.dirs {
		if dir == path || isWithin(path, dir) {
			delete(t.dirs, dir)
		}
	}
	return true
}

func isWithin(parent, path string) bool {
	rel, err := filepath.Rel(parent, path)
	return err == nil && rel != "." && !outside(rel)
}

func (e *Engine) runWatcher(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", errWatcherUnavailable, err)
	}
	defer w.Close()

	tree := &treeWatcher{w: w, dirs: make(map[string]bool)}
	if err := tree.addTree(e.root); err != nil {
		return fmt.Errorf("%w: %v", errWatcherUnavailable, err)
	}
	log.Printf("filesync: watching %s", e.root)
	e.markReady()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			e.handleEvent(tree, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("filesync: watcher error: %v", err)
		}
	}
}

// handleEvent maps one raw notification onto FileSync operations. A
// rename arrives as Rename on the old path and Create on the new one, so
// it goes out as Delete(old) followed by Create(new).
func (e *Engine) handleEvent(tree *treeWatcher, ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if !info.IsDir() {
			e.emitChange(ev.Name, protocol.FileSyncCreate)
			return
		}
		if err := tree.addTree(ev.Name); err != nil {
			log.Printf("filesync: watch %s: %v", ev.Name, err)
		}
		// Files written before the directory watch was registered.
		e.emitExisting(ev.Name)

	case ev.Has(fsnotify.Write):
		e.emitChange(ev.Name, protocol.FileSyncUpdate)

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if tree.forget(ev.Name) {
			return
		}
		e.emitDelete(ev.Name)
	}
}

func (e *Engine) emitExisting(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			e.emitChange(path, protocol.FileSyncCreate)
		}
		return nil
	})
}
