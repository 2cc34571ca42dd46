package filesync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/deskrelay/deskrelay/internal/protocol"
)

// DefaultPollInterval is the scan period when native notifications fail.
const DefaultPollInterval = time.Second

// snapshotEntry holds the metadata compared between scans.
type snapshotEntry struct {
	isDir   bool
	size    int64
	modTime time.Time
}

// change is one difference between two snapshots, keyed by absolute path.
type change struct {
	path string
	op   protocol.FileSyncOp
}

// runPoller detects changes by periodic scanning. The first scan is the
// baseline and emits nothing.
func (e *Engine) runPoller(ctx context.Context, interval time.Duration) error {
	snapshot, errPaths := scanTree(e.root)
	lastErr := reportScanErrors(errPaths, "")
	log.Printf("filesync: scanning %s every %s", e.root, interval)
	e.markReady()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			next, errPaths := scanTree(e.root)
			lastErr = reportScanErrors(errPaths, lastErr)
			for _, c := range diffSnapshots(snapshot, next, errPaths) {
				if c.op == protocol.FileSyncDelete {
					e.emitDelete(c.path)
				} else {
					e.emitChange(c.path, c.op)
				}
			}
			snapshot = next
		}
	}
}

// scanTree walks root and returns a snapshot plus the paths that failed.
func scanTree(root string) (map[string]snapshotEntry, map[string]bool) {
	snap := make(map[string]snapshotEntry)
	errPaths := make(map[string]bool)

	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// A path that disappears mid-scan is a delete, not an error.
			if errors.Is(err, fs.ErrNotExist) && path != root {
				return nil
			}
			errPaths[path] = true
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root {
			return nil
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return nil
		}
		snap[path] = snapshotEntry{
			isDir:   info.IsDir(),
			size:    info.Size(),
			modTime: info.ModTime(),
		}
		return nil
	})

	return snap, errPaths
}

// reportScanErrors logs a scan failure set once until it changes, and
// returns the new signature.
func reportScanErrors(errPaths map[string]bool, last string) string {
	if len(errPaths) == 0 {
		return ""
	}
	paths := make([]string, 0, len(errPaths))
	for path := range errPaths {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	signature := strings.Join(paths, "\x1f")
	if signature == last {
		return last
	}

	const previewLimit = 5
	preview := paths
	if len(preview) > previewLimit {
		preview = preview[:previewLimit]
	}
	detail := strings.Join(preview, ", ")
	if len(paths) > previewLimit {
		detail = fmt.Sprintf("%s (+%d more)", detail, len(paths)-previewLimit)
	}
	log.Printf("filesync: scan had errors on %d path(s): %s", len(paths), detail)
	return signature
}

// isUnderErrPath keeps a failed directory's children from being reported
// as deleted.
func isUnderErrPath(path string, errPaths map[string]bool) bool {
	if errPaths[path] {
		return true
	}
	for ep := range errPaths {
		if isWithin(ep, path) {
			return true
		}
	}
	return false
}

// diffSnapshots returns file changes in a stable order: deletes, then
// creates, then updates, each sorted by path. Directories only matter
// through the files they hold.
func diffSnapshots(old, next map[string]snapshotEntry, errPaths map[string]bool) []change {
	var deleted, created, modified []string

	for path, entry := range old {
		if entry.isDir {
			continue
		}
		if _, ok := next[path]; !ok && !isUnderErrPath(path, errPaths) {
			deleted = append(deleted, path)
		}
	}
	for path, entry := range next {
		if entry.isDir {
			continue
		}
		prev, ok := old[path]
		switch {
		case !ok || prev.isDir:
			created = append(created, path)
		case prev.size != entry.size || !prev.modTime.Equal(entry.modTime):
			modified = append(modified, path)
		}
	}

	sort.Strings(deleted)
	sort.Strings(created)
	sort.Strings(modified)

	changes := make([]change, 0, len(deleted)+len(created)+len(modified))
	for _, path := range deleted {
		changes = append(changes, change{path: path, op: protocol.FileSyncDelete})
	}
	for _, path := range created {
		changes = append(changes, change{path: path, op: protocol.FileSyncCreate})
	}
	for _, path := range modified {
		changes = append(changes, change{path: path, op: protocol.FileSyncUpdate})
	}
	return changes
}
