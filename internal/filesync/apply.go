package filesync

import (
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/deskrelay/deskrelay/internal/errors"
	"github.com/deskrelay/deskrelay/internal/protocol"
)

// Applier writes remote FileSync changes under Root.
type Applier struct {
	Root string

	// Strict restricts Create and Update to files that already exist
	// locally. Anything else is a no-op.
	Strict bool

	Suppress *Suppressor
}

// Resolve maps a wire path to an absolute path under root.
// Both slash styles are accepted since peers may run on Windows.
func Resolve(root, relPath string) (string, error) {
	cleaned := filepath.FromSlash(strings.ReplaceAll(relPath, `\`, "/"))
	if cleaned == "" || filepath.IsAbs(cleaned) || filepath.VolumeName(cleaned) != "" {
		return "", apperrors.PathEscape(relPath)
	}
	full := filepath.Join(root, cleaned)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == "." || outside(rel) {
		return "", apperrors.PathEscape(relPath)
	}
	return full, nil
}

// Apply performs msg against the local tree. It reports whether anything
// on disk changed.
func (a *Applier) Apply(msg protocol.FileSync) (bool, error) {
	full, err := Resolve(a.Root, msg.RelativePath)
	if err != nil {
		return false, err
	}

	// Marked before touching the disk so the watcher sees the entry first.
	if a.Suppress != nil {
		a.Suppress.Mark(full)
	}

	switch msg.Operation {
	case protocol.FileSyncCreate, protocol.FileSyncUpdate:
		return a.write(full, msg)
	case protocol.FileSyncDelete:
		return remove(full)
	default:
		return false, apperrors.InvalidMessage("unknown file operation " + string(msg.Operation))
	}
}

func (a *Applier) write(full string, msg protocol.FileSync) (bool, error) {
	content, ok, err := msg.Content()
	if err != nil {
		return false, apperrors.ApplyFailed(msg.RelativePath, err)
	}
	if !ok {
		return false, nil
	}

	info, statErr := os.Stat(full)
	switch {
	case statErr == nil && info.IsDir():
		return false, apperrors.ApplyFailed(msg.RelativePath, errIsDirectory)
	case a.Strict && statErr != nil:
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return false, apperrors.ApplyFailed(msg.RelativePath, err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return false, apperrors.ApplyFailed(msg.RelativePath, err)
	}
	return true, nil
}

func remove(full string) (bool, error) {
	info, err := os.Lstat(full)
	if err != nil || info.IsDir() {
		return false, nil
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, apperrors.ApplyFailed(full, err)
	}
	return true, nil
}
