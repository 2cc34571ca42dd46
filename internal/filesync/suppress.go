// Package filesync mirrors a local directory to relay peers.
//
// The send path watches the sync root and publishes whole-file FileSync
// envelopes. The receive path applies remote envelopes to the same root.
// Both share a Suppressor so a remote write is not echoed back out.
package filesync

import (
	"path/filepath"
	"sync"
	"time"
)

// DefaultSuppressWindow is how long a remotely applied path stays muted.
const DefaultSuppressWindow = 3 * time.Second

// Suppressor maps absolute paths to the time their suppression lapses.
// Expired entries are evicted when they are next looked up.
type Suppressor struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

// NewSuppressor creates a table with the given window.
// A non-positive window uses DefaultSuppressWindow.
func NewSuppressor(window time.Duration) *Suppressor {
	if window <= 0 {
		window = DefaultSuppressWindow
	}
	return &Suppressor{
		window:  window,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Mark inserts or refreshes the entry for path.
func (s *Suppressor) Mark(path string) {
	key := suppressKey(path)
	s.mu.Lock()
	s.entries[key] = s.now().Add(s.window)
	s.mu.Unlock()
}

// IsSuppressed reports whether path was marked less than one window ago.
func (s *Suppressor) IsSuppressed(path string) bool {
	key := suppressKey(path)
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.entries[key]
	if !ok {
		return false
	}
	if s.now().Before(until) {
		return true
	}
	delete(s.entries, key)
	return false
}

// Len returns the number of entries, expired ones included.
func (s *Suppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func suppressKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
