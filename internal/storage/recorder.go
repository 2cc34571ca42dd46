package storage

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/deskrelay/deskrelay/internal/protocol"
)

// DefaultFlushInterval is how often buffered counters reach the database.
const DefaultFlushInterval = 5 * time.Second

// Recorder implements relay.Observer by buffering counter deltas in memory
// and flushing them periodically, so the relay's hot path never touches
// the database.
type Recorder struct {
	store *SQLiteStore

	mu      sync.Mutex
	pending map[string]map[string]int64
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store *SQLiteStore) *Recorder {
	return &Recorder{store: store, pending: make(map[string]map[string]int64)}
}

func (r *Recorder) add(kind, name string, delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names, ok := r.pending[kind]
	if !ok {
		names = make(map[string]int64)
		r.pending[kind] = names
	}
	names[name] += delta
}

func (r *Recorder) Relayed(t protocol.MessageType, recipients int) {
	r.add(KindRelayed, string(t), 1)
	r.add(KindDeliveries, string(t), int64(recipients))
}

func (r *Recorder) Dropped(t protocol.MessageType, reason string) {
	r.add(KindDropped, string(t)+"/"+reason, 1)
}

func (r *Recorder) DuplicateRejected(string) {
	r.add(KindRejected, "duplicate_identity", 1)
}

// ControllerChanged is rare enough to write through immediately.
func (r *Recorder) ControllerChanged(identity string) {
	if err := r.store.RecordControllerChange(identity, time.Now()); err != nil {
		log.Printf("storage: %v", err)
	}
}

func (r *Recorder) ConnectionsChanged(int) {}

// Flush writes buffered deltas. On failure the deltas are kept for the
// next attempt.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]map[string]int64)
	r.mu.Unlock()

	if err := r.store.AddCounters(pending); err != nil {
		r.mu.Lock()
		for kind, names := range pending {
			for name, delta := range names {
				if r.pending[kind] == nil {
					r.pending[kind] = make(map[string]int64)
				}
				r.pending[kind][name] += delta
			}
		}
		r.mu.Unlock()
		return err
	}
	return nil
}

// Totals returns the persisted counters plus anything not yet flushed.
func (r *Recorder) Totals() (map[string]map[string]int64, error) {
	counters, err := r.store.Counters("")
	if err != nil {
		return nil, err
	}
	totals := make(map[string]map[string]int64)
	add := func(kind, name string, n int64) {
		if totals[kind] == nil {
			totals[kind] = make(map[string]int64)
		}
		totals[kind][name] += n
	}
	for _, c := range counters {
		add(c.Kind, c.Name, c.Total)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, names := range r.pending {
		for name, delta := range names {
			add(kind, name, delta)
		}
	}
	return totals, nil
}

// Run flushes every interval until ctx is done, then flushes once more.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := r.Flush(); err != nil {
				log.Printf("storage: final counter flush failed: %v", err)
			}
			return
		case <-ticker.C:
			if err := r.Flush(); err != nil {
				log.Printf("storage: counter flush failed: %v", err)
			}
		}
	}
}
