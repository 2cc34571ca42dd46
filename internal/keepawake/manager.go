package keepawake

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/deskrelay/deskrelay/internal/errors"
)

// Manager owns the inhibitor lifecycle. It is safe for concurrent use.
type Manager struct {
	adapter Adapter
	now     func() time.Time

	mu     sync.Mutex
	st     Status
	held   Handle
	gen    uint64 // bumped whenever held changes
	closed bool
}

// NewManager returns a manager in the OFF state.
func NewManager(adapter Adapter, opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		adapter: adapter,
		now:     now,
		st:      Status{State: StateOff, UpdatedAt: now()},
	}
}

// Snapshot returns the current status.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// SetDesired acquires or releases the inhibitor so the state matches
// enabled, and returns the resulting status.
func (m *Manager) SetDesired(ctx context.Context, enabled bool) Status {
	if enabled {
		return m.acquire(ctx)
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if !closed {
		m.drop(ctx)
	}
	return m.Snapshot()
}

// Close releases the inhibitor. Later SetDesired calls are ignored.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.drop(ctx)
}

func (m *Manager) acquire(ctx context.Context) Status {
	m.mu.Lock()
	if m.closed {
		defer m.mu.Unlock()
		return m.st
	}
	if m.held != nil {
		select {
		case <-m.held.Done():
			m.lostLocked(m.held)
		default:
			defer m.mu.Unlock()
			return m.st
		}
	}
	m.st.Desired = true
	m.setLocked(StatePending, "", "")
	m.mu.Unlock()

	h, err := m.adapter.Acquire(ctx)

	m.mu.Lock()
	var surplus Handle
	switch {
	case err != nil:
		m.setLocked(StateDegraded, degradedReason(err), err.Error())
	case !m.st.Desired || m.closed:
		// Disabled while the inhibitor was starting.
		surplus = h
		m.setLocked(StateOff, "", "")
	case m.held != nil:
		// A concurrent call won.
		if m.held != h {
			surplus = h
		}
	default:
		m.held = h
		m.gen++
		m.setLocked(StateOn, "", "")
		go m.watch(h, m.gen)
	}
	st := m.st
	m.mu.Unlock()

	if surplus != nil {
		_ = surplus.Release(context.Background())
	}
	return st
}

// drop turns the inhibitor off. A release failure is kept as LastError
// while the state stays OFF.
func (m *Manager) drop(ctx context.Context) error {
	m.mu.Lock()
	h := m.held
	m.held = nil
	m.gen++
	m.st.Desired = false
	m.setLocked(StateOff, "", "")
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	err := h.Release(ctx)
	if err != nil {
		m.mu.Lock()
		m.st.LastError = err.Error()
		m.touchLocked()
		m.mu.Unlock()
	}
	return err
}

// watch marks the state DEGRADED if h exits while still wanted.
func (m *Manager) watch(h Handle, gen uint64) {
	<-h.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held != h || m.gen != gen || !m.st.Desired || m.closed {
		return
	}
	m.lostLocked(h)
}

func (m *Manager) lostLocked(h Handle) {
	msg := "inhibitor exited"
	if err := h.Err(); err != nil {
		msg = err.Error()
	}
	m.held = nil
	m.gen++
	m.setLocked(StateDegraded, DegradedReasonLost, msg)
}

func (m *Manager) setLocked(state State, reason DegradedReason, lastErr string) {
	m.st.State = state
	m.st.Reason = reason
	m.st.LastError = lastErr
	m.touchLocked()
}

func (m *Manager) touchLocked() {
	m.st.UpdatedAt = m.now()
	m.st.Revision++
}

func degradedReason(err error) DegradedReason {
	if apperrors.IsCode(err, apperrors.CodeKeepAwakeUnsupported) {
		return DegradedReasonUnsupported
	}
	return DegradedReasonAcquireFailed
}
