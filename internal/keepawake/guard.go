package keepawake

import (
	"context"
	"log"

	"github.com/deskrelay/deskrelay/internal/protocol"
)

// Guard keeps the relay host awake while at least one peer is connected.
// It implements relay.Observer; only ConnectionsChanged matters. Events
// are coalesced so the relay never waits on the inhibitor.
type Guard struct {
	m    *Manager
	want chan bool
}

// NewGuard returns a guard driving m. Call Run to start it.
func NewGuard(m *Manager) *Guard {
	return &Guard{m: m, want: make(chan bool, 1)}
}

// Run applies connection changes until ctx is done, then releases the
// inhibitor.
func (g *Guard) Run(ctx context.Context) {
	last := g.m.Snapshot().State
	for {
		select {
		case <-ctx.Done():
			if err := g.m.Close(context.Background()); err != nil {
				log.Printf("keepawake: release: %v", err)
			}
			return
		case desired := <-g.want:
			st := g.m.SetDesired(ctx, desired)
			if st.State == last {
				continue
			}
			last = st.State
			if st.State == StateDegraded {
				log.Printf("keepawake: %s (%s)", st.Reason, st.LastError)
			} else {
				log.Printf("keepawake: %s", st.State)
			}
		}
	}
}

func (g *Guard) ConnectionsChanged(n int) {
	desired := n > 0
	for {
		select {
		case g.want <- desired:
			return
		default:
		}
		// Replace a stale pending value with the latest one.
		select {
		case <-g.want:
		default:
		}
	}
}

func (g *Guard) Relayed(protocol.MessageType, int) {}
func (g *Guard) Dropped(protocol.MessageType, string) {}
func (g *Guard) DuplicateRejected(string) {}
func (g *Guard) ControllerChanged(string) {}
