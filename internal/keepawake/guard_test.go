package keepawake

import (
	"context"
	"os/exec"
	"testing"
	"time"

	apperrors "github.com/deskrelay/deskrelay/internal/errors"
	"github.com/deskrelay/deskrelay/internal/relay"
)

var _ relay.Observer = (*Guard)(nil)

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.Snapshot().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state=%s want %s", m.Snapshot().State, want)
}

func TestGuard_FollowsConnectionCount(t *testing.T) {
	m := NewManager(&fakeAdapter{acquire: func(context.Context) (Handle, error) {
		return newFakeHandle(), nil
	}}, Options{})
	g := NewGuard(m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()

	g.ConnectionsChanged(1)
	waitForState(t, m, StateOn)
	g.ConnectionsChanged(2)
	g.ConnectionsChanged(0)
	waitForState(t, m, StateOff)
	g.ConnectionsChanged(1)
	waitForState(t, m, StateOn)

	cancel()
	<-done
	if st := m.Snapshot(); st.State != StateOff || st.Desired {
		t.Fatalf("after Run returned: %+v", st)
	}
}

func TestGuard_CoalescesWithoutBlocking(t *testing.T) {
	g := NewGuard(NewManager(&fakeAdapter{}, Options{}))
	finished := make(chan struct{})
	go func() {
		// The last call, i == 100, reports one peer.
		for i := 0; i <= 100; i++ {
			g.ConnectionsChanged(i % 3)
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("ConnectionsChanged blocked without a running guard")
	}
	if got := <-g.want; !got {
		t.Fatalf("pending value = %v, want the latest (peers connected)", got)
	}
	select {
	case v := <-g.want:
		t.Fatalf("stale value %v still pending", v)
	default:
	}
}

func TestInhibitCommand(t *testing.T) {
	if argv := inhibitCommand("darwin", 42); len(argv) == 0 || argv[0] != "caffeinate" || argv[len(argv)-1] != "42" {
		t.Errorf("darwin argv = %v", argv)
	}
	argv := inhibitCommand("linux", 42)
	if len(argv) == 0 || argv[0] != "systemd-inhibit" {
		t.Fatalf("linux argv = %v", argv)
	}
	found := false
	for _, a := range argv {
		if a == "--pid=42" {
			found = true
		}
	}
	if !found {
		t.Errorf("linux argv does not follow the relay pid: %v", argv)
	}
	if argv := inhibitCommand("windows", 42); argv != nil {
		t.Errorf("windows argv = %v, want none", argv)
	}
}

func TestCommandAdapter_Unsupported(t *testing.T) {
	a := &commandAdapter{execCmd: exec.Command}
	_, err := a.Acquire(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeKeepAwakeUnsupported) {
		t.Fatalf("err = %v, want unsupported", err)
	}

	a = &commandAdapter{argv: []string{"deskrelay-no-such-inhibitor"}, execCmd: exec.Command}
	_, err = a.Acquire(context.Background())
	if !apperrors.IsCode(err, apperrors.CodeKeepAwakeUnsupported) {
		t.Fatalf("missing binary: err = %v, want unsupported", err)
	}
}

func TestCommandAdapter_ReleaseStopsProcess(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	a := &commandAdapter{argv: []string{"sleep", "30"}, execCmd: exec.Command}
	h, err := a.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("handle not done after release")
	}
	if h.Err() != nil {
		t.Fatalf("released handle reported %v", h.Err())
	}
}
