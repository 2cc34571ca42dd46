package keepawake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	apperrors "github.com/deskrelay/deskrelay/internal/errors"
)

// inhibitCommand returns the command that blocks idle sleep for as long
// as it runs and exits on its own when pid exits.
func inhibitCommand(goos string, pid int) []string {
	switch goos {
	case "darwin":
		return []string{"caffeinate", "-i", "-w", strconv.Itoa(pid)}
	case "linux":
		return []string{
			"systemd-inhibit",
			"--what=idle:sleep",
			"--who=deskrelay",
			"--why=Peers are connected to the relay",
			"--mode=block",
			"tail", "--pid=" + strconv.Itoa(pid), "-f", "/dev/null",
		}
	}
	return nil
}

// NewDefaultAdapter returns the adapter for this OS. On hosts without a
// known inhibitor command every Acquire fails as unsupported.
func NewDefaultAdapter() Adapter {
	return &commandAdapter{
		argv:    inhibitCommand(runtime.GOOS, os.Getpid()),
		execCmd: exec.Command,
	}
}

type commandAdapter struct {
	argv    []string
	execCmd func(name string, args ...string) *exec.Cmd
}

func (a *commandAdapter) Acquire(ctx context.Context) (Handle, error) {
	if len(a.argv) == 0 {
		return nil, apperrors.New(apperrors.CodeKeepAwakeUnsupported, "keep-awake is unsupported on "+runtime.GOOS)
	}

	cmd := a.execCmd(a.argv[0], a.argv[1:]...)
	if err := cmd.Start(); err != nil {
		var ex *exec.Error
		if errors.As(err, &ex) || errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.Wrap(apperrors.CodeKeepAwakeUnsupported, a.argv[0]+" is unavailable", err)
		}
		return nil, apperrors.Wrap(apperrors.CodeKeepAwakeAcquireFailed, "failed to start "+a.argv[0], err)
	}

	h := &processHandle{cmd: cmd, done: make(chan struct{})}
	go h.wait()
	return h, nil
}

type processHandle struct {
	cmd *exec.Cmd

	mu       sync.Mutex
	done     chan struct{}
	err      error
	released bool
	once     sync.Once
}

func (h *processHandle) wait() {
	err := h.cmd.Wait()

	h.mu.Lock()
	if h.released {
		err = nil
	}
	h.err = err
	h.mu.Unlock()

	close(h.done)
}

func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Release sends SIGTERM and waits for exit, killing the process if ctx
// expires first.
func (h *processHandle) Release(ctx context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}

	h.once.Do(func() {
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()
		_ = h.cmd.Process.Signal(syscall.SIGTERM)
	})

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		_ = h.cmd.Process.Kill()
		select {
		case <-h.done:
		case <-time.After(200 * time.Millisecond):
		}
		return fmt.Errorf("release timed out waiting for %s: %w", h.cmd.Path, ctx.Err())
	}
}
