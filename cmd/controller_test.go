package main

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deskrelay/deskrelay/internal/protocol"
)

func TestControllerSetAndGet(t *testing.T) {
	srv, ts := startTestRelay(t)
	connectTestClient(t, srv, ts, "Desk")

	code, out, errOut := runWithArgs([]string{"deskrelay", "controller", "set", "--endpoint", ts.URL, "desk"})
	if code != 0 {
		t.Fatalf("set: expected exit code 0, got %d: %s", code, errOut)
	}
	if !strings.Contains(out, "Controller: Desk") {
		t.Fatalf("set: unexpected output %q", out)
	}

	code, out, _ = runWithArgs([]string{"deskrelay", "controller", "get", "--endpoint", ts.URL})
	if code != 0 || !strings.Contains(out, "Controller: Desk") {
		t.Fatalf("get: code %d output %q", code, out)
	}

	code, out, _ = runWithArgs([]string{"deskrelay", "controller", "set", "--endpoint", ts.URL, "none"})
	if code != 0 || !strings.Contains(out, "Controller: (none)") {
		t.Fatalf("clear: code %d output %q", code, out)
	}
	if got := srv.Relay().Controller(); got != "" {
		t.Errorf("relay controller = %q after clear", got)
	}
}

func TestControllerSet_UnknownIdentity(t *testing.T) {
	_, ts := startTestRelay(t)

	code, _, errOut := runWithArgs([]string{"deskrelay", "controller", "set", "--endpoint", ts.URL, "ghost"})
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut, "relay.not_connected") {
		t.Fatalf("expected not_connected error, got %q", errOut)
	}
}

func TestControllerSet_MissingIdentity(t *testing.T) {
	code, _, errOut := runWithArgs([]string{"deskrelay", "controller", "set", "--endpoint", "http://127.0.0.1:1"})
	if code != 1 || !strings.Contains(errOut, "Usage: deskrelay controller set") {
		t.Fatalf("code %d output %q", code, errOut)
	}
}

func TestControllerGet_EndpointFromPrefs(t *testing.T) {
	_, ts := startTestRelay(t)
	prefsPath := filepath.Join(t.TempDir(), "client.json")
	if code, _, errOut := runWithArgs([]string{"deskrelay", "prefs", "set", "--prefs", prefsPath, "endpoint=" + ts.URL}); code != 0 {
		t.Fatalf("prefs set failed: %s", errOut)
	}
	t.Setenv("DESKRELAY_ENDPOINT", "")

	code, out, errOut := runWithArgs([]string{"deskrelay", "controller", "get", "--prefs", prefsPath})
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", code, errOut)
	}
	if !strings.Contains(out, "Controller: (none)") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestCommandRun_Unicast(t *testing.T) {
	srv, ts := startTestRelay(t)
	desk := connectTestClient(t, srv, ts, "Desk")

	code, out, errOut := runWithArgs([]string{"deskrelay", "command", "run", "--endpoint", ts.URL, "--target", "Desk", "notepad", "todo.txt"})
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", code, errOut)
	}
	if !strings.Contains(out, "Command sent to Desk") {
		t.Fatalf("unexpected output %q", out)
	}

	cmd, ok := readPayload[protocol.RunCommand](t, desk)
	if !ok {
		t.Fatal("Desk never received the command")
	}
	if cmd.Command != "notepad" || len(cmd.Arguments) != 1 || cmd.Arguments[0] != "todo.txt" {
		t.Errorf("command = %+v", cmd)
	}
}

func TestCommandRun_UnknownTarget(t *testing.T) {
	_, ts := startTestRelay(t)
	code, _, errOut := runWithArgs([]string{"deskrelay", "command", "run", "--endpoint", ts.URL, "--target", "ghost", "ls"})
	if code != 1 || !strings.Contains(errOut, "relay.not_connected") {
		t.Fatalf("code %d output %q", code, errOut)
	}
}

func TestServiceRun_Broadcast(t *testing.T) {
	srv, ts := startTestRelay(t)
	desk := connectTestClient(t, srv, ts, "Desk")

	code, out, errOut := runWithArgs([]string{"deskrelay", "service", "run", "--endpoint", ts.URL, "--correlation-id", "c-1", "backup", "dest=nas"})
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d: %s", code, errOut)
	}
	if !strings.Contains(out, "correlation id c-1") {
		t.Fatalf("unexpected output %q", out)
	}

	req, ok := readPayload[protocol.RunService](t, desk)
	if !ok {
		t.Fatal("Desk never received the service request")
	}
	if req.ServiceName != "backup" || req.CorrelationID != "c-1" || req.Parameters["dest"] != "nas" {
		t.Errorf("service request = %+v", req)
	}
}

func TestParseParameters(t *testing.T) {
	params, err := parseParameters([]string{"a=1", "b=", "c=x=y"})
	if err != nil {
		t.Fatal(err)
	}
	if params["a"] != "1" || params["b"] != "" || params["c"] != "x=y" {
		t.Errorf("params = %v", params)
	}
	if _, err := parseParameters([]string{"novalue"}); err == nil {
		t.Error("expected error for an argument without '='")
	}
	if _, err := parseParameters([]string{"=x"}); err == nil {
		t.Error("expected error for an empty key")
	}
}

// readPayload reads envelopes until one of type T arrives.
func readPayload[T protocol.Payload](t *testing.T, conn interface {
	SetReadDeadline(time.Time) error
	ReadMessage() (int, []byte, error)
}) (T, bool) {
	t.Helper()
	var zero T
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return zero, false
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if p, ok := env.Payload.(T); ok {
			return p, true
		}
	}
}
