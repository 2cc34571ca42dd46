package main

import (
	"bytes"
	"strings"
	"testing"
)

func runWithArgs(args []string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunUsage(t *testing.T) {
	code, out, _ := runWithArgs([]string{"deskrelay"})
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out, "Usage:") {
		t.Fatalf("expected usage output, got %q", out)
	}
}

func TestRunVersion(t *testing.T) {
	code, out, _ := runWithArgs([]string{"deskrelay", "version"})
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if strings.TrimSpace(out) != "deskrelay "+Version {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	code, out, _ := runWithArgs([]string{"deskrelay", "nope"})
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out, "Unknown command") {
		t.Fatalf("expected unknown command output, got %q", out)
	}
}

func TestRunMissingSubcommand(t *testing.T) {
	tests := []struct {
		group string
		want  string
	}{
		{"relay", "Usage: deskrelay relay"},
		{"controller", "Usage: deskrelay controller"},
		{"command", "Usage: deskrelay command run"},
		{"service", "Usage: deskrelay service run"},
		{"prefs", "Usage: deskrelay prefs"},
	}
	for _, tt := range tests {
		t.Run(tt.group, func(t *testing.T) {
			code, out, _ := runWithArgs([]string{"deskrelay", tt.group})
			if code != 1 {
				t.Fatalf("expected exit code 1, got %d", code)
			}
			if !strings.Contains(out, tt.want) {
				t.Fatalf("expected %q, got %q", tt.want, out)
			}
		})
	}
}

func TestRunUnknownSubcommand(t *testing.T) {
	for _, group := range []string{"relay", "controller", "prefs"} {
		code, out, _ := runWithArgs([]string{"deskrelay", group, "bogus"})
		if code != 1 {
			t.Errorf("%s bogus: expected exit code 1, got %d", group, code)
		}
		if !strings.Contains(out, "Unknown "+group+" command") {
			t.Errorf("%s bogus: unexpected output %q", group, out)
		}
	}
}

func TestHelpFlags(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"deskrelay", "relay", "start", "--help"}, "Usage: deskrelay relay start"},
		{[]string{"deskrelay", "relay", "status", "--help"}, "Usage: deskrelay relay status"},
		{[]string{"deskrelay", "client", "--help"}, "Usage: deskrelay client"},
		{[]string{"deskrelay", "controller", "set", "--help"}, "Usage: deskrelay controller set"},
		{[]string{"deskrelay", "command", "run", "--help"}, "Usage: deskrelay command run"},
		{[]string{"deskrelay", "service", "run", "--help"}, "Usage: deskrelay service run"},
		{[]string{"deskrelay", "prefs", "set", "--help"}, "Usage: deskrelay prefs set"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args[1:], " "), func(t *testing.T) {
			code, _, errOut := runWithArgs(tt.args)
			if code != 0 {
				t.Fatalf("expected exit code 0, got %d", code)
			}
			if !strings.Contains(errOut, tt.want) {
				t.Fatalf("expected %q in %q", tt.want, errOut)
			}
		})
	}
}

func TestRelayStartInvalidFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runRelayStart([]string{"--hello-timeout-ms=bad"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if stderr.Len() == 0 {
		t.Fatal("expected error output for invalid flag")
	}
}
