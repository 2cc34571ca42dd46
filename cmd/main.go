package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

const usage = `deskrelay - share one mouse and a synced folder across machines

Usage:
  deskrelay <command> [options]

Commands:
  relay start              Start the relay
  relay status             Show relay status
  client                   Connect this machine to a relay
  controller get           Show the current controller
  controller set <id|none> Elect a controller, or clear it
  command run <cmd> [args] Broadcast a command to clients
  service run <name>       Ask clients to run a service
  prefs show               Show client preferences
  prefs set <key=value>... Change client preferences
  version                  Print the version

Run 'deskrelay <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "relay":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: deskrelay relay <start|status>")
			return 1
		}
		switch args[2] {
		case "start":
			return runRelayStart(args[3:], stdout, stderr)
		case "status":
			return runRelayStatus(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown relay command: %s\n", args[2])
			return 1
		}
	case "client":
		return runClient(args[2:], stdout, stderr)
	case "controller":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: deskrelay controller <get|set>")
			return 1
		}
		switch args[2] {
		case "get":
			return runControllerGet(args[3:], stdout, stderr)
		case "set":
			return runControllerSet(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown controller command: %s\n", args[2])
			return 1
		}
	case "command":
		if len(args) < 3 || args[2] != "run" {
			fmt.Fprintln(stdout, "Usage: deskrelay command run <command> [args...]")
			return 1
		}
		return runCommandRun(args[3:], stdout, stderr)
	case "service":
		if len(args) < 3 || args[2] != "run" {
			fmt.Fprintln(stdout, "Usage: deskrelay service run <name> [key=value...]")
			return 1
		}
		return runServiceRun(args[3:], stdout, stderr)
	case "prefs":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: deskrelay prefs <show|set>")
			return 1
		}
		switch args[2] {
		case "show":
			return runPrefsShow(args[3:], stdout, stderr)
		case "set":
			return runPrefsSet(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown prefs command: %s\n", args[2])
			return 1
		}
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "deskrelay %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
