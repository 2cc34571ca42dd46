package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/deskrelay/deskrelay/internal/protocol"
	"github.com/deskrelay/deskrelay/internal/session"
)

// apiFlags are shared by the commands that call the relay's side APIs.
type apiFlags struct {
	endpoint string
	prefs    string
	timeout  time.Duration
}

func (f *apiFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.endpoint, "endpoint", "", "Relay URL (default: endpoint from the preference file)")
	fs.StringVar(&f.prefs, "prefs", "", "Path to preference file (default: ~/.deskrelay/client.json)")
	fs.DurationVar(&f.timeout, "timeout", 10*time.Second, "Request timeout")
}

// api resolves the relay endpoint: the flag, then the preference file
// with environment overrides. "auto" triggers discovery.
func (f *apiFlags) api(ctx context.Context, stdout io.Writer) (*session.API, error) {
	raw := f.endpoint
	if raw == "" {
		p, err := loadClientPrefs(f.prefs)
		if err != nil {
			return nil, err
		}
		raw = p.Endpoint
	}
	raw, err := resolveEndpoint(ctx, raw, defaultDiscoverTimeout, stdout)
	if err != nil {
		return nil, err
	}
	ep, err := session.ParseEndpoint(raw)
	if err != nil {
		return nil, err
	}
	return session.NewAPI(ep), nil
}

func parseAPIFlags(name, usageLine string, args []string, stderr io.Writer) (*apiFlags, []string, int, bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	af := &apiFlags{}
	af.register(fs)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: %s\n\nOptions:\n", usageLine)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, nil, 0, false
		}
		return nil, nil, 1, false
	}
	return af, fs.Args(), 0, true
}

func printController(stdout io.Writer, controller string) {
	if controller == "" {
		controller = "(none)"
	}
	fmt.Fprintf(stdout, "Controller: %s\n", controller)
}

func runControllerGet(args []string, stdout, stderr io.Writer) int {
	af, _, code, ok := parseAPIFlags("controller get", "deskrelay controller get [options]", args, stderr)
	if !ok {
		return code
	}

	ctx, cancel := context.WithTimeout(context.Background(), af.timeout)
	defer cancel()
	api, err := af.api(ctx, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	controller, err := api.Controller(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printController(stdout, controller)
	return 0
}

func runControllerSet(args []string, stdout, stderr io.Writer) int {
	usageLine := "deskrelay controller set [options] <identity|none>"
	af, rest, code, ok := parseAPIFlags("controller set", usageLine, args, stderr)
	if !ok {
		return code
	}
	if len(rest) != 1 || strings.TrimSpace(rest[0]) == "" {
		fmt.Fprintf(stderr, "Usage: %s\n", usageLine)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), af.timeout)
	defer cancel()
	api, err := af.api(ctx, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	controller, err := api.SetController(ctx, strings.TrimSpace(rest[0]))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printController(stdout, controller)
	return 0
}

func runCommandRun(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("command run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	af := &apiFlags{}
	af.register(fs)
	target := fs.String("target", "", "Send only to this client identity (default: every client)")
	usageLine := "deskrelay command run [options] <command> [args...]"
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: %s\n\nOptions:\n", usageLine)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	rest := fs.Args()
	if len(rest) == 0 || strings.TrimSpace(rest[0]) == "" {
		fmt.Fprintf(stderr, "Usage: %s\n", usageLine)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), af.timeout)
	defer cancel()
	api, err := af.api(ctx, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := api.RunCommand(ctx, rest[0], rest[1:], *target); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *target != "" {
		fmt.Fprintf(stdout, "Command sent to %s\n", *target)
	} else {
		fmt.Fprintln(stdout, "Command sent to all clients")
	}
	return 0
}

func runServiceRun(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("service run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	af := &apiFlags{}
	af.register(fs)
	target := fs.String("target", "", "Send only to this client identity (default: every client)")
	correlationID := fs.String("correlation-id", "", "Correlation id (default: generated by the relay)")
	usageLine := "deskrelay service run [options] <name> [key=value...]"
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: %s\n\nOptions:\n", usageLine)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	rest := fs.Args()
	if len(rest) == 0 || strings.TrimSpace(rest[0]) == "" {
		fmt.Fprintf(stderr, "Usage: %s\n", usageLine)
		return 1
	}
	params, err := parseParameters(rest[1:])
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), af.timeout)
	defer cancel()
	api, err := af.api(ctx, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	corr, err := api.RunService(ctx, protocol.RunService{
		ServiceName:   rest[0],
		CorrelationID: *correlationID,
		Parameters:    params,
		Target:        *target,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Service %s requested (correlation id %s)\n", rest[0], corr)
	return 0
}

// parseParameters turns key=value arguments into a map.
func parseParameters(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q (want key=value)", arg)
		}
		params[key] = value
	}
	return params, nil
}
