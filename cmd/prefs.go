package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/deskrelay/deskrelay/internal/prefs"
)

func runPrefsShow(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("prefs show", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("prefs", "", "Path to preference file (default: ~/.deskrelay/client.json)")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: deskrelay prefs show [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	p, err := prefs.Load(*path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(p)
		return 0
	}

	values, err := prefsValues(p)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, key := range prefs.Keys() {
		fmt.Fprintf(stdout, "%-18s %s\n", key, values[key])
	}
	return 0
}

// prefsValues renders every preference the way it is stored.
func prefsValues(p *prefs.Prefs) (map[string]string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	values := make(map[string]string, len(raw))
	for key, v := range raw {
		var s string
		if json.Unmarshal(v, &s) == nil {
			values[key] = s
			continue
		}
		values[key] = string(v)
	}
	return values, nil
}

func runPrefsSet(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("prefs set", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("prefs", "", "Path to preference file (default: ~/.deskrelay/client.json)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: deskrelay prefs set [options] <key=value>...\n\nKeys: %s\n\nOptions:\n", strings.Join(prefs.Keys(), ", "))
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 1
	}

	target := *path
	if target == "" {
		p, err := prefs.DefaultPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		target = p
	}

	p, err := prefs.Load(target)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, arg := range fs.Args() {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			fmt.Fprintf(stderr, "Error: invalid setting %q (want key=value)\n", arg)
			return 1
		}
		if err := p.Set(key, value); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	if err := p.Save(target); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Saved %s\n", target)
	return 0
}
