package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/deskrelay/deskrelay/internal/config"
	"github.com/deskrelay/deskrelay/internal/keepawake"
	"github.com/deskrelay/deskrelay/internal/mdns"
	"github.com/deskrelay/deskrelay/internal/metrics"
	"github.com/deskrelay/deskrelay/internal/relay"
	"github.com/deskrelay/deskrelay/internal/server"
	"github.com/deskrelay/deskrelay/internal/storage"
	relayTLS "github.com/deskrelay/deskrelay/internal/tls"
)

// RelayStartConfig holds the configuration for the relay start command.
type RelayStartConfig struct {
	Config          string
	Init            bool
	Addr            string
	TLS             bool
	TLSCert         string
	TLSKey          string
	LogLevel        string
	LogFile         string
	MetricsStore    string
	MdnsEnabled     bool
	QR              bool
	KeepAwake       bool
	MaxMessageBytes int64
	HelloTimeoutMs  int
}

func runRelayStart(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("relay start", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfg := &RelayStartConfig{}

	fs.StringVar(&cfg.Config, "config", "", "Path to config file (default: ~/.deskrelay/relay.toml)")
	fs.BoolVar(&cfg.Init, "init", false, "Write a LAN-ready config file if none exists")
	fs.StringVar(&cfg.Addr, "addr", "", "Listen address (default: 127.0.0.1:2665)")
	fs.BoolVar(&cfg.TLS, "tls", false, "Serve HTTPS/WSS with a generated self-signed certificate")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "Path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "Path to TLS key file")
	fs.StringVar(&cfg.LogLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	fs.StringVar(&cfg.LogFile, "log-file", "", "Append logs to this file instead of stderr")
	fs.StringVar(&cfg.MetricsStore, "metrics-store", "", "SQLite file for relay counters (default: disabled)")
	fs.BoolVar(&cfg.MdnsEnabled, "mdns", false, "Advertise the relay on the local network")
	fs.BoolVar(&cfg.QR, "qr", false, "Print the client endpoint as a QR code")
	fs.BoolVar(&cfg.KeepAwake, "keep-awake", false, "Keep this machine awake while peers are connected")
	fs.Int64Var(&cfg.MaxMessageBytes, "max-message-bytes", 0, "Largest accepted envelope in bytes (default: 64 MiB)")
	fs.IntVar(&cfg.HelloTimeoutMs, "hello-timeout-ms", 0, "Time an anonymous connection has to say hello (default: 10000)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: deskrelay relay start [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	// Track which flags were explicitly set on the command line.
	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	if cfg.Init {
		configPath := cfg.Config
		if configPath == "" {
			p, err := config.DefaultConfigPath()
			if err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			configPath = p
		}
		if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
			if err := config.WriteDefault(configPath); err != nil {
				fmt.Fprintf(stderr, "Error: failed to create config file: %v\n", err)
				return 1
			}
			fmt.Fprintf(stdout, "Created config: %s\n", configPath)
		}
		cfg.Config = configPath
	}

	// CLI flags take precedence over file values.
	fileCfg, err := config.Load(cfg.Config)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	mergeRelayConfig(cfg, fileCfg, explicitFlags)

	effective := config.Config{
		Addr:            cfg.Addr,
		TLSCert:         cfg.TLSCert,
		TLSKey:          cfg.TLSKey,
		TLS:             cfg.TLS,
		LogLevel:        cfg.LogLevel,
		LogFile:         cfg.LogFile,
		MetricsStore:    cfg.MetricsStore,
		MdnsEnabled:     cfg.MdnsEnabled,
		QR:              cfg.QR,
		KeepAwake:       cfg.KeepAwake,
		MaxMessageBytes: cfg.MaxMessageBytes,
		HelloTimeoutMs:  cfg.HelloTimeoutMs,
	}
	if err := effective.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var logFile *os.File
	if cfg.LogFile != "" {
		logFile, err = openLogFile(cfg.LogFile)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer logFile.Close()
		log.SetOutput(logFile)
		defer log.SetOutput(os.Stderr)
	}
	debug := strings.EqualFold(cfg.LogLevel, "debug")

	addr := cfg.Addr
	if addr == "" {
		addr = config.DefaultAddr
	}

	// Relay activity feeds Prometheus and, when configured, the SQLite
	// counters store.
	collector := metrics.NewCollector()
	observers := relay.Observers{collector}
	var (
		store    *storage.SQLiteStore
		recorder *storage.Recorder
	)
	if cfg.MetricsStore != "" {
		if dir := filepath.Dir(cfg.MetricsStore); dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				fmt.Fprintf(stderr, "Error: failed to create metrics store directory: %v\n", err)
				return 1
			}
		}
		store, err = storage.NewSQLiteStore(cfg.MetricsStore)
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to open metrics store: %v\n", err)
			return 1
		}
		defer store.Close()
		recorder = storage.NewRecorder(store)
		observers = append(observers, recorder)
	}
	var guard *keepawake.Guard
	if cfg.KeepAwake {
		guard = keepawake.NewGuard(keepawake.NewManager(keepawake.NewDefaultAdapter(), keepawake.Options{}))
		observers = append(observers, guard)
	}

	var certInfo *relayTLS.CertInfo
	if cfg.TLSCert != "" || cfg.TLS {
		certInfo, err = relayTLS.Ensure(relayTLS.CertConfig{
			CertPath: cfg.TLSCert,
			KeyPath:  cfg.TLSKey,
			Hosts:    certHosts(addr),
		})
		if err != nil {
			fmt.Fprintf(stderr, "Error: failed to set up TLS certificate: %v\n", err)
			return 1
		}
	}

	opts := server.Options{
		MaxMessageBytes: cfg.MaxMessageBytes,
		HelloTimeout:    effective.HelloTimeout(),
		Observer:        observers,
		MetricsHandler:  collector.Handler(),
		TLSEnabled:      certInfo != nil,
		Debug:           debug,
	}
	if recorder != nil {
		opts.Counters = recorder
	}
	srv := server.NewServer(addr, opts)

	var startErr <-chan error
	if certInfo != nil {
		if certInfo.Generated {
			fmt.Fprintln(stdout, "Generated new self-signed TLS certificate")
		} else {
			fmt.Fprintln(stdout, "Loaded existing TLS certificate")
		}
		fmt.Fprintf(stdout, "Certificate: %s\n", certInfo.CertPath)
		fmt.Fprintf(stdout, "Valid until: %s\n", certInfo.NotAfter.Format("2006-01-02"))
		fmt.Fprintf(stdout, "Fingerprint (SHA-256):\n  %s\n", certInfo.Fingerprint)
		startErr = srv.StartAsyncTLS(server.TLSConfig{CertPath: certInfo.CertPath, KeyPath: certInfo.KeyPath})
	} else {
		startErr = srv.StartAsync()
	}
	// Fails fast if the port is already in use.
	if err := <-startErr; err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Relay listening on %s\n", addr)
	if cfg.MetricsStore != "" {
		fmt.Fprintf(stdout, "Metrics store: %s\n", cfg.MetricsStore)
	}

	endpoint := clientEndpoint(addr, certInfo != nil)
	if cfg.QR {
		displayEndpointQR(stdout, endpoint)
	} else {
		displayEndpoint(stdout, endpoint)
	}

	var advertiser *mdns.Advertiser
	if cfg.MdnsEnabled {
		advertiser = mdns.NewAdvertiser(mdns.Config{
			Port: listenPort(addr),
			TLS:  certInfo != nil,
		})
		if err := advertiser.Start(); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to start mDNS discovery: %v\n", err)
			advertiser = nil
		} else {
			fmt.Fprintln(stdout, "mDNS discovery: ENABLED (visible on LAN)")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	if recorder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.Run(ctx, storage.DefaultFlushInterval)
		}()
	}
	if guard != nil {
		fmt.Fprintln(stdout, "Keep-awake: ENABLED while peers are connected")
		wg.Add(1)
		go func() {
			defer wg.Done()
			guard.Run(ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	sig := <-sigCh
	fmt.Fprintf(stdout, "\nReceived signal %v, stopping...\n", sig)

	// Cleanup in reverse order of creation.
	if advertiser != nil {
		advertiser.Stop()
	}
	if err := srv.Stop(); err != nil {
		fmt.Fprintf(stderr, "Warning: %v\n", err)
	}
	cancel()
	wg.Wait()
	return 0
}

// mergeRelayConfig applies file values to every setting the command line
// left unset. Booleans are taken from the file only when the flag was not
// given, so --mdns=false overrides mdns_enabled = true.
func mergeRelayConfig(cfg *RelayStartConfig, fileCfg *config.Config, explicitFlags map[string]bool) {
	if cfg.Addr == "" {
		cfg.Addr = fileCfg.Addr
	}
	if cfg.TLSCert == "" {
		cfg.TLSCert = fileCfg.TLSCert
	}
	if cfg.TLSKey == "" {
		cfg.TLSKey = fileCfg.TLSKey
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = fileCfg.LogLevel
	}
	if cfg.LogFile == "" {
		cfg.LogFile = fileCfg.LogFile
	}
	if cfg.MetricsStore == "" {
		cfg.MetricsStore = fileCfg.MetricsStore
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = fileCfg.MaxMessageBytes
	}
	if cfg.HelloTimeoutMs == 0 {
		cfg.HelloTimeoutMs = fileCfg.HelloTimeoutMs
	}
	if !explicitFlags["tls"] {
		cfg.TLS = fileCfg.TLS
	}
	if !explicitFlags["mdns"] {
		cfg.MdnsEnabled = fileCfg.MdnsEnabled
	}
	if !explicitFlags["qr"] {
		cfg.QR = fileCfg.QR
	}
	if !explicitFlags["keep-awake"] {
		cfg.KeepAwake = fileCfg.KeepAwake
	}
}

// certHosts lists the SANs for a generated certificate: loopback, the
// listen host, and the LAN and Tailscale addresses when listening on all
// interfaces.
func certHosts(addr string) []string {
	hosts := []string{"localhost", "127.0.0.1"}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return hosts
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		for _, extra := range []string{preferredOutboundIP(), tailscaleIP()} {
			if extra != "" {
				hosts = append(hosts, extra)
			}
		}
		return hosts
	}
	if host != "localhost" && host != "127.0.0.1" {
		hosts = append(hosts, host)
	}
	return hosts
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

func runRelayStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("relay status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "Relay address to query (default: localhost, then Tailscale/LAN)")
	port := fs.Int("port", defaultPort, "Port to query when auto-selecting address")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: deskrelay relay status [options]\n\nShow the current status of the relay.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	if err := validatePort(*port); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var (
		status *server.StatusResponse
		err    error
	)
	for _, target := range resolveAddrCandidates(*addr, *port, explicitFlags["port"], stderr) {
		status, err = queryRelayStatus(target)
		if err == nil {
			break
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(status)
		return 0
	}
	writeRelayStatusOutput(stdout, status)
	return 0
}

func writeRelayStatusOutput(stdout io.Writer, status *server.StatusResponse) {
	fmt.Fprintf(stdout, "Relay Status\n")
	fmt.Fprintf(stdout, "============\n")
	fmt.Fprintf(stdout, "Listening:    %s\n", status.ListeningAddress)
	fmt.Fprintf(stdout, "TLS:          %v\n", status.TLSEnabled)
	fmt.Fprintf(stdout, "Uptime:       %s\n", formatUptime(status.UptimeSeconds))
	controller := status.Controller
	if controller == "" {
		controller = "(none)"
	}
	fmt.Fprintf(stdout, "Controller:   %s\n", controller)
	fmt.Fprintf(stdout, "Clients:      %d connected\n", status.ConnectedClients)
	for _, c := range status.Clients {
		identity := c.Identity
		if identity == "" {
			identity = "(awaiting hello)"
		}
		fmt.Fprintf(stdout, "  %-24s since %s\n", identity, c.ConnectedAt.Local().Format("15:04:05"))
	}

	if len(status.Counters) == 0 {
		return
	}
	fmt.Fprintf(stdout, "\nCounters\n")
	fmt.Fprintf(stdout, "--------\n")
	kinds := make([]string, 0, len(status.Counters))
	for kind := range status.Counters {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		names := make([]string, 0, len(status.Counters[kind]))
		for name := range status.Counters[kind] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(stdout, "  %-12s %-32s %d\n", kind, name, status.Counters[kind][name])
		}
	}
}

// queryRelayStatus tries HTTPS first, then plain HTTP.
func queryRelayStatus(addr string) (*server.StatusResponse, error) {
	resp, err := queryRelayStatusWithScheme("https", addr)
	if err == nil {
		return resp, nil
	}

	resp, err = queryRelayStatusWithScheme("http", addr)
	if err != nil {
		return nil, fmt.Errorf("relay is not running at %s (or not reachable)", addr)
	}
	return resp, nil
}

func queryRelayStatusWithScheme(scheme, addr string) (*server.StatusResponse, error) {
	// Short timeout; self-signed certificates are expected.
	client := &http.Client{
		Timeout: 2 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}

	resp, err := client.Get(fmt.Sprintf("%s://%s/status", scheme, addr))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var status server.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &status, nil
}

func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("%ds", seconds)
	}
	if d < time.Hour {
		mins := int(d.Minutes())
		secs := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
