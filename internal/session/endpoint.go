package session

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoint is a relay base URL such as http://10.0.0.5:2665.
type Endpoint struct {
	base url.URL
}

// ParseEndpoint accepts http, https, ws and wss URLs, with or without a
// trailing /ws or /hub path, and a bare host:port.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("endpoint is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", raw, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "http"
	case "https", "wss":
		u.Scheme = "https"
	default:
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: missing host", raw)
	}

	path := strings.TrimRight(u.Path, "/")
	for _, suffix := range []string{"/ws", "/hub"} {
		if strings.HasSuffix(path, suffix) {
			path = strings.TrimSuffix(path, suffix)
			break
		}
	}
	u.Path = path
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil

	return Endpoint{base: *u}, nil
}

// String returns the base URL.
func (e Endpoint) String() string {
	return e.base.String()
}

// Secure reports whether the relay is reached over TLS.
func (e Endpoint) Secure() bool {
	return e.base.Scheme == "https"
}

// HTTP returns the absolute URL of an HTTP path on the relay. path must
// already be escaped.
func (e Endpoint) HTTP(path string) string {
	return e.base.String() + path
}

// WebSocket returns the channel URL carrying identity in the query.
func (e Endpoint) WebSocket(identity string) string {
	u := e.base
	u.Scheme = "ws"
	if e.Secure() {
		u.Scheme = "wss"
	}
	u.Path = e.base.Path + "/ws"
	if identity != "" {
		u.RawQuery = url.Values{"identity": {identity}}.Encode()
	}
	return u.String()
}
