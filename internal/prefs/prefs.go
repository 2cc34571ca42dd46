// Package prefs loads and saves the client preference file,
// ~/.deskrelay/client.json by default.
package prefs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/deskrelay/deskrelay/internal/errors"
)

const (
	// DefaultEndpoint is the relay base URL used until discovery or the
	// user says otherwise.
	DefaultEndpoint = "http://127.0.0.1:2665"

	// EndpointAuto asks the client to find the relay over mDNS.
	EndpointAuto = "auto"

	// DefaultMouseHz is the controller capture rate.
	DefaultMouseHz = 30

	// DefaultSyncDirName is created under the home directory when no sync
	// directory is configured.
	DefaultSyncDirName = "deskrelay-sync"
)

// Transport choices for the client session.
const (
	TransportAuto      = "auto"
	TransportWebSocket = "websocket"
	TransportLongPoll  = "longpoll"
)

// Prefs is the persisted client configuration.
type Prefs struct {
	Identity       string `json:"identity"`
	Endpoint       string `json:"endpoint"`
	Transport      string `json:"transport"`
	ResultCallback string `json:"result_callback"`

	SyncDirectory string `json:"sync_directory"`
	SyncEnabled   bool   `json:"sync_enabled"`

	// StrictApply ignores remote creates for files that do not exist here.
	StrictApply bool `json:"strict_apply"`

	MouseHz float64 `json:"mouse_hz"`

	// Controller captures the local mouse while this client is elected.
	Controller bool `json:"controller"`

	// FollowController applies relayed mouse events locally.
	FollowController bool `json:"follow_controller"`
}

// NewIdentity returns a fresh "client-<hex>" identity.
func NewIdentity() string {
	return "client-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Defaults returns preferences for a first run, with a new identity.
func Defaults() *Prefs {
	return &Prefs{
		Identity:         NewIdentity(),
		Endpoint:         DefaultEndpoint,
		Transport:        TransportAuto,
		MouseHz:          DefaultMouseHz,
		StrictApply:      true,
		Controller:       true,
		FollowController: true,
	}
}

// DefaultPath returns ~/.deskrelay/client.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".deskrelay", "client.json"), nil
}

// Load reads the preference file at path, or DefaultPath when path is
// empty. A missing file is created with Defaults. Keys absent from an
// existing file keep their defaults, and a missing identity is generated
// and saved.
func Load(path string) (*Prefs, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, apperrors.Wrap(apperrors.CodePrefsLoadFailed, "resolve preference path", err)
		}
	}

	p := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := p.Save(path); err != nil {
			return nil, err
		}
		return p, nil
	case err != nil:
		return nil, apperrors.Wrap(apperrors.CodePrefsLoadFailed, "read "+path, err)
	}

	generated := p.Identity
	p.Identity = ""
	if err := json.Unmarshal(data, p); err != nil {
		return nil, apperrors.Wrap(apperrors.CodePrefsLoadFailed, "parse "+path, err)
	}
	if strings.TrimSpace(p.Identity) == "" {
		p.Identity = generated
		if err := p.Save(path); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Save writes p to path atomically, creating the parent directory.
func (p *Prefs) Save(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return apperrors.Wrap(apperrors.CodePrefsSaveFailed, "encode preferences", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return apperrors.Wrap(apperrors.CodePrefsSaveFailed, "create "+dir, err)
	}
	if err := atomicWriteFile(path, data, 0600); err != nil {
		return apperrors.Wrap(apperrors.CodePrefsSaveFailed, "write "+path, err)
	}
	return nil
}

func atomicWriteFile(targetPath string, content []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(targetPath), ".client-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	success = true
	return nil
}

// Keys lists the settable preference names in display order.
func Keys() []string {
	return []string{
		"identity", "endpoint", "transport", "result_callback",
		"sync_directory", "sync_enabled", "strict_apply",
		"mouse_hz", "controller", "follow_controller",
	}
}

// Set assigns one preference from its string form.
func (p *Prefs) Set(key, value string) error {
	value = strings.TrimSpace(value)
	switch strings.ToLower(key) {
	case "identity":
		if value == "" {
			return fmt.Errorf("identity cannot be empty")
		}
		p.Identity = value
	case "endpoint":
		p.Endpoint = value
	case "transport":
		switch strings.ToLower(value) {
		case TransportAuto, TransportWebSocket, TransportLongPoll:
			p.Transport = strings.ToLower(value)
		default:
			return fmt.Errorf("transport must be auto, websocket or longpoll, got %q", value)
		}
	case "result_callback":
		p.ResultCallback = value
	case "sync_directory":
		p.SyncDirectory = value
	case "mouse_hz":
		hz, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("mouse_hz: %w", err)
		}
		p.MouseHz = hz
	case "sync_enabled", "strict_apply", "controller", "follow_controller":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		switch strings.ToLower(key) {
		case "sync_enabled":
			p.SyncEnabled = b
		case "strict_apply":
			p.StrictApply = b
		case "controller":
			p.Controller = b
		case "follow_controller":
			p.FollowController = b
		}
	default:
		return fmt.Errorf("unknown preference %q (known: %s)", key, strings.Join(Keys(), ", "))
	}
	return nil
}

// Environment variables that override the file.
const (
	EnvEndpoint    = "DESKRELAY_ENDPOINT"
	EnvMouseHz     = "DESKRELAY_MOUSE_HZ"
	EnvSyncDir     = "DESKRELAY_SYNC_DIR"
	EnvStrictApply = "DESKRELAY_STRICT_APPLY"
)

// ApplyEnv overlays environment overrides. getenv is usually os.Getenv.
// Overrides are not persisted.
func (p *Prefs) ApplyEnv(getenv func(string) string) error {
	overrides := []struct {
		env string
		key string
	}{
		{EnvEndpoint, "endpoint"},
		{EnvMouseHz, "mouse_hz"},
		{EnvSyncDir, "sync_directory"},
		{EnvStrictApply, "strict_apply"},
	}
	for _, o := range overrides {
		v := getenv(o.env)
		if v == "" {
			continue
		}
		if err := p.Set(o.key, v); err != nil {
			return fmt.Errorf("%s: %w", o.env, err)
		}
	}
	return nil
}

// SyncRoot returns the sync directory with ~ expanded, falling back to
// ~/deskrelay-sync.
func (p *Prefs) SyncRoot() (string, error) {
	dir := p.SyncDirectory
	if dir == "" || dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		switch {
		case dir == "":
			return filepath.Join(home, DefaultSyncDirName), nil
		case dir == "~":
			return home, nil
		default:
			return filepath.Join(home, dir[2:]), nil
		}
	}
	return filepath.Abs(dir)
}
