// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/hostrelay/lib/atomicfile"
)

// EnvironmentVariable names the settings path when --config is absent.
const EnvironmentVariable = "HOSTRELAY_CONFIG"

// Settings is the server-wide configuration.
type Settings struct {
	// ListenAddress is the HTTP listener for /socket/{channel},
	// /metrics and /healthz.
	ListenAddress string `yaml:"listen_address"`

	// SettingsDir holds trust records and per-host key files. Defaults
	// to the directory containing the settings file.
	SettingsDir string `yaml:"settings_dir"`

	Reconnect   ReconnectSettings  `yaml:"reconnect"`
	RPC         RPCSettings        `yaml:"rpc"`
	Requests    RequestSettings    `yaml:"requests"`
	Hosts       HostSettings       `yaml:"hosts"`
	Admin       AdminSettings      `yaml:"admin"`
	Credentials CredentialSettings `yaml:"credentials"`
	Functions   FunctionSettings   `yaml:"functions"`
	Metrics     MetricsSettings    `yaml:"metrics"`

	// Rooms lists every trusted client id found by the last bootstrap.
	Rooms []string `yaml:"rooms"`

	// HostPasswords maps trusted host ids to hashed master passwords.
	// Never holds plaintext after the startup migration has run.
	HostPasswords map[string]string `yaml:"host_passwords"`

	// RememberMe is passed through to hosts that ask for it.
	RememberMe bool `yaml:"remember_me"`
}

// ReconnectSettings controls the reconnection grace period. A
// disconnected trusted client keeps its room for Attempts ticks of
// Delay each.
type ReconnectSettings struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

// RPCSettings bounds forwarded function calls.
type RPCSettings struct {
	Timeout time.Duration `yaml:"timeout"`
}

// RequestSettings bounds the LLM request correlation table.
type RequestSettings struct {
	// TTL is how long an uncompleted request id is remembered.
	TTL time.Duration `yaml:"ttl"`

	// MaxPending caps the number of request ids; the oldest is evicted
	// beyond it.
	MaxPending int `yaml:"max_pending"`
}

// HostSettings identifies host clients.
type HostSettings struct {
	// IDPrefix marks a trust record's clientId as a host.
	IDPrefix string `yaml:"id_prefix"`
}

// AdminSettings configures the admin channel and admin socket.
type AdminSettings struct {
	// SocketPath is the CBOR admin socket. Empty disables it.
	SocketPath string `yaml:"socket_path"`

	// ClientIDs may use the admin channel in addition to trusted
	// extensions.
	ClientIDs []string `yaml:"client_ids"`
}

// CredentialSettings configures the credential snapshot.
type CredentialSettings struct {
	// File is the snapshot path. Empty keeps keys in memory only.
	File string `yaml:"file"`

	// IdentityFile is an age X25519 identity. When set the snapshot is
	// encrypted to it.
	IdentityFile string `yaml:"identity_file"`
}

// FunctionSettings configures the built-in functions.
type FunctionSettings struct {
	// Dir is where readJsonFromFile and saveJsonToFile work. Empty
	// means a data directory under the settings directory.
	Dir string `yaml:"dir"`
}

// MetricsSettings toggles the /metrics endpoint.
type MetricsSettings struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns settings with every field populated.
func Default() *Settings {
	return &Settings{
		ListenAddress: ":4000",
		Reconnect: ReconnectSettings{
			Attempts: 5,
			Delay:    time.Second,
		},
		RPC: RPCSettings{
			Timeout: 30 * time.Second,
		},
		Requests: RequestSettings{
			TTL:        10 * time.Minute,
			MaxPending: 10000,
		},
		Hosts: HostSettings{
			IDPrefix: "SillyTavern",
		},
		Admin: AdminSettings{
			ClientIDs: []string{"monitor"},
		},
		Metrics: MetricsSettings{
			Enabled: true,
		},
		Rooms:         []string{},
		HostPasswords: map[string]string{},
	}
}

// Load loads the file named by HOSTRELAY_CONFIG.
func Load() (*Settings, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your settings file, or use --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile merges the file at path over Default and expands variables.
// A missing file returns an error wrapping os.ErrNotExist.
func LoadFile(path string) (*Settings, error) {
	settings := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if settings.HostPasswords == nil {
		settings.HostPasswords = map[string]string{}
	}

	settings.resolvePaths(path)
	return settings, nil
}

// LoadOrCreate loads path, falling back to defaults when the file is
// missing or unreadable. A missing file is created with the defaults.
// The returned settings are never nil; the error reports why defaults
// were used and is meant to be logged, not treated as fatal.
func LoadOrCreate(path string) (*Settings, error) {
	settings, err := LoadFile(path)
	if err == nil {
		return settings, nil
	}

	settings = Default()
	settings.resolvePaths(path)

	if errors.Is(err, os.ErrNotExist) {
		if mkdirErr := os.MkdirAll(filepath.Dir(path), 0o755); mkdirErr != nil {
			return settings, fmt.Errorf("creating settings directory: %w", mkdirErr)
		}
		if saveErr := settings.Save(path); saveErr != nil {
			return settings, fmt.Errorf("writing default settings: %w", saveErr)
		}
		return settings, nil
	}
	return settings, fmt.Errorf("loading %s, using defaults: %w", path, err)
}

// resolvePaths fills SettingsDir from the settings file location and
// expands variables in every path field.
func (s *Settings) resolvePaths(settingsPath string) {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	s.SettingsDir = expandVars(s.SettingsDir, vars)
	if s.SettingsDir == "" {
		s.SettingsDir = filepath.Dir(settingsPath)
	}
	vars["SETTINGS_DIR"] = s.SettingsDir

	s.Admin.SocketPath = expandVars(s.Admin.SocketPath, vars)
	s.Credentials.File = expandVars(s.Credentials.File, vars)
	s.Credentials.IdentityFile = expandVars(s.Credentials.IdentityFile, vars)
	s.Functions.Dir = expandVars(s.Functions.Dir, vars)
}

// DataDir returns the built-in functions' directory: functions.dir, or
// "data" under the settings directory.
func (s *Settings) DataDir() string {
	if s.Functions.Dir != "" {
		return s.Functions.Dir
	}
	return filepath.Join(s.SettingsDir, "data")
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}, preferring vars over
// the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the settings for values the server cannot run with.
func (s *Settings) Validate() error {
	var errs []error

	if s.ListenAddress == "" {
		errs = append(errs, fmt.Errorf("listen_address is required"))
	}
	if s.SettingsDir == "" {
		errs = append(errs, fmt.Errorf("settings_dir is required"))
	}
	if s.Reconnect.Attempts < 1 {
		errs = append(errs, fmt.Errorf("reconnect.attempts must be at least 1, got %d", s.Reconnect.Attempts))
	}
	if s.Reconnect.Delay <= 0 {
		errs = append(errs, fmt.Errorf("reconnect.delay must be positive, got %s", s.Reconnect.Delay))
	}
	if s.RPC.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("rpc.timeout must be positive, got %s", s.RPC.Timeout))
	}
	if s.Requests.TTL <= 0 {
		errs = append(errs, fmt.Errorf("requests.ttl must be positive, got %s", s.Requests.TTL))
	}
	if s.Requests.MaxPending < 1 {
		errs = append(errs, fmt.Errorf("requests.max_pending must be at least 1, got %d", s.Requests.MaxPending))
	}
	if s.Hosts.IDPrefix == "" {
		errs = append(errs, fmt.Errorf("hosts.id_prefix is required"))
	}
	if s.SettingsDir != "" && filepath.Clean(s.DataDir()) == filepath.Clean(s.SettingsDir) {
		errs = append(errs, fmt.Errorf("functions.dir must not be the settings directory"))
	}
	if s.Credentials.IdentityFile != "" && s.Credentials.File == "" {
		errs = append(errs, fmt.Errorf("credentials.identity_file requires credentials.file"))
	}

	return errors.Join(errs...)
}

// Save writes the settings to path atomically.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}
	return atomicfile.WriteFile(path, data, 0o600)
}

// Clone returns a deep copy, for handing a consistent snapshot to a
// writer while the original keeps changing.
func (s *Settings) Clone() *Settings {
	clone := *s
	clone.Rooms = append([]string(nil), s.Rooms...)
	clone.Admin.ClientIDs = append([]string(nil), s.Admin.ClientIDs...)
	clone.HostPasswords = make(map[string]string, len(s.HostPasswords))
	for id, hash := range s.HostPasswords {
		clone.HostPasswords[id] = hash
	}
	return &clone
}

// ClientSettings is the CLIENT_SETTINGS payload a trusted host pushes.
// Absent fields leave the current value alone. ReconnectDelay is in
// milliseconds, matching what hosts send.
type ClientSettings struct {
	ReconnectAttempts *int  `json:"reconnectAttempts,omitempty"`
	ReconnectDelay    *int  `json:"reconnectDelay,omitempty"`
	RememberMe        *bool `json:"Remember_me,omitempty"`
}

// Apply merges update into s. It rejects non-positive timing values
// without changing anything.
func (s *Settings) Apply(update ClientSettings) error {
	if update.ReconnectAttempts != nil && *update.ReconnectAttempts < 1 {
		return fmt.Errorf("reconnectAttempts must be at least 1, got %d", *update.ReconnectAttempts)
	}
	if update.ReconnectDelay != nil && *update.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnectDelay must be positive, got %d", *update.ReconnectDelay)
	}
	if update.ReconnectAttempts != nil {
		s.Reconnect.Attempts = *update.ReconnectAttempts
	}
	if update.ReconnectDelay != nil {
		s.Reconnect.Delay = time.Duration(*update.ReconnectDelay) * time.Millisecond
	}
	if update.RememberMe != nil {
		s.RememberMe = *update.RememberMe
	}
	return nil
}
