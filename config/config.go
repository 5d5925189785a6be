// Package config loads the client's settings from config.yaml and the
// environment. Environment variables override the file so a launcher can
// point the shell host at a development engine without editing it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crosscloudio/client/paths"
)

// Environment overrides.
const (
	EnvDaemonExec     = "CC_DAEMON_EXEC"
	EnvDaemonArgs     = "CC_DAEMON_ARGS"
	EnvThreads        = "CC_THREADS"
	EnvInstallID      = "CC_INSTALL_ID"
	EnvPingInterval   = "CC_PING_INTERVAL"
	EnvUpdateInterval = "CC_UPDATE_INTERVAL"
	EnvDebug          = "CC_DEBUG"
)

const (
	DefaultThreads      = 4
	DefaultNotifyWindow = 5 * time.Second
)

// productionExecutable is the engine binary shipped next to the shell.
var productionExecutable = func() string {
	if runtime.GOOS == "windows" {
		return "CrossCloudSync.exe"
	}
	return "CrossCloudSync"
}()

// Duration reads "2s" style values from YAML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Daemon configures how the shell host runs the engine.
type Daemon struct {
	Executable       string            `yaml:"executable,omitempty"`
	Args             []string          `yaml:"args,omitempty"`
	Env              map[string]string `yaml:"env,omitempty"`
	Threads          int               `yaml:"threads,omitempty"`
	PingInterval     Duration          `yaml:"ping_interval,omitempty"`
	PingTimeout      Duration          `yaml:"ping_timeout,omitempty"`
	KillGrace        Duration          `yaml:"kill_grace,omitempty"`
	MaxRestartTries  int               `yaml:"max_restart_tries,omitempty"`
	RestartBaseDelay Duration          `yaml:"restart_base_delay,omitempty"`
}

// Extension configures the file-manager extension.
type Extension struct {
	RootInterval   Duration `yaml:"root_interval,omitempty"`
	StatusInterval Duration `yaml:"status_interval,omitempty"`
	CallTimeout    Duration `yaml:"call_timeout,omitempty"`
	// PersistStatus keeps badges in a bbolt database across restarts.
	PersistStatus bool `yaml:"persist_status,omitempty"`
}

// Config holds the application configuration.
type Config struct {
	Daemon       Daemon    `yaml:"daemon"`
	Extension    Extension `yaml:"extension"`
	Debug        bool      `yaml:"debug,omitempty"`
	InstallID    string    `yaml:"install_id,omitempty"`
	NotifyWindow Duration  `yaml:"notify_window,omitempty"`

	mu       sync.RWMutex
	filePath string
}

// Load reads config.yaml from the config dir, or returns defaults when
// it does not exist, then applies environment overrides.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom is Load for an explicit file.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{filePath: path}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies the CC_* overrides read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := lookup(EnvDaemonExec); ok && v != "" {
		c.Daemon.Executable = v
	}
	if v, ok := lookup(EnvDaemonArgs); ok {
		c.Daemon.Args = strings.Fields(v)
	}
	if v, ok := lookup(EnvThreads); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvThreads, err)
		}
		c.Daemon.Threads = n
	}
	if v, ok := lookup(EnvInstallID); ok && v != "" {
		c.InstallID = v
	}
	if v, ok := lookup(EnvPingInterval); ok && v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPingInterval, err)
		}
		c.Daemon.PingInterval.Duration = d
	}
	if v, ok := lookup(EnvUpdateInterval); ok && v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvUpdateInterval, err)
		}
		c.Extension.StatusInterval.Duration = d
	}
	if v, ok := lookup(EnvDebug); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDebug, err)
		}
		c.Debug = b
	}
	return nil
}

// parseInterval accepts a Go duration or a bare number of milliseconds.
func parseInterval(v string) (time.Duration, error) {
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// ensureDefaults fills zero values. Must be called before the Config is
// shared.
func (c *Config) ensureDefaults() {
	if c.Daemon.Threads == 0 {
		c.Daemon.Threads = DefaultThreads
	}
	if c.Daemon.Env == nil {
		c.Daemon.Env = make(map[string]string)
	}
	if c.NotifyWindow.Duration == 0 {
		c.NotifyWindow.Duration = DefaultNotifyWindow
	}
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Daemon.Threads < 0 {
		return fmt.Errorf("daemon.threads must not be negative, got %d", c.Daemon.Threads)
	}
	if c.Daemon.MaxRestartTries < 0 {
		return fmt.Errorf("daemon.max_restart_tries must not be negative, got %d", c.Daemon.MaxRestartTries)
	}
	for name, d := range map[string]time.Duration{
		"daemon.ping_interval":      c.Daemon.PingInterval.Duration,
		"daemon.ping_timeout":       c.Daemon.PingTimeout.Duration,
		"daemon.kill_grace":         c.Daemon.KillGrace.Duration,
		"daemon.restart_base_delay": c.Daemon.RestartBaseDelay.Duration,
		"extension.root_interval":   c.Extension.RootInterval.Duration,
		"extension.status_interval": c.Extension.StatusInterval.Duration,
		"extension.call_timeout":    c.Extension.CallTimeout.Duration,
		"notify_window":             c.NotifyWindow.Duration,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	for key := range c.Daemon.Env {
		if key == "" || strings.Contains(key, "=") {
			return fmt.Errorf("invalid daemon.env key %q", key)
		}
	}
	return nil
}

// ResolveExecutable returns the engine to run: the configured one, else
// the production build shipped in a prod/ directory next to exe.
func (c *Config) ResolveExecutable(exe string) (string, error) {
	c.mu.RLock()
	configured := c.Daemon.Executable
	c.mu.RUnlock()

	if configured != "" {
		return configured, nil
	}
	candidate := filepath.Join(filepath.Dir(exe), "prod", productionExecutable)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return "", fmt.Errorf("no engine executable configured: set daemon.executable or %s", EnvDaemonExec)
}

// EnvList returns the extra engine environment as KEY=VALUE pairs.
func (c *Config) EnvList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	env := make([]string, 0, len(c.Daemon.Env))
	for k, v := range c.Daemon.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// Save writes the config to its file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.filePath, data, 0644)
}

// FilePath returns the file the config was loaded from.
func (c *Config) FilePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}
