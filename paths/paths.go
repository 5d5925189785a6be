// Package paths resolves where the client keeps its files.
//
//   - Config (XDG_CONFIG_HOME): config.yaml, install_id
//   - Data (XDG_DATA_HOME): status.db, the extension's badge cache
//   - State (XDG_STATE_HOME): logs/, reports/
//
// Resolution order:
//  1. If ~/.crosscloud/ exists, everything lives there
//  2. If any XDG variable is set, use the XDG layout
//  3. Otherwise default to ~/.crosscloud/
//
// The rendezvous directory holding the extension socket is resolved
// separately because both the shell host and the sandboxed extension
// must agree on it.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	appName = "crosscloud"

	// ApplicationGroupID names the shared container both processes can
	// reach on macOS.
	ApplicationGroupID = "crosscloud.shellextension"

	// SocketName is the file name of the extension socket.
	SocketName = "unix_socket"

	// RendezvousEnv overrides the rendezvous directory.
	RendezvousEnv = "CC_RENDEZVOUS_DIR"
)

var (
	mu       sync.Mutex
	resolved *resolvedPaths
)

type resolvedPaths struct {
	home      string
	configDir string
	dataDir   string
	stateDir  string
	legacy    bool
}

func resolve() (*resolvedPaths, error) {
	mu.Lock()
	defer mu.Unlock()

	if resolved != nil {
		return resolved, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	legacyDir := filepath.Join(home, "."+appName)
	legacy := &resolvedPaths{home: home, configDir: legacyDir, dataDir: legacyDir, stateDir: legacyDir, legacy: true}

	if info, err := os.Stat(legacyDir); err == nil && info.IsDir() {
		resolved = legacy
		return resolved, nil
	}

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	xdgData := os.Getenv("XDG_DATA_HOME")
	xdgState := os.Getenv("XDG_STATE_HOME")
	if xdgConfig == "" && xdgData == "" && xdgState == "" {
		resolved = legacy
		return resolved, nil
	}

	if xdgConfig == "" {
		xdgConfig = filepath.Join(home, ".config")
	}
	if xdgData == "" {
		xdgData = filepath.Join(home, ".local", "share")
	}
	if xdgState == "" {
		xdgState = filepath.Join(home, ".local", "state")
	}
	resolved = &resolvedPaths{
		home:      home,
		configDir: filepath.Join(xdgConfig, appName),
		dataDir:   filepath.Join(xdgData, appName),
		stateDir:  filepath.Join(xdgState, appName),
	}
	return resolved, nil
}

// ConfigDir returns the directory for configuration files.
func ConfigDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.configDir, nil
}

// DataDir returns the directory for persistent data.
func DataDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.dataDir, nil
}

// StateDir returns the directory for logs and reports.
func StateDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.stateDir, nil
}

func join(dir func() (string, error), elem ...string) (string, error) {
	d, err := dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{d}, elem...)...), nil
}

// ConfigFilePath returns the path of config.yaml.
func ConfigFilePath() (string, error) { return join(ConfigDir, "config.yaml") }

// InstallIDPath returns the file holding the persisted install id.
func InstallIDPath() (string, error) { return join(ConfigDir, "install_id") }

// StatusCachePath returns the extension's badge cache database.
func StatusCachePath() (string, error) { return join(DataDir, "status.db") }

// LogsDir returns the directory for log files.
func LogsDir() (string, error) { return join(StateDir, "logs") }

// ReportsDir returns the directory for diagnostic reports.
func ReportsDir() (string, error) { return join(StateDir, "reports") }

// RendezvousDir returns the directory shared by the engine and the
// extension. CC_RENDEZVOUS_DIR wins; on macOS it is the application
// group container, elsewhere the user's runtime dir when set.
func RendezvousDir() (string, error) {
	if dir := os.Getenv(RendezvousEnv); dir != "" {
		return dir, nil
	}
	r, err := resolve()
	if err != nil {
		return "", err
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(r.home, "Library", "Group Containers", ApplicationGroupID), nil
	}
	if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
		return filepath.Join(xdgRuntime, appName), nil
	}
	return r.stateDir, nil
}

// SocketPath returns the extension socket inside the rendezvous dir.
func SocketPath() (string, error) { return join(RendezvousDir, SocketName) }

// IsLegacyLayout reports whether everything lives under ~/.crosscloud/.
func IsLegacyLayout() bool {
	r, err := resolve()
	if err != nil {
		return true
	}
	return r.legacy
}

// Reset clears the cached resolution. Tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resolved = nil
}
