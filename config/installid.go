package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/crosscloudio/client/paths"
)

// ResolveInstallID returns the identity reported to the engine. An
// explicit install_id or CC_INSTALL_ID wins; otherwise the id persisted
// in the config dir is used, created on first run.
func (c *Config) ResolveInstallID() (string, error) {
	c.mu.RLock()
	id := c.InstallID
	c.mu.RUnlock()
	if id != "" {
		return id, nil
	}

	path, err := paths.InstallIDPath()
	if err != nil {
		return "", err
	}
	return LoadInstallID(path)
}

// LoadInstallID reads the id stored at path, generating and storing a
// new one when the file is missing or does not hold a valid UUID.
func LoadInstallID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id, perr := uuid.Parse(strings.TrimSpace(string(data))); perr == nil {
			return id.String(), nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("failed to store install id: %w", err)
	}
	return id, nil
}
