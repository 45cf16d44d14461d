// Package config manages the manager's persistent settings, stored as
// JSON at os.UserConfigDir()/remotectl-manager/config.json. Following the
// teacher's client/internal/config pattern (also used by
// agent/internal/config), Load never errors — a missing or corrupt file
// just yields Default() — and persistence goes through core/atomicfile's
// temp-file-then-rename writer.
package config

import (
	"os"
	"path/filepath"

	"core/atomicfile"
)

// Config holds the manager's persistent settings.
type Config struct {
	DirectoryURL string   `json:"directory_url"` // empty ⇒ dev mode, direct addressing only
	ManagerID    string   `json:"manager_id"`
	Username     string   `json:"username"`
	Token        string   `json:"token,omitempty"` // bearer token from the last successful login; re-adopted by connect
	STUNServers  []string `json:"stun_servers"`
	AudioEnabled bool     `json:"audio_enabled"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		STUNServers: []string{"stun:stun.l.google.com:19302"},
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "remotectl-manager", "config.json"), nil
}

// Load reads the config file, falling back to Default() on any error
// (missing file, corrupt JSON, unresolvable config dir).
func Load() Config {
	cfg := Default()
	path, err := Path()
	if err != nil {
		return cfg
	}
	_ = atomicfile.LoadJSON(path, &cfg)
	return cfg
}

// Save persists cfg to disk atomically.
func Save(cfg Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return atomicfile.SaveJSON(path, cfg)
}
