// Package config manages the agent's persistent settings, stored as JSON at
// os.UserConfigDir()/remotectl-agent/config.json. Following the teacher's
// client/internal/config pattern, Load never errors — a missing or corrupt
// file just yields Default() — and persistence itself goes through
// core/atomicfile's temp-file-then-rename writer.
package config

import (
	"os"
	"path/filepath"

	"core/atomicfile"
)

// Config holds the agent's persistent settings (spec.md §6).
type Config struct {
	DirectoryURL string `json:"directory_url"` // empty ⇒ dev mode, no directory auth
	AgentID      string `json:"agent_id"`
	WSPort       int    `json:"ws_port"`
	SaveDir      string `json:"save_dir"` // file-transfer destination directory
	STUNServers  []string `json:"stun_servers"`
	AudioEnabled bool   `json:"audio_enabled"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		WSPort:      7890,
		SaveDir:     "received",
		STUNServers: []string{"stun:stun.l.google.com:19302"},
	}
}

// Path returns the absolute path to the config file.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "remotectl-agent", "config.json"), nil
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
