package config_test

import (
	"reflect"
	"testing"

	"manager/internal/config"
)

func TestDefault(t *testing.T) {
	cfg := config.Default()
	if len(cfg.STUNServers) == 0 {
		t.Error("expected at least one default STUN server")
	}
	if cfg.DirectoryURL != "" {
		t.Error("expected empty directory url by default (dev mode)")
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg := config.Config{
		DirectoryURL: "https://directory.example.com",
		ManagerID:    "mgr-42",
		Username:     "alice",
		Token:        "jwt-1",
		STUNServers:  []string{"stun:stun1.example.com:3478"},
		AudioEnabled: true,
	}
	if err := config.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := config.Load()
	if !reflect.DeepEqual(loaded, cfg) {
		t.Fatalf("got %+v, want %+v", loaded, cfg)
	}
}

func TestLoadMissingFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	loaded := config.Load()
	if !reflect.DeepEqual(loaded, config.Default()) {
		t.Fatalf("got %+v, want defaults", loaded)
	}
}
