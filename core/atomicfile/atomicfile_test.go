package atomicfile

import (
	"path/filepath"
	"testing"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	want := sample{Name: "agent-1", Count: 7}
	if err := SaveJSON(path, want); err != nil {
		t.Fatalf("SaveJSON: %v", err)
	}

	var got sample
	if err := LoadJSON(path, &got); err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestLoadMissingFileLeavesDefaults(t *testing.T) {
	got := sample{Name: "default", Count: 42}
	if err := LoadJSON(filepath.Join(t.TempDir(), "missing.json"), &got); err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if got.Name != "default" || got.Count != 42 {
		t.Fatalf("defaults clobbered: %+v", got)
	}
}

func TestLoadCorruptFileLeavesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := SaveJSON(path, "not-an-object-after-edit"); err != nil {
		t.Fatalf("SaveJSON: %v", err)
	}
	got := sample{Name: "default", Count: 1}
	if err := LoadJSON(path, &got); err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if got.Name != "default" {
		t.Fatalf("corrupt config should fall back: %+v", got)
	}
}
