// Package atomicfile provides atomic JSON persistence for the small
// per-process configuration documents described in spec.md §6, following
// the teacher's client/internal/config Load/Save pattern: never error out
// of Load (fall back to defaults), always write via a temp-file-then-rename
// so a crash mid-write can't corrupt the on-disk config.
package atomicfile

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// SaveJSON marshals v as indented JSON and writes it to path atomically:
// write to a sibling temp file, fsync, then rename over the destination.
func SaveJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// LoadJSON reads path into v. The caller should pre-populate v with
// defaults before calling, since a missing or corrupt file leaves v
// unmodified rather than returning an error the caller must special-case.
func LoadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil // missing/unreadable config falls back to defaults, per spec.md §6
	}
	_ = json.Unmarshal(data, v) // corrupt config also falls back to defaults
	return nil
}
