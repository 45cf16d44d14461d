package filerecv

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestStartWriteFinishIntegrity(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)

	payload := []byte("hello, remote desktop")
	sum := sha256.Sum256(payload)

	if _, err := r.Start("note.txt", int64(len(payload))); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := r.WriteChunk(payload[:10]); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if _, err := r.WriteChunk(payload[10:]); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	res, err := r.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected OK result, got %+v", res)
	}
	if res.SHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("sha256 mismatch: got %s", res.SHA256)
	}

	data, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("file content mismatch")
	}
}

func TestSizeMismatchReportsError(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)

	if _, err := r.Start("a.bin", 100); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := r.WriteChunk([]byte("short")); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	res, err := r.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if res.OK {
		t.Fatalf("expected size mismatch to report !OK, got %+v", res)
	}
}

func TestCollisionSafeRename(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "dup.txt"), []byte("existing"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := New(dir)
	path, err := r.Start("dup.txt", 3)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if path == filepath.Join(dir, "dup.txt") {
		t.Fatalf("expected renamed path, got %s", path)
	}
	if filepath.Base(path) != "dup (1).txt" {
		t.Fatalf("got %s", filepath.Base(path))
	}
	_, _ = r.WriteChunk([]byte("abc"))
	if _, err := r.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestOnlyOneInFlight(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	if _, err := r.Start("a.txt", 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := r.Start("b.txt", 1); err != ErrInFlight {
		t.Fatalf("got %v, want ErrInFlight", err)
	}
	r.Abort()
	if r.InFlight() {
		t.Fatal("expected InFlight false after Abort")
	}
}
