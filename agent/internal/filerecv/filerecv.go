// Package filerecv implements the agent side of file transfer: at most one
// transfer in-flight per session, collision-safe target naming, and
// integrity checking against the declared size (spec.md §4.9, §7).
package filerecv

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
)

// ErrInFlight is returned by Start when a transfer is already open.
var ErrInFlight = fmt.Errorf("filerecv: a transfer is already in progress")

// Receiver accepts at most one file transfer at a time into saveDir.
type Receiver struct {
	saveDir string

	path     string
	f        *os.File
	declared int64
	received int64
	hash     hash.Hash
}

// New builds a Receiver that saves into saveDir; Start creates the
// directory if needed.
func New(saveDir string) *Receiver {
	return &Receiver{saveDir: saveDir}
}

// InFlight reports whether a transfer is currently open.
func (r *Receiver) InFlight() bool {
	return r.f != nil
}

// Start opens a new sink for name, sized declaredSize bytes. If a file of
// the same name already exists in the save directory, the target is
// suffixed "(N)" until a free name is found.
func (r *Receiver) Start(name string, declaredSize int64) (string, error) {
	if r.InFlight() {
		return "", ErrInFlight
	}
	if err := os.MkdirAll(r.saveDir, 0o750); err != nil {
		return "", fmt.Errorf("filerecv: mkdir save dir: %w", err)
	}

	path, err := uniquePath(r.saveDir, name)
	if err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("filerecv: create: %w", err)
	}

	r.path = path
	r.f = f
	r.declared = declaredSize
	r.received = 0
	r.hash = sha256.New()
	return path, nil
}

// WriteChunk appends data to the open sink and returns the running total of
// bytes received.
func (r *Receiver) WriteChunk(data []byte) (int64, error) {
	if !r.InFlight() {
		return 0, fmt.Errorf("filerecv: no transfer in progress")
	}
	n, err := r.f.Write(data)
	if err != nil {
		return r.received, fmt.Errorf("filerecv: write: %w", err)
	}
	r.hash.Write(data[:n])
	r.received += int64(n)
	return r.received, nil
}

// Result is the outcome of Finish.
type Result struct {
	Path     string
	Received int64
	SHA256   string
	OK       bool // false when received bytes != declared size (spec.md §7)
}

// Finish flushes and closes the current sink, clearing in-flight state
// regardless of outcome, and reports whether the received size matched the
// size declared at Start (Open Question #3: a mismatch is an error, the
// caller replies file_complete{status="error"}).
func (r *Receiver) Finish() (Result, error) {
	if !r.InFlight() {
		return Result{}, fmt.Errorf("filerecv: no transfer in progress")
	}
	path, received, declared := r.path, r.received, r.declared
	sum := r.hash.Sum(nil)

	err := r.f.Close()
	r.f = nil
	r.path = ""
	r.declared = 0
	r.received = 0
	r.hash = nil
	if err != nil {
		return Result{}, fmt.Errorf("filerecv: close: %w", err)
	}

	return Result{
		Path:     path,
		Received: received,
		SHA256:   hex.EncodeToString(sum),
		OK:       received == declared,
	}, nil
}

// Abort discards the current transfer, removing the partial file.
func (r *Receiver) Abort() {
	if !r.InFlight() {
		return
	}
	_ = r.f.Close()
	_ = os.Remove(r.path)
	r.f = nil
	r.path = ""
	r.declared = 0
	r.received = 0
	r.hash = nil
}

func uniquePath(dir, name string) (string, error) {
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate, nil
	}

	ext := filepath.Ext(name)
	base := name[:len(name)-len(ext)]
	for n := 1; n < 10000; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("filerecv: could not find a free name for %q", name)
}
