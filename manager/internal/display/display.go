// Package display abstracts the render surface the decode pipeline hands
// finished frames to. Like agent/internal/capture on the other end of the
// pipe, a real surface is inherently OS/UI-toolkit specific (a window
// blitting RGB frames); that layer is out of scope for this module (the
// spec's Non-goals exclude a GUI), so this package defines the interface
// such a surface would satisfy and ships a Recorder that keeps the last
// frame and a frame counter, enough to exercise and test the decode
// pipeline end to end without a real display.
package display

import (
	"image"
	"sync"
)

// Surface receives decoded frames and stream lifecycle notices.
type Surface interface {
	// Present draws img (width x height) as the latest frame.
	Present(img *image.RGBA, width, height int)
	// Resize notifies the surface the stream's dimensions changed
	// (e.g. a new monitor selected, or codec renegotiated).
	Resize(width, height int)
	// Clear notifies the surface the stream has ended (stop_stream or
	// disconnect); it should show nothing until the next Present.
	Clear()
}

// Recorder is a Surface that needs no window-toolkit bindings: it records
// the most recent frame plus simple counters, enough for tests and for a
// headless manager (e.g. a CLI-driven automation client).
type Recorder struct {
	mu sync.Mutex

	width, height int
	frame         *image.RGBA
	presented     int
	resizes       int
	cleared       int
}

// NewRecorder builds an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Present(img *image.RGBA, width, height int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frame = img
	r.width, r.height = width, height
	r.presented++
}

func (r *Recorder) Resize(width, height int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.width, r.height = width, height
	r.resizes++
}

func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frame = nil
	r.cleared++
}

// Last returns the most recently presented frame and the dimensions last
// set by Present or Resize. The frame is nil if nothing has been presented
// or Clear ran since; Clear leaves the dimensions unchanged.
func (r *Recorder) Last() (*image.RGBA, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frame, r.width, r.height
}

// Stats reports how many times Present/Resize/Clear were called, for
// tests asserting on pipeline behavior rather than pixel content.
func (r *Recorder) Stats() (presented, resizes, cleared int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presented, r.resizes, r.cleared
}
