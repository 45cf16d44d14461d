// Package capture abstracts the screen-capture source the encoder pipeline
// and thumbnail requests read frames from. Capture is inherently OS-specific
// (Win32 GDI/DXGI, X11/Wayland, Quartz); this package defines the interface
// every such binding would satisfy and ships one synthetic implementation
// that needs no native bindings, so the rest of the pipeline can be built
// and tested without cgo or build tags. A real binding would live beside
// this file behind a build tag (capture_windows.go, capture_linux.go, ...).
package capture

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"core/protocol"
)

// Source captures still frames from one of possibly several monitors.
type Source interface {
	// Monitors reports the available capture targets.
	Monitors() []protocol.Monitor
	// Select switches the active capture target by monitor index.
	Select(monitorID int) error
	// Frame captures one full frame from the active monitor.
	Frame() (*image.RGBA, error)
	// Size reports the active monitor's dimensions.
	Size() (width, height int)
}

// Synthetic is a Source that needs no OS bindings: it renders a moving
// gradient plus a frame-counter-driven bar, enough to exercise the encoder
// pipeline end to end in environments with no real display.
type Synthetic struct {
	mu       sync.Mutex
	monitors []protocol.Monitor
	active   int
	frameN   int
}

// NewSynthetic builds a single-monitor synthetic source of the given size.
func NewSynthetic(width, height int) *Synthetic {
	return &Synthetic{
		monitors: []protocol.Monitor{{Index: 0, Width: width, Height: height}},
	}
}

func (s *Synthetic) Monitors() []protocol.Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Monitor, len(s.monitors))
	copy(out, s.monitors)
	return out
}

func (s *Synthetic) Select(monitorID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.monitors {
		if m.Index == monitorID {
			s.active = i
			return nil
		}
	}
	return fmt.Errorf("capture: unknown monitor %d", monitorID)
}

func (s *Synthetic) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.monitors[s.active]
	return m.Width, m.Height
}

func (s *Synthetic) Frame() (*image.RGBA, error) {
	s.mu.Lock()
	m := s.monitors[s.active]
	s.frameN++
	n := s.frameN
	s.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, m.Width, m.Height))
	phase := byte((n * 4) % 256)
	barY := (n * 3) % m.Height
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			c := color.RGBA{
				R: byte(x%256) ^ phase,
				G: byte(y%256) ^ phase,
				B: phase,
				A: 255,
			}
			if y == barY {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img, nil
}
