package display

import (
	"image"
	"testing"
)

func TestRecorderPresentTracksLastFrame(t *testing.T) {
	r := NewRecorder()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))

	r.Present(img, 4, 4)
	got, w, h := r.Last()
	if got != img || w != 4 || h != 4 {
		t.Fatalf("Last() = %v, %d, %d; want %v, 4, 4", got, w, h, img)
	}

	presented, resizes, cleared := r.Stats()
	if presented != 1 || resizes != 0 || cleared != 0 {
		t.Fatalf("Stats() = %d,%d,%d; want 1,0,0", presented, resizes, cleared)
	}
}

func TestRecorderClearDropsLastFrame(t *testing.T) {
	r := NewRecorder()
	r.Present(image.NewRGBA(image.Rect(0, 0, 1, 1)), 1, 1)
	r.Clear()

	if got, _, _ := r.Last(); got != nil {
		t.Fatal("expected Last() to be nil after Clear")
	}
	_, _, cleared := r.Stats()
	if cleared != 1 {
		t.Fatalf("cleared = %d, want 1", cleared)
	}
}

func TestRecorderResize(t *testing.T) {
	r := NewRecorder()
	r.Resize(800, 600)
	_, w, h := r.Last()
	if w != 800 || h != 600 {
		t.Fatalf("dimensions = %d,%d; want 800,600", w, h)
	}
}
