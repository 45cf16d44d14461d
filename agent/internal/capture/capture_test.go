package capture

import "testing"

func TestSyntheticFrameSize(t *testing.T) {
	s := NewSynthetic(640, 480)
	img, err := s.Frame()
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	if img.Bounds().Dx() != 640 || img.Bounds().Dy() != 480 {
		t.Fatalf("got %dx%d, want 640x480", img.Bounds().Dx(), img.Bounds().Dy())
	}
}

func TestSelectUnknownMonitor(t *testing.T) {
	s := NewSynthetic(640, 480)
	if err := s.Select(7); err == nil {
		t.Fatal("expected error selecting unknown monitor")
	}
}

func TestSelectKnownMonitor(t *testing.T) {
	s := NewSynthetic(640, 480)
	if err := s.Select(0); err != nil {
		t.Fatalf("Select: %v", err)
	}
}

func TestMonitorsReportsSize(t *testing.T) {
	s := NewSynthetic(1920, 1080)
	mons := s.Monitors()
	if len(mons) != 1 || mons[0].Width != 1920 || mons[0].Height != 1080 {
		t.Fatalf("got %+v", mons)
	}
}
