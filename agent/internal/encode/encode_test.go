package encode

import (
	"context"
	"sync"
	"testing"
	"time"

	"core/protocol"

	"agent/internal/capture"
)

func TestCRFClamping(t *testing.T) {
	cases := []struct {
		quality int
		want    int
	}{
		{0, 51},
		{100, 10},
		{50, 31},
	}
	for _, c := range cases {
		if got := CRF(c.quality); got != c.want {
			t.Errorf("CRF(%d) = %d, want %d", c.quality, got, c.want)
		}
	}
}

func TestStartFallsBackToMJPEGWhenNoHardware(t *testing.T) {
	src := capture.NewSynthetic(64, 64)
	sub := NewSubscription(10, 70)

	var mu sync.Mutex
	var frames [][]byte
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, started := Start(ctx, src, sub, "h264", 30, func(f []byte) error {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
		return nil
	})
	defer p.Stop()

	if started.Codec != "mjpeg" {
		t.Fatalf("expected fallback to mjpeg, got %q", started.Codec)
	}

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	n := len(frames)
	first := append([]byte(nil), frames[0]...)
	mu.Unlock()

	if n == 0 {
		t.Fatal("expected at least one frame emitted")
	}
	if first[0] != protocol.FrameMJPEG {
		t.Fatalf("got header byte %#x, want FrameMJPEG", first[0])
	}
}

func TestSubscriptionUpdateIgnoresZero(t *testing.T) {
	s := NewSubscription(15, 50)
	s.Update(0, 90)
	if s.fps.Load() != 15 {
		t.Fatalf("fps should be unchanged, got %d", s.fps.Load())
	}
	if s.quality.Load() != 90 {
		t.Fatalf("quality = %d, want 90", s.quality.Load())
	}
}

func TestRequestKeyframeIsOneShot(t *testing.T) {
	s := NewSubscription(15, 50)
	s.RequestKeyframe()
	if !s.takeKeyframeFlag() {
		t.Fatal("expected flag set after RequestKeyframe")
	}
	if s.takeKeyframeFlag() {
		t.Fatal("expected flag cleared after first read")
	}
}

func TestCaptureThumbnailWireFormat(t *testing.T) {
	src := capture.NewSynthetic(32, 32)
	frame, err := CaptureThumbnail(src, 50)
	if err != nil {
		t.Fatalf("CaptureThumbnail: %v", err)
	}
	if frame[0] != protocol.FrameThumbnail {
		t.Fatalf("got header %#x, want FrameThumbnail", frame[0])
	}
}
