package audio

import (
	"testing"
	"time"
)

// mockPAStream implements paStream for testing. Read() blocks until
// unblockCh is closed, simulating a real PortAudio blocking capture call.
type mockPAStream struct {
	unblockCh chan struct{}
	stopped   bool
	closed    bool
}

func newMockPAStream() *mockPAStream {
	return &mockPAStream{unblockCh: make(chan struct{})}
}

func (m *mockPAStream) Start() error { return nil }
func (m *mockPAStream) Stop() error {
	m.stopped = true
	select {
	case <-m.unblockCh:
	default:
		close(m.unblockCh)
	}
	return nil
}
func (m *mockPAStream) Close() error { m.closed = true; return nil }
func (m *mockPAStream) Read() error {
	<-m.unblockCh
	return errStopped
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errStopped = sentinelErr("stream stopped")

// mockEncoder implements opusEncoder, returning a fixed-size fake packet.
type mockEncoder struct{ bitrate int }

func (m *mockEncoder) Encode(pcm []int16, data []byte) (int, error) {
	if len(data) > 0 {
		data[0] = 0x7f
		return 1, nil
	}
	return 0, nil
}
func (m *mockEncoder) SetBitrate(bitrate int) error { m.bitrate = bitrate; return nil }

func newTestEngine(stream paStream) *Engine {
	e := New()
	e.openStream = func() (paStream, []float32, error) {
		return stream, make([]float32, FrameSize), nil
	}
	e.newEncoder = func() (opusEncoder, error) { return &mockEncoder{}, nil }
	return e
}

func TestStartStopLifecycle(t *testing.T) {
	stream := newMockPAStream()
	e := newTestEngine(stream)

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !e.Running() {
		t.Fatal("expected Running() true after Start")
	}

	// Starting again is a no-op, not an error.
	if err := e.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	e.Stop()
	if e.Running() {
		t.Fatal("expected Running() false after Stop")
	}
	if !stream.stopped {
		t.Error("stream was not stopped")
	}
	if !stream.closed {
		t.Error("stream was not closed")
	}
}

func TestStopIdempotent(t *testing.T) {
	e := newTestEngine(newMockPAStream())
	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.Stop()
	e.Stop() // must not block or panic
}

func TestStopOnNeverStarted(t *testing.T) {
	e := New()
	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Stop() blocked on an engine that was never started")
	}
}

func TestNewEncoderErrorLeavesNotRunning(t *testing.T) {
	e := New()
	e.openStream = func() (paStream, []float32, error) {
		return newMockPAStream(), make([]float32, FrameSize), nil
	}
	e.newEncoder = func() (opusEncoder, error) { return nil, errStopped }

	if err := e.Start(); err == nil {
		t.Fatal("expected Start to fail when newEncoder errors")
	}
	if e.Running() {
		t.Fatal("Running() should be false after a failed Start")
	}
}

func TestOpenStreamErrorLeavesNotRunning(t *testing.T) {
	e := New()
	e.newEncoder = func() (opusEncoder, error) { return &mockEncoder{}, nil }
	e.openStream = func() (paStream, []float32, error) { return nil, nil, errStopped }

	if err := e.Start(); err == nil {
		t.Fatal("expected Start to fail when openStream errors")
	}
	if e.Running() {
		t.Fatal("Running() should be false after a failed Start")
	}
}

func TestClampFloat32(t *testing.T) {
	cases := map[float32]float32{
		0.5:  0.5,
		1.5:  1.0,
		-1.5: -1.0,
		-0.3: -0.3,
	}
	for in, want := range cases {
		if got := clampFloat32(in); got != want {
			t.Errorf("clampFloat32(%v) = %v, want %v", in, got, want)
		}
	}
}
