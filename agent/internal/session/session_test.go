package session

import (
	"context"
	"runtime"
	"sync"
	"testing"

	"core/protocol"

	"agent/internal/capture"
	"agent/internal/clipboard"
	"agent/internal/inject"
)

type fakeTransport struct {
	mu      sync.Mutex
	control []protocol.ControlMessage
	frames  [][]byte
	closed  bool
}

func (f *fakeTransport) SendControl(m protocol.ControlMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.control = append(f.control, m)
	return nil
}

func (f *fakeTransport) SendFrame(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	deps := Deps{
		Capture:   capture.NewSynthetic(320, 240),
		Injector:  inject.NewRecorder(nil),
		Clipboard: clipboard.NewLocal(),
		SaveDir:   t.TempDir(),
	}
	return NewManager(Info{AgentID: "agent-1", Hostname: "host", OSInfo: "test"}, deps, nil)
}

func TestAuthenticateDevModeThenPing(t *testing.T) {
	m := newTestManager(t)
	tr := &fakeTransport{}
	s, reply, err := m.Authenticate(context.Background(), "manager-1", "any-token", tr)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if reply.Type != protocol.TypeAuthOK || reply.AgentID != "agent-1" {
		t.Fatalf("got %+v", reply)
	}

	resp := s.Dispatch(context.Background(), protocol.ControlMessage{Type: protocol.TypePing, Ts: 42})
	if resp == nil || resp.Type != protocol.TypePong || resp.Ts != 42 {
		t.Fatalf("got %+v", resp)
	}
}

func TestSupersessionClosesPriorTransport(t *testing.T) {
	m := newTestManager(t)
	tr1 := &fakeTransport{}
	_, _, err := m.Authenticate(context.Background(), "manager-1", "t", tr1)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	tr2 := &fakeTransport{}
	_, _, err = m.Authenticate(context.Background(), "manager-1", "t", tr2)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	tr1.mu.Lock()
	closed := tr1.closed
	tr1.mu.Unlock()
	if !closed {
		t.Fatal("expected prior transport to be closed on supersession")
	}
}

func TestUnknownTypeReply(t *testing.T) {
	m := newTestManager(t)
	s, _, _ := m.Authenticate(context.Background(), "manager-1", "t", &fakeTransport{})
	resp := s.Dispatch(context.Background(), protocol.ControlMessage{Type: "not_a_real_type"})
	if resp == nil || resp.Type != protocol.TypeUnknownType {
		t.Fatalf("got %+v", resp)
	}
}

func TestFileTransferLifecycle(t *testing.T) {
	m := newTestManager(t)
	s, _, _ := m.Authenticate(context.Background(), "manager-1", "t", &fakeTransport{})

	ack := s.Dispatch(context.Background(), protocol.ControlMessage{Type: protocol.TypeFileStart, Name: "a.txt", Size: 5})
	if ack == nil || ack.Status != "ready" {
		t.Fatalf("got %+v", ack)
	}

	progress := s.BinaryFrame([]byte("hello"))
	if progress == nil || progress.Received != 5 || progress.Total != 5 {
		t.Fatalf("got %+v", progress)
	}

	complete := s.Dispatch(context.Background(), protocol.ControlMessage{Type: protocol.TypeFileEnd})
	if complete == nil || complete.Status != "ok" {
		t.Fatalf("got %+v", complete)
	}
}

func TestFileTransferSizeMismatchIsError(t *testing.T) {
	m := newTestManager(t)
	s, _, _ := m.Authenticate(context.Background(), "manager-1", "t", &fakeTransport{})

	_ = s.Dispatch(context.Background(), protocol.ControlMessage{Type: protocol.TypeFileStart, Name: "b.txt", Size: 100})
	_ = s.BinaryFrame([]byte("short"))
	complete := s.Dispatch(context.Background(), protocol.ControlMessage{Type: protocol.TypeFileEnd})
	if complete == nil || complete.Status != "error" {
		t.Fatalf("got %+v", complete)
	}
}

func TestClipboardWriteReadRoundTrip(t *testing.T) {
	m := newTestManager(t)
	s, _, _ := m.Authenticate(context.Background(), "manager-1", "t", &fakeTransport{})

	_ = s.Dispatch(context.Background(), protocol.ControlMessage{Type: protocol.TypeClipboard, Format: "text", Data: "hi"})
	resp := s.Dispatch(context.Background(), protocol.ControlMessage{Type: protocol.TypeGetClipboard})
	if resp == nil || resp.Data != "hi" {
		t.Fatalf("got %+v", resp)
	}
}

func TestExecuteRunsShellCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a posix shell command")
	}
	m := newTestManager(t)
	s, _, _ := m.Authenticate(context.Background(), "manager-1", "t", &fakeTransport{})

	resp := s.Dispatch(context.Background(), protocol.ControlMessage{Type: protocol.TypeExecute, Command: "echo hi"})
	if resp == nil || resp.Type != protocol.TypeExecuteResult || resp.ReturnCode != 0 {
		t.Fatalf("got %+v", resp)
	}
	if resp.Stdout != "hi\n" {
		t.Fatalf("got stdout %q", resp.Stdout)
	}
}

func TestRequestMonitorsListsCaptureMonitors(t *testing.T) {
	m := newTestManager(t)
	s, _, _ := m.Authenticate(context.Background(), "manager-1", "t", &fakeTransport{})

	resp := s.Dispatch(context.Background(), protocol.ControlMessage{Type: protocol.TypeRequestMonitors})
	if resp == nil || resp.Type != protocol.TypeMonitorList || len(resp.Monitors) != 1 {
		t.Fatalf("got %+v", resp)
	}
}
