// Package session implements the agent's per-connection session core:
// handshake, supersession of a prior session for the same manager, and the
// control-message dispatch table of spec.md §4.6. It is transport-agnostic
// — the direct WS listener and the relay session both drive a Session
// through Dispatch/BinaryFrame — following the teacher's ChannelState pattern of
// keeping registry/dispatch logic separate from the websocket plumbing.
package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"core/dirclient"
	"core/protocol"

	"agent/internal/audio"
	"agent/internal/capture"
	"agent/internal/clipboard"
	"agent/internal/encode"
	"agent/internal/filerecv"
	"agent/internal/inject"
)

// Info describes this agent for the auth_ok reply.
type Info struct {
	AgentID  string
	Hostname string
	OSInfo   string
}

// Deps are the capability bindings a Session dispatches control messages
// into. All fields are required.
type Deps struct {
	Capture   capture.Source
	Injector  inject.Injector
	Clipboard clipboard.Bridge
	SaveDir   string
}

// Transport is the minimal send surface a Session needs from whatever
// carries it (direct WS listener or relay session).
type Transport interface {
	SendControl(protocol.ControlMessage) error
	SendFrame(frame []byte) error
	Close()
}

// Manager tracks one Session per manager ID, closing any prior session for
// the same manager before a new one takes over (spec.md §4.6 step 2).
type Manager struct {
	info Info
	deps Deps
	dir  *dirclient.Client // nil ⇒ no directory configured, dev-mode auth

	mu       sync.Mutex
	sessions map[string]*Session

	onClipboardLocal func(clipboard.Content) // broadcast hook, set by caller
}

// NewManager builds a session Manager. dir may be nil (dev mode: any token
// is accepted, per spec.md §4.6 step 1).
func NewManager(info Info, deps Deps, dir *dirclient.Client) *Manager {
	m := &Manager{info: info, deps: deps, dir: dir, sessions: make(map[string]*Session)}
	deps.Clipboard.Watch(func(c clipboard.Content) {
		m.broadcastClipboard(c)
	})
	return m
}

func (m *Manager) broadcastClipboard(c clipboard.Content) {
	m.mu.Lock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		targets = append(targets, s)
	}
	m.mu.Unlock()

	for _, s := range targets {
		_ = s.transport.SendControl(protocol.ControlMessage{
			Type: protocol.TypeClipboard, Format: c.Format, Data: c.Data,
		})
	}
}

// Authenticate validates hello against the directory (or accepts in dev
// mode), supersedes any prior session for managerID, and returns the new
// Session plus the auth_ok reply to send. On failure it returns the
// auth_fail reply to send instead.
func (m *Manager) Authenticate(ctx context.Context, managerID, token string, transport Transport) (*Session, protocol.ControlMessage, error) {
	if err := m.validateToken(ctx, token); err != nil {
		return nil, protocol.ControlMessage{Type: protocol.TypeAuthFail, Reason: err.Error()}, err
	}

	m.mu.Lock()
	if prior, ok := m.sessions[managerID]; ok {
		prior.transport.Close()
	}
	width, height := m.deps.Capture.Size()
	s := newSession(managerID, m, transport)
	m.sessions[managerID] = s
	m.mu.Unlock()

	ok := protocol.ControlMessage{
		Type: protocol.TypeAuthOK, AgentID: m.info.AgentID, Hostname: m.info.Hostname,
		OSInfo: m.info.OSInfo, ScreenW: width, ScreenH: height,
	}
	return s, ok, nil
}

func (m *Manager) validateToken(ctx context.Context, token string) error {
	if m.dir == nil {
		return nil // no directory configured: dev mode, accept (spec.md §4.6 step 1)
	}
	c := *m.dir
	c.SetToken(token)
	if err := c.Me(ctx); err != nil {
		return fmt.Errorf("session: token rejected: %w", err)
	}
	return nil
}

func (m *Manager) remove(managerID string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[managerID]; ok && cur == s {
		delete(m.sessions, managerID)
	}
}

// Session is one authenticated manager connection and its per-session
// subscriptions and tasks (spec.md §4.6: "two managers watching at
// different FPS/quality get two encoders").
type Session struct {
	managerID string
	mgr       *Manager
	transport Transport

	mu           sync.Mutex
	stream       *encode.Pipeline
	streamSub    *encode.Subscription
	thumbPush    context.CancelFunc
	fileRecv     *filerecv.Receiver
	fileDeclared int64
	audioEngine  *audio.Engine
	audioCancel  context.CancelFunc
}

func newSession(managerID string, mgr *Manager, transport Transport) *Session {
	return &Session{
		managerID: managerID,
		mgr:       mgr,
		transport: transport,
		fileRecv:  filerecv.New(mgr.deps.SaveDir),
	}
}

// Close tears down any live subscriptions/tasks and deregisters the
// session.
func (s *Session) Close() {
	s.mu.Lock()
	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
	if s.thumbPush != nil {
		s.thumbPush()
		s.thumbPush = nil
	}
	if s.fileRecv.InFlight() {
		s.fileRecv.Abort()
	}
	s.stopAudioLocked()
	s.mu.Unlock()
	s.mgr.remove(s.managerID, s)
}

// stopAudioLocked stops this session's audio engine, if running. Callers
// must hold s.mu.
func (s *Session) stopAudioLocked() {
	if s.audioCancel != nil {
		s.audioCancel()
		s.audioCancel = nil
	}
	if s.audioEngine != nil {
		s.audioEngine.Stop()
		s.audioEngine = nil
	}
}

// Dispatch handles one inbound control message, returning the reply (if
// any) the caller should send back. unknown_type is returned for anything
// not in the table below.
func (s *Session) Dispatch(ctx context.Context, msg protocol.ControlMessage) *protocol.ControlMessage {
	switch msg.Type {
	case protocol.TypePing:
		return &protocol.ControlMessage{Type: protocol.TypePong, Ts: msg.Ts}

	case protocol.TypeRequestThumbnail:
		frame, err := encode.CaptureThumbnail(s.mgr.deps.Capture, 60)
		if err != nil {
			slog.Error("session: thumbnail failed", "err", err)
			return nil
		}
		_ = s.transport.SendFrame(frame)
		return nil

	case protocol.TypeStartStream:
		return s.startStream(ctx, msg)

	case protocol.TypeUpdateStream:
		s.mu.Lock()
		sub := s.streamSub
		s.mu.Unlock()
		if sub != nil {
			sub.Update(msg.FPS, msg.Quality)
		}
		return nil

	case protocol.TypeStopStream:
		s.mu.Lock()
		if s.stream != nil {
			s.stream.Stop()
			s.stream = nil
			s.streamSub = nil
		}
		s.mu.Unlock()
		return nil

	case protocol.TypeRequestKeyframe:
		s.mu.Lock()
		sub := s.streamSub
		s.mu.Unlock()
		if sub != nil {
			sub.RequestKeyframe()
		}
		return nil

	case protocol.TypeStartThumbPush:
		s.startThumbPush(ctx, msg.IntervalSec)
		return nil

	case protocol.TypeStopThumbPush:
		s.mu.Lock()
		if s.thumbPush != nil {
			s.thumbPush()
			s.thumbPush = nil
		}
		s.mu.Unlock()
		return nil

	case protocol.TypeKeyEvent:
		if err := s.mgr.deps.Injector.Key(msg.Key, inject.Action(msg.Action), msg.Modifiers); err != nil {
			slog.Error("session: key injection failed", "err", err)
		}
		return nil

	case protocol.TypeMouseEvent:
		if err := s.mgr.deps.Injector.Mouse(msg.X, msg.Y, msg.Button, inject.Action(msg.Action), msg.ScrollDX, msg.ScrollDY); err != nil {
			slog.Error("session: mouse injection failed", "err", err)
		}
		return nil

	case protocol.TypeSpecialKey:
		if err := s.mgr.deps.Injector.SpecialKey(msg.Combo); err != nil {
			slog.Error("session: special key injection failed", "err", err)
		}
		return nil

	case protocol.TypeClipboard:
		_ = s.mgr.deps.Clipboard.Write(clipboard.Content{Format: msg.Format, Data: msg.Data})
		return nil

	case protocol.TypeGetClipboard:
		c, err := s.mgr.deps.Clipboard.Read()
		if err != nil {
			slog.Error("session: clipboard read failed", "err", err)
			return nil
		}
		return &protocol.ControlMessage{Type: protocol.TypeClipboard, Format: c.Format, Data: c.Data}

	case protocol.TypeFileStart:
		return s.fileStart(msg)

	case protocol.TypeFileEnd:
		return s.fileEnd()

	case protocol.TypeExecute:
		return s.execute(msg)

	case protocol.TypeUpdateRequest:
		// Self-update binary replacement is out of scope; the control
		// contract still round-trips (SPEC_FULL.md supplemented features).
		return &protocol.ControlMessage{Type: protocol.TypeUpdateStarted}

	case protocol.TypeRequestMonitors:
		return &protocol.ControlMessage{Type: protocol.TypeMonitorList, Monitors: s.mgr.deps.Capture.Monitors()}

	case protocol.TypeSelectMonitor:
		if err := s.mgr.deps.Capture.Select(msg.MonitorID); err != nil {
			slog.Error("session: select monitor failed", "err", err)
		}
		return nil

	case protocol.TypeStartAudioStream:
		s.startAudioStream(ctx)
		return nil

	case protocol.TypeStopAudioStream:
		s.mu.Lock()
		s.stopAudioLocked()
		s.mu.Unlock()
		return nil

	default:
		return &protocol.ControlMessage{Type: protocol.TypeUnknownType, Reason: msg.Type}
	}
}

// BinaryFrame handles an inbound binary frame arriving mid-transfer
// (spec.md §4.6: "binary frame during transfer ⇒ append to current sink").
func (s *Session) BinaryFrame(data []byte) *protocol.ControlMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fileRecv.InFlight() {
		return nil
	}
	received, err := s.fileRecv.WriteChunk(data)
	if err != nil {
		slog.Error("session: file chunk write failed", "err", err)
		return nil
	}
	slog.Debug("session: file progress", "received", humanize.Bytes(uint64(received)), "total", humanize.Bytes(uint64(s.fileDeclared)))
	return &protocol.ControlMessage{Type: protocol.TypeFileProgress, Received: received, Total: s.fileDeclared}
}

// startAudioStream starts this session's audio capture engine (if not
// already running) and a pump goroutine forwarding encoded frames to the
// transport, wire-framed the same way encode.Pipeline frames H.264
// ([header][seq][payload]) but with a 2-byte sequence (jitter.Buffer on the
// manager side keys frames on a uint16).
func (s *Session) startAudioStream(ctx context.Context) {
	s.mu.Lock()
	if s.audioEngine != nil {
		s.mu.Unlock()
		return
	}
	eng := audio.New()
	if err := eng.Start(); err != nil {
		slog.Error("session: start audio capture failed", "err", err)
		s.mu.Unlock()
		return
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	s.audioEngine = eng
	s.audioCancel = cancel
	s.mu.Unlock()

	go s.pumpAudio(pumpCtx, eng)
}

func (s *Session) pumpAudio(ctx context.Context, eng *audio.Engine) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-eng.Out:
			if !ok {
				return
			}
			wire := make([]byte, 1+2+len(frame.Data))
			wire[0] = protocol.FrameAudioOpus
			binary.BigEndian.PutUint16(wire[1:3], frame.Seq)
			copy(wire[3:], frame.Data)
			if err := s.transport.SendFrame(wire); err != nil {
				slog.Debug("session: send audio frame failed", "err", err)
			}
		}
	}
}

func (s *Session) startStream(ctx context.Context, msg protocol.ControlMessage) *protocol.ControlMessage {
	s.mu.Lock()
	if s.stream != nil {
		s.stream.Stop()
	}
	sub := encode.NewSubscription(msg.FPS, msg.Quality)
	pipeline, started := encode.Start(ctx, s.mgr.deps.Capture, sub, msg.Codec, msg.KeyframeInterval, s.transport.SendFrame)
	s.stream = pipeline
	s.streamSub = sub
	s.mu.Unlock()

	return &protocol.ControlMessage{
		Type: protocol.TypeStreamStarted, Codec: started.Codec, Encoder: started.Encoder,
		Width: started.Width, Height: started.Height, FPS: started.FPS, Quality: started.Quality,
	}
}

func (s *Session) startThumbPush(ctx context.Context, intervalSec float64) {
	if intervalSec < 0.2 {
		intervalSec = 0.2
	}
	if intervalSec > 5 {
		intervalSec = 5
	}

	s.mu.Lock()
	if s.thumbPush != nil {
		s.thumbPush()
	}
	taskCtx, cancel := context.WithCancel(ctx)
	s.thumbPush = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Duration(intervalSec * float64(time.Second)))
		defer ticker.Stop()
		for {
			select {
			case <-taskCtx.Done():
				return
			case <-ticker.C:
				frame, err := encode.CaptureThumbnail(s.mgr.deps.Capture, 60)
				if err != nil {
					slog.Error("session: thumbnail push failed", "err", err)
					continue
				}
				_ = s.transport.SendFrame(frame)
			}
		}
	}()
}

func (s *Session) fileStart(msg protocol.ControlMessage) *protocol.ControlMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, isUDP := s.transport.(*UDPTransport); isUDP {
		// File transfer needs a reliable byte stream; the udp-p2p carrier's
		// control lane is ack'd per-message but chunk-sized transfers over
		// it aren't wired in this build. A manager needing file transfer on
		// a udp-p2p session falls back through the connection cascade.
		return &protocol.ControlMessage{Type: protocol.TypeFileAck, Status: "error", Reason: "file transfer unsupported over udp-p2p transport"}
	}

	path, err := s.fileRecv.Start(msg.Name, msg.Size)
	if err != nil {
		return &protocol.ControlMessage{Type: protocol.TypeFileAck, Status: "error", Reason: err.Error()}
	}
	s.fileDeclared = msg.Size
	return &protocol.ControlMessage{Type: protocol.TypeFileAck, Status: "ready", Path: path}
}

func (s *Session) fileEnd() *protocol.ControlMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.fileRecv.Finish()
	if err != nil {
		return &protocol.ControlMessage{Type: protocol.TypeFileComplete, Status: "error", Reason: err.Error()}
	}
	status := "ok"
	if !res.OK {
		status = "error" // size mismatch, Open Question #3
	}
	slog.Info("session: file transfer complete", "path", res.Path, "status", status,
		"received", humanize.Bytes(uint64(res.Received)), "total", humanize.Bytes(uint64(s.fileDeclared)))
	return &protocol.ControlMessage{Type: protocol.TypeFileComplete, Path: res.Path, Status: status, Received: res.Received, Total: s.fileDeclared}
}

const executeTimeout = 30 * time.Second

// maxExecuteOutput caps the stdout/stderr bytes returned to the manager in
// an execute_result message — a runaway command shouldn't balloon the
// control channel.
const maxExecuteOutput = 64 * 1024

func (s *Session) execute(msg protocol.ControlMessage) *protocol.ControlMessage {
	ctx, cancel := context.WithTimeout(context.Background(), executeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, shellName(), shellFlag(), msg.Command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	return &protocol.ControlMessage{
		Type: protocol.TypeExecuteResult, Stdout: truncateOutput(&stdout), Stderr: truncateOutput(&stderr), ReturnCode: code,
	}
}

// truncateOutput caps buf to maxExecuteOutput, logging the original size
// (human-readable) whenever truncation actually happens.
func truncateOutput(buf *bytes.Buffer) string {
	if buf.Len() <= maxExecuteOutput {
		return buf.String()
	}
	slog.Warn("session: execute output truncated", "original_size", humanize.Bytes(uint64(buf.Len())), "limit", humanize.Bytes(maxExecuteOutput))
	return buf.String()[:maxExecuteOutput]
}
