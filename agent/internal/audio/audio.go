// Package audio captures one mono PCM stream from the default input device,
// runs it through a noise gate, VAD, and AGC, and encodes it to Opus for the
// manager's playback pipeline (manager/internal/audio) — spec.md §4.6's
// start_audio_stream/stop_audio_stream toggle, a supplemental feature the
// teacher's own client.go audio engine is grounded on (minus the chat-app
// concerns that don't apply to a one-directional monitoring stream: no AEC,
// no multi-sender mixing, no push-to-talk).
package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"gopkg.in/hraban/opus.v2"

	"agent/internal/audio/agc"
	"agent/internal/audio/noisegate"
	"agent/internal/audio/vad"
)

const (
	sampleRate = 48000
	channels   = 1
	// FrameSize is 20ms @ 48kHz, the Opus frame size this engine always uses.
	FrameSize          = 960
	opusBitrate        = 32000
	opusMaxPacketBytes = 1275 // RFC 6716 max Opus packet size
	outChannelBuf      = 30   // ~600ms @ 50fps; drops if the transport falls behind
)

// paStream abstracts a PortAudio input stream for testing.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
}

// opusEncoder abstracts Opus encoding for testing.
type opusEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
	SetBitrate(bitrate int) error
}

// Frame is one encoded frame ready to send over the wire, tagged with the
// engine's own monotonically increasing sequence number (manager/internal/audio's
// jitter buffer keys frames on this).
type Frame struct {
	Seq  uint16
	Data []byte
}

// Engine owns capture + the gate/VAD/AGC chain + Opus encoding. Zero value is
// not usable; use New().
type Engine struct {
	mu      sync.Mutex
	encoder opusEncoder
	stream  paStream
	gate    *noisegate.Gate
	vadProc *vad.VAD
	agcProc *agc.AGC

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	seq     atomic.Uint32

	// Out carries encoded frames ready to send; the caller (session.Session)
	// drains it into the transport.
	Out chan Frame

	// openStream is swappable in tests to avoid a real PortAudio device.
	openStream func() (paStream, []float32, error)
	newEncoder func() (opusEncoder, error)
}

// New returns an Engine using real PortAudio/Opus backends.
func New() *Engine {
	e := &Engine{
		gate:    noisegate.New(),
		vadProc: vad.New(),
		agcProc: agc.New(),
		Out:     make(chan Frame, outChannelBuf),
	}
	e.openStream = e.openPortAudioStream
	e.newEncoder = e.newOpusEncoder
	return e
}

func (e *Engine) newOpusEncoder() (opusEncoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	if err := enc.SetBitrate(opusBitrate); err != nil {
		return nil, err
	}
	return enc, nil
}

func (e *Engine) openPortAudioStream() (paStream, []float32, error) {
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, nil, err
	}
	buf := make([]float32, FrameSize)
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: FrameSize,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, nil, err
	}
	return stream, buf, nil
}

// Start begins capture; frames flow to Out until Stop is called. Calling
// Start while already running is a no-op.
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}
	enc, err := e.newEncoder()
	if err != nil {
		e.running.Store(false)
		return fmt.Errorf("audio: new encoder: %w", err)
	}
	stream, buf, err := e.openStream()
	if err != nil {
		e.running.Store(false)
		return fmt.Errorf("audio: open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		e.running.Store(false)
		return fmt.Errorf("audio: start capture stream: %w", err)
	}

	e.mu.Lock()
	e.encoder = enc
	e.stream = stream
	e.mu.Unlock()
	e.stopCh = make(chan struct{})

	e.wg.Add(1)
	go func() { defer e.wg.Done(); e.captureLoop(buf) }()
	return nil
}

// Stop halts capture and waits for the capture goroutine to exit.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.stopCh)
	e.mu.Lock()
	if e.stream != nil {
		_ = e.stream.Stop()
	}
	e.mu.Unlock()
	e.wg.Wait()
	e.mu.Lock()
	if e.stream != nil {
		_ = e.stream.Close()
		e.stream = nil
	}
	e.mu.Unlock()
}

// Running reports whether capture is active.
func (e *Engine) Running() bool { return e.running.Load() }

func (e *Engine) captureLoop(buf []float32) {
	pcm := make([]int16, FrameSize)
	opusBuf := make([]byte, opusMaxPacketBytes)

	for e.running.Load() {
		if err := e.stream.Read(); err != nil {
			if e.running.Load() {
				slog.Debug("audio: capture read", "err", err)
			}
			return
		}

		// Noise gate first (cleans the signal before VAD decides whether
		// to transmit), then VAD, then AGC — same ordering as the chat
		// engine this is grounded on, minus its AEC/PTT/mixing stages
		// that don't apply to a one-directional capture feed.
		e.gate.Process(buf)
		if !e.vadProc.ShouldSend(vad.RMS(buf)) {
			continue
		}
		e.agcProc.Process(buf)

		for i, s := range buf {
			pcm[i] = int16(clampFloat32(s) * 32767)
		}

		n, err := e.encoder.Encode(pcm, opusBuf)
		if err != nil {
			slog.Debug("audio: encode", "err", err)
			continue
		}
		data := make([]byte, n)
		copy(data, opusBuf[:n])

		frame := Frame{Seq: uint16(e.seq.Add(1)), Data: data}
		select {
		case e.Out <- frame:
		default:
			slog.Debug("audio: dropped capture frame, consumer too slow")
		}
	}
}

func clampFloat32(v float32) float32 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}
