// Package audio decodes one agent's Opus audio stream and plays it back
// through the default output device, buffering through internal/audio/jitter
// and adapting its depth through internal/audio/adapt — the manager-side
// half of spec.md §4.6's start_audio_stream/stop_audio_stream toggle.
//
// Like agent/internal/audio, this is a trimmed single-sender descendant of
// the teacher's AudioEngine: one agent per Engine, no mixing, no AEC.
package audio

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
	"gopkg.in/hraban/opus.v2"

	"manager/internal/audio/adapt"
	"manager/internal/audio/jitter"
)

const (
	sampleRate = 48000
	channels   = 1
	// FrameSize matches agent/internal/audio.FrameSize: 20ms @ 48kHz.
	FrameSize = 960

	jitterDefaultDepth = 3 // ~60ms, per the jitter package's own doc comment
	adaptInterval      = 5 * time.Second
)

// paStream abstracts a PortAudio output stream for testing.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Write() error
}

// opusDecoder abstracts Opus decoding for testing.
type opusDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// senderID is fixed: a manager's audio.Engine plays back exactly one agent's
// stream, so the jitter buffer's per-sender keying is used with a constant
// key rather than a real multi-peer ID space.
const senderID = 0

// Engine owns playback + jitter buffering + Opus decoding for one agent's
// audio stream. Zero value is not usable; use New().
type Engine struct {
	mu      sync.Mutex
	decoder opusDecoder
	stream  paStream
	jb      *jitter.Buffer

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	lossSmoothed   float64
	jitterMsSmooth float64
	lastPush       time.Time
	received       atomic.Uint64
	lost           atomic.Uint64

	openStream func() (paStream, []float32, error)
	newDecoder func() (opusDecoder, error)
}

// New returns an Engine using real PortAudio/Opus backends.
func New() *Engine {
	e := &Engine{jb: jitter.New(jitterDefaultDepth)}
	e.openStream = e.openPortAudioStream
	e.newDecoder = e.newOpusDecoder
	return e
}

func (e *Engine) newOpusDecoder() (opusDecoder, error) {
	return opus.NewDecoder(sampleRate, channels)
}

func (e *Engine) openPortAudioStream() (paStream, []float32, error) {
	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil, nil, err
	}
	buf := make([]float32, FrameSize)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowOutputLatency,
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

// Start begins playback. Calling Start while already running is a no-op.
func (e *Engine) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}
	dec, err := e.newDecoder()
	if err != nil {
		e.running.Store(false)
		return err
	}
	stream, buf, err := e.openStream()
	if err != nil {
		e.running.Store(false)
		return err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		e.running.Store(false)
		return err
	}

	e.mu.Lock()
	e.decoder = dec
	e.stream = stream
	e.jb.Reset()
	e.mu.Unlock()
	e.stopCh = make(chan struct{})

	e.wg.Add(2)
	go func() { defer e.wg.Done(); e.playbackLoop(buf) }()
	go func() { defer e.wg.Done(); e.adaptLoop() }()
	return nil
}

// Stop halts playback and waits for its goroutines to exit.
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

// Running reports whether playback is active.
func (e *Engine) Running() bool { return e.running.Load() }

// Push feeds one received Opus frame into the jitter buffer, updating a
// smoothed inter-arrival-jitter estimate (ms) that adaptLoop uses to size
// the buffer depth — frames should arrive every 20ms; the deviation from
// that is the jitter adaptLoop is trying to absorb.
func (e *Engine) Push(seq uint16, opusData []byte) {
	if !e.running.Load() {
		return
	}
	e.received.Add(1)

	now := time.Now()
	e.mu.Lock()
	if !e.lastPush.IsZero() {
		deltaMs := now.Sub(e.lastPush).Seconds() * 1000
		deviation := deltaMs - 20.0
		if deviation < 0 {
			deviation = -deviation
		}
		e.jitterMsSmooth = adapt.SmoothLoss(e.jitterMsSmooth, deviation, 0.2)
	}
	e.lastPush = now
	e.jb.Push(senderID, seq, opusData)
	e.mu.Unlock()
}

func (e *Engine) playbackLoop(buf []float32) {
	pcm := make([]int16, FrameSize)
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		zeroFloat32(buf)

		e.mu.Lock()
		frames := e.jb.Pop()
		dec := e.decoder
		e.mu.Unlock()

		for _, f := range frames {
			var n int
			var err error
			if f.OpusData != nil {
				n, err = dec.Decode(f.OpusData, pcm)
			} else {
				e.lost.Add(1)
				n, err = dec.Decode(nil, pcm) // packet loss concealment
			}
			if err != nil {
				slog.Debug("audio: decode", "err", err)
				continue
			}
			for i := 0; i < n; i++ {
				buf[i] = clampFloat32(float32(pcm[i]) / 32768.0)
			}
		}

		if err := e.stream.Write(); err != nil {
			if e.running.Load() {
				slog.Debug("audio: playback write", "err", err)
			}
			return
		}
	}
}

// adaptLoop periodically recomputes jitter depth from the observed loss
// rate, following the same cadence the teacher's adaptBitrateLoop uses for
// its encoder-side bitrate ladder — here applied to the playback-side
// jitter buffer depth, since the manager doesn't own the Opus encoder.
func (e *Engine) adaptLoop() {
	ticker := time.NewTicker(adaptInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			received := e.received.Swap(0)
			lost := e.lost.Swap(0)
			total := received + lost
			raw := 0.0
			if total > 0 {
				raw = float64(lost) / float64(total)
			}
			e.mu.Lock()
			e.lossSmoothed = adapt.SmoothLoss(e.lossSmoothed, raw, 0.3)
			jitterMs := e.jitterMsSmooth
			depth := adapt.TargetJitterDepth(jitterMs, e.lossSmoothed)
			e.jb.SetDepth(depth)
			e.mu.Unlock()
		}
	}
}

func zeroFloat32(buf []float32) {
	for i := range buf {
		buf[i] = 0
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
