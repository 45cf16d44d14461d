// Package encode implements the per-subscription encoder pipeline of
// spec.md §4.7: one goroutine samples the capture source at a configured
// FPS, encodes each frame, wraps it in the wire frame format, and hands it
// to the session's send function.
package encode

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"core/protocol"

	"agent/internal/capture"
)

// Backend names an H.264 encoder implementation, probed in the order
// spec.md §4.7 specifies: hardware first, software x264 last.
type Backend string

const (
	BackendNVENC   Backend = "nvenc"
	BackendQSV     Backend = "qsv"
	BackendAMF     Backend = "amf"
	BackendX264    Backend = "x264"
	BackendMJPEG   Backend = "mjpeg"
)

// h264Encoder is the interface a hardware or software H.264 backend
// implements. None are built in (they require vendor SDKs or cgo bindings
// this module does not carry); probeH264 always falls through to MJPEG,
// which is where a real deployment's build tags would plug a working
// backend in.
type h264Encoder interface {
	Name() Backend
	// EncodeFrame returns one or more NAL units for img. forceKey requests
	// an IDR frame regardless of the GOP schedule.
	EncodeFrame(img *image.RGBA, forceKey bool) (nals [][]byte, isKeyframe bool, err error)
	Close()
}

// probeH264 tries each hardware backend in order, falling back to software
// x264. A probe failure here is unconditional (no bindings are available in
// this build), so probeH264 always returns (nil, false) today — it is
// kept as a named step so a native build-tagged backend can slot in without
// changing call sites.
func probeH264(width, height, crf, gopSize int) (h264Encoder, bool) {
	for _, probe := range []func(int, int, int, int) (h264Encoder, error){
		probeNVENC, probeQSV, probeAMF, probeX264,
	} {
		enc, err := probe(width, height, crf, gopSize)
		if err == nil {
			return enc, true
		}
	}
	return nil, false
}

func probeNVENC(int, int, int, int) (h264Encoder, error) {
	return nil, fmt.Errorf("encode: nvenc unavailable in this build")
}
func probeQSV(int, int, int, int) (h264Encoder, error) {
	return nil, fmt.Errorf("encode: qsv unavailable in this build")
}
func probeAMF(int, int, int, int) (h264Encoder, error) {
	return nil, fmt.Errorf("encode: amf unavailable in this build")
}
func probeX264(int, int, int, int) (h264Encoder, error) {
	return nil, fmt.Errorf("encode: software x264 unavailable in this build")
}

// CRF derives an H.264 constant-rate-factor from a 0..100 quality value, per
// spec.md §4.7: crf = clamp(51 - (quality/100)*41, 0, 51).
func CRF(quality int) int {
	v := 51.0 - (float64(quality)/100.0)*41.0
	if v < 0 {
		v = 0
	}
	if v > 51 {
		v = 51
	}
	return int(v + 0.5)
}

// Subscription is the live, mutable state one active stream subscription
// reads at the top of every encode iteration, so update_stream and
// request_keyframe take effect within one frame (spec.md §4.7).
type Subscription struct {
	fps     atomic.Int64
	quality atomic.Int64
	keyReq  atomic.Bool
}

// NewSubscription builds a Subscription with the given initial FPS/quality.
func NewSubscription(fps, quality int) *Subscription {
	s := &Subscription{}
	s.fps.Store(int64(fps))
	s.quality.Store(int64(quality))
	return s
}

// Update live-patches FPS and/or quality. A zero value leaves the field
// unchanged, matching update_stream's optional fields.
func (s *Subscription) Update(fps, quality int) {
	if fps > 0 {
		s.fps.Store(int64(fps))
	}
	if quality > 0 {
		s.quality.Store(int64(quality))
	}
}

// RequestKeyframe sets the one-shot keyframe flag, cleared by the next
// encode iteration that observes it.
func (s *Subscription) RequestKeyframe() {
	s.keyReq.Store(true)
}

func (s *Subscription) takeKeyframeFlag() bool {
	return s.keyReq.Swap(false)
}

// Pipeline runs one encoder task for one subscription. Codec, width, and
// height are fixed for the subscription's lifetime; FPS and quality are
// read from Sub at the top of every iteration.
type Pipeline struct {
	src     capture.Source
	sub     *Subscription
	codec   string // "h264" or "mjpeg" (possibly downgraded from h264)
	backend Backend
	h264    h264Encoder
	send    func(frame []byte) error

	seq atomic.Uint32

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Started describes the outcome of starting a pipeline, mirroring
// stream_started's fields (spec.md §4.6).
type Started struct {
	Codec   string
	Encoder string
	Width   int
	Height  int
	FPS     int
	Quality int
}

// Start begins encoding from src using sub's live parameters, requesting
// codec and keyframeInterval, and calling send for every emitted wire
// frame. It returns the negotiated Started descriptor (which may report
// codec="mjpeg" even though "h264" was requested, if no H.264 backend
// initializes).
func Start(ctx context.Context, src capture.Source, sub *Subscription, codec string, keyframeInterval int, send func([]byte) error) (*Pipeline, Started) {
	width, height := src.Size()
	p := &Pipeline{src: src, sub: sub, send: send}

	started := Started{Width: width, Height: height, FPS: int(sub.fps.Load()), Quality: int(sub.quality.Load())}
	if codec == "h264" {
		crf := CRF(started.Quality)
		if enc, ok := probeH264(width, height, crf, keyframeInterval); ok {
			p.h264 = enc
			p.codec = "h264"
			p.backend = enc.Name()
			started.Codec = "h264"
			started.Encoder = string(p.backend)
		} else {
			slog.Warn("encode: no h264 backend available, falling back to mjpeg")
			p.codec = "mjpeg"
			started.Codec = "mjpeg"
			started.Encoder = string(BackendMJPEG)
		}
	} else {
		p.codec = "mjpeg"
		started.Codec = "mjpeg"
		started.Encoder = string(BackendMJPEG)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	go p.run(runCtx)
	return p, started
}

// Stop cancels the encoder's task.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pipeline) run(ctx context.Context) {
	defer func() {
		if p.h264 != nil {
			p.h264.Close()
		}
	}()

	for {
		fps := p.sub.fps.Load()
		if fps <= 0 {
			fps = 1
		}
		interval := time.Second / time.Duration(fps)

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		img, err := p.src.Frame()
		if err != nil {
			slog.Error("encode: capture frame failed", "err", err)
			continue
		}

		forceKey := p.sub.takeKeyframeFlag()
		if err := p.encodeOne(img, forceKey); err != nil {
			slog.Error("encode: frame failed", "err", err)
		}
	}
}

func (p *Pipeline) encodeOne(img *image.RGBA, forceKey bool) error {
	if p.codec == "h264" {
		nals, isKey, err := p.h264.EncodeFrame(img, forceKey)
		if err != nil {
			return err
		}
		header := protocol.FrameH264Delta
		if isKey {
			header = protocol.FrameH264Key
		}
		for _, nal := range nals {
			if err := p.send(wireFrameH264(header, p.seq.Add(1), nal)); err != nil {
				return err
			}
		}
		return nil
	}

	quality := int(p.sub.quality.Load())
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("encode: jpeg: %w", err)
	}
	return p.send(wireFrameMJPEG(buf.Bytes()))
}

// wireFrameH264 builds [header byte][seq u32 big-endian][NAL bytes], per
// spec.md §4.7.
func wireFrameH264(header byte, seq uint32, nal []byte) []byte {
	out := make([]byte, 1+4+len(nal))
	out[0] = header
	binary.BigEndian.PutUint32(out[1:5], seq)
	copy(out[5:], nal)
	return out
}

// wireFrameMJPEG builds [header 0x02][JPEG bytes], per spec.md §4.7.
func wireFrameMJPEG(jpegBytes []byte) []byte {
	out := make([]byte, 1+len(jpegBytes))
	out[0] = protocol.FrameMJPEG
	copy(out[1:], jpegBytes)
	return out
}

// CaptureThumbnail captures one frame and JPEG-encodes it at a fixed
// thumbnail quality, for request_thumbnail and the periodic thumbnail push
// task.
func CaptureThumbnail(src capture.Source, quality int) ([]byte, error) {
	img, err := src.Frame()
	if err != nil {
		return nil, err
	}
	if quality <= 0 || quality > 100 {
		quality = 60
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode: thumbnail jpeg: %w", err)
	}
	out := make([]byte, 1+buf.Len())
	out[0] = protocol.FrameThumbnail
	copy(out[1:], buf.Bytes())
	return out, nil
}
