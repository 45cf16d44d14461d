// Package decode implements the manager-side decoder pipeline of spec.md
// §4.8: an H.264 pipeline with gap detection and keyframe-wait recovery,
// and a self-contained MJPEG passthrough. Both produce an RGB image plus
// (width, height) for the display surface.
package decode

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"

	"core/protocol"
)

// resetThreshold and restartThreshold are the consecutive-error counts at
// which the decoder context is reset, and at which it is reset *and*
// restarted from first principles (spec.md §4.8 step 3).
const (
	resetThreshold   = 3
	restartThreshold = 5
)

// h264Decoder is the interface a hardware or software H.264 decoder
// backend implements. As with agent/internal/encode's h264Encoder, no
// backend is built in here (vendor SDKs/cgo bindings are out of scope for
// this build); probeH264Decoder always fails, which is where a real
// deployment's build-tagged backend would slot in.
type h264Decoder interface {
	// DecodeNAL decodes one NAL unit. ok is false if the unit produced no
	// displayable frame (e.g. a non-VCL NAL).
	DecodeNAL(nal []byte) (img *image.RGBA, ok bool, err error)
	Close()
}

// probeH264Decoder is a var (not a plain func) so tests can substitute a
// fake backend without a build-tagged implementation to link against.
var probeH264Decoder = func(width, height int) (h264Decoder, error) {
	return nil, fmt.Errorf("decode: no h264 decoder backend available in this build")
}

// Frame is one decoded image ready for the display surface.
type Frame struct {
	Image  *image.RGBA
	Width  int
	Height int
}

// RequestKeyframeFunc asks the remote encoder for a fresh IDR frame
// (wired to send a request_keyframe control message upstream).
type RequestKeyframeFunc func()

// H264Pipeline implements spec.md §4.8's gap-detection/recovery state
// machine. It is not safe for concurrent use; callers feed it frames from
// a single decode goroutine, matching how its agent-side counterpart
// agent/internal/encode.Pipeline runs one loop per subscription.
type H264Pipeline struct {
	width, height int
	requestKey    RequestKeyframeFunc

	dec h264Decoder

	lastSeq            uint32
	haveLastSeq        bool
	waitingForKeyframe bool
	consecutiveErrors  int
}

// NewH264Pipeline builds a pipeline sized for width x height. The decoder
// backend is probed lazily on first use so a pipeline can be constructed
// before the stream's actual resolution is known from stream_started.
func NewH264Pipeline(width, height int, requestKey RequestKeyframeFunc) *H264Pipeline {
	return &H264Pipeline{width: width, height: height, requestKey: requestKey, waitingForKeyframe: true}
}

// Feed decodes one NAL unit arriving with sequence seq, wrapped in a
// header byte that distinguishes keyframe from delta (protocol.FrameH264Key
// / protocol.FrameH264Delta). It returns a Frame when a new image is ready.
func (p *H264Pipeline) Feed(header byte, seq uint32, nal []byte) (Frame, bool) {
	isKeyframe := header == protocol.FrameH264Key

	if p.haveLastSeq && seq != p.lastSeq+1 {
		slog.Debug("decode: sequence gap", "expected", p.lastSeq+1, "got", seq)
		if !isKeyframe {
			p.enterWaitingForKeyframe()
		}
	}
	p.lastSeq = seq
	p.haveLastSeq = true

	if p.waitingForKeyframe {
		if !isKeyframe {
			return Frame{}, false
		}
		p.recreateDecoder()
	}

	if p.dec == nil {
		if dec, err := probeH264Decoder(p.width, p.height); err == nil {
			p.dec = dec
		} else {
			// No backend available in this build: count it the same as a
			// decode error so the recovery thresholds still apply, rather
			// than spinning forever on every frame.
			p.recordError()
			return Frame{}, false
		}
	}

	img, ok, err := p.dec.DecodeNAL(nal)
	if err != nil {
		p.recordError()
		return Frame{}, false
	}
	if !ok {
		return Frame{}, false
	}

	// A successful decode is the only thing that clears both the waiting
	// flag and the error streak: an intervening keyframe that itself fails
	// to decode must keep counting toward the restart threshold.
	p.waitingForKeyframe = false
	p.consecutiveErrors = 0
	return Frame{Image: img, Width: p.width, Height: p.height}, true
}

func (p *H264Pipeline) enterWaitingForKeyframe() {
	if p.waitingForKeyframe {
		return
	}
	p.waitingForKeyframe = true
	if p.requestKey != nil {
		p.requestKey()
	}
}

func (p *H264Pipeline) recordError() {
	p.consecutiveErrors++
	switch {
	case p.consecutiveErrors >= restartThreshold:
		slog.Info("decode: too many consecutive errors, restarting decoder", "count", p.consecutiveErrors)
		p.recreateDecoder()
		p.consecutiveErrors = 0
		p.haveLastSeq = false
		p.enterWaitingForKeyframe()
	case p.consecutiveErrors >= resetThreshold:
		slog.Info("decode: resetting decoder context", "count", p.consecutiveErrors)
		p.recreateDecoder()
		p.enterWaitingForKeyframe()
	}
}

func (p *H264Pipeline) recreateDecoder() {
	if p.dec != nil {
		p.dec.Close()
		p.dec = nil
	}
}

// Close releases the decoder backend, if any.
func (p *H264Pipeline) Close() {
	p.recreateDecoder()
}

// MJPEGPipeline is the self-contained passthrough of spec.md §4.8: every
// frame decodes independently, with no sequence/gap state at all.
type MJPEGPipeline struct {
	width, height int
}

// NewMJPEGPipeline builds a passthrough pipeline sized for width x height.
func NewMJPEGPipeline(width, height int) *MJPEGPipeline {
	return &MJPEGPipeline{width: width, height: height}
}

// Feed decodes one self-contained JPEG frame.
func (p *MJPEGPipeline) Feed(data []byte) (Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("decode: mjpeg: %w", err)
	}
	rgba, ok := img.(*image.RGBA)
	if !ok {
		b := img.Bounds()
		rgba = image.NewRGBA(b)
		draw(rgba, b, img)
	}
	return Frame{Image: rgba, Width: p.width, Height: p.height}, nil
}

// draw copies src into dst, used only when the decoded JPEG isn't already
// an *image.RGBA (image/jpeg typically returns *image.YCbCr).
func draw(dst *image.RGBA, b image.Rectangle, src image.Image) {
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(x, y, src.At(x, y))
		}
	}
}
