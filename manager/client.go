package main

import (
	"context"
	"encoding/binary"
	"log"
	"sync"

	"core/protocol"

	"manager/internal/audio"
	"manager/internal/connmgr"
	"manager/internal/decode"
	"manager/internal/display"
)

// AgentClient drives one connmgr.Manager plus the decode/display pipeline
// for a single agent connection — the manager-side equivalent of the
// agent's per-manager session.Session.
type AgentClient struct {
	cm      *connmgr.Manager
	surface display.Surface

	mu    sync.Mutex
	h264  *decode.H264Pipeline
	mjpeg *decode.MJPEGPipeline
	audio *audio.Engine
}

// NewAgentClient builds a client for target, printing connection-mode
// transitions and feeding decoded frames to surface.
func NewAgentClient(target connmgr.Target, surface display.Surface, loginOK func() bool) *AgentClient {
	c := &AgentClient{surface: surface}
	c.cm = connmgr.New(target, loginOK, c.onModeChanged, c.onControl, c.onFrame)
	return c
}

// Run drives the underlying connmgr.Manager until ctx is cancelled.
func (c *AgentClient) Run(ctx context.Context) {
	c.cm.Run(ctx)
}

// StartStream requests the agent begin streaming at the given parameters.
func (c *AgentClient) StartStream(fps, quality int, codec string, keyframeInterval int) error {
	return c.cm.SendControl(protocol.ControlMessage{
		Type: protocol.TypeStartStream, FPS: fps, Quality: quality,
		Codec: codec, KeyframeInterval: keyframeInterval,
	})
}

// KeyEvent forwards a keypress to the agent's input injector.
func (c *AgentClient) KeyEvent(key, action string, modifiers []string) error {
	return c.cm.SendControl(protocol.ControlMessage{Type: protocol.TypeKeyEvent, Key: key, Action: action, Modifiers: modifiers})
}

// MouseEvent forwards a mouse action to the agent's input injector.
func (c *AgentClient) MouseEvent(x, y int, button, action string, scrollDX, scrollDY int) error {
	return c.cm.SendControl(protocol.ControlMessage{
		Type: protocol.TypeMouseEvent, X: x, Y: y, Button: button, Action: action,
		ScrollDX: scrollDX, ScrollDY: scrollDY,
	})
}

// StartAudioStream requests the agent begin capturing audio and starts the
// local playback engine to receive it.
func (c *AgentClient) StartAudioStream() error {
	c.mu.Lock()
	if c.audio == nil {
		c.audio = audio.New()
	}
	eng := c.audio
	c.mu.Unlock()
	if err := eng.Start(); err != nil {
		return err
	}
	return c.cm.SendControl(protocol.ControlMessage{Type: protocol.TypeStartAudioStream})
}

// StopAudioStream requests the agent stop capturing audio and stops local
// playback.
func (c *AgentClient) StopAudioStream() error {
	c.mu.Lock()
	eng := c.audio
	c.mu.Unlock()
	if eng != nil {
		eng.Stop()
	}
	return c.cm.SendControl(protocol.ControlMessage{Type: protocol.TypeStopAudioStream})
}

func (c *AgentClient) onModeChanged(mode protocol.ConnectionMode) {
	log.Printf("[client] connection mode: %s", mode)
}

func (c *AgentClient) onControl(msg protocol.ControlMessage) {
	switch msg.Type {
	case protocol.TypeStreamStarted:
		c.mu.Lock()
		if msg.Codec == "h264" {
			c.h264 = decode.NewH264Pipeline(msg.Width, msg.Height, func() {
				_ = c.cm.SendControl(protocol.ControlMessage{Type: protocol.TypeRequestKeyframe})
			})
			c.mjpeg = nil
		} else {
			c.mjpeg = decode.NewMJPEGPipeline(msg.Width, msg.Height)
			c.h264 = nil
		}
		c.mu.Unlock()
		c.surface.Resize(msg.Width, msg.Height)
	case protocol.TypeError, protocol.TypeUnknownType:
		log.Printf("[client] agent reported %s: %s", msg.Type, msg.Reason)
	}
}

func (c *AgentClient) onFrame(frameType byte, seq uint32, payload []byte) {
	c.mu.Lock()
	h264, mjpeg := c.h264, c.mjpeg
	c.mu.Unlock()

	switch frameType {
	case protocol.FrameH264Key, protocol.FrameH264Delta:
		if h264 == nil {
			return
		}
		frame, ok := h264.Feed(frameType, seq, payload)
		if ok {
			c.surface.Present(frame.Image, frame.Width, frame.Height)
		}
	case protocol.FrameMJPEG, protocol.FrameThumbnail:
		if mjpeg == nil {
			return
		}
		frame, err := mjpeg.Feed(payload)
		if err == nil {
			c.surface.Present(frame.Image, frame.Width, frame.Height)
		}
	case protocol.FrameAudioOpus:
		if len(payload) < 2 {
			return
		}
		audioSeq := binary.BigEndian.Uint16(payload[:2])
		c.mu.Lock()
		eng := c.audio
		c.mu.Unlock()
		if eng != nil {
			eng.Push(audioSeq, payload[2:])
		}
	}
}
