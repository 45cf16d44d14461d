package session

import (
	"context"
	"encoding/json"
	"log/slog"

	"core/protocol"
	"core/udpchannel"
)

// UDPTransport adapts a punched core/udpchannel.Channel to Transport, for
// sessions carried over TRY_UDP_PUNCH (spec.md §4.4) instead of a direct
// WebSocket. Control messages ride the channel's reliable path; video/
// thumbnail frames ride its lossy path.
type UDPTransport struct {
	ch *udpchannel.Channel
}

// NewUDPTransport wraps ch. The caller is responsible for calling ch.Run in
// a goroutine; NewUDPTransport only adapts the send side.
func NewUDPTransport(ch *udpchannel.Channel) *UDPTransport {
	return &UDPTransport{ch: ch}
}

func (t *UDPTransport) SendControl(msg protocol.ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.ch.SendControl(context.Background(), data)
}

// SendFrame accepts the same wire-framed bytes encode.Pipeline builds for a
// direct WebSocket ([header][seq u32 BE]?[payload]) and re-splits them: the
// channel layer assigns and tracks its own sequence numbers, so the
// encoder's embedded H.264 sequence (redundant over this transport) is
// dropped rather than double-encoded.
func (t *UDPTransport) SendFrame(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}
	typ := frame[0]
	payload := frame[1:]
	if (typ == protocol.FrameH264Key || typ == protocol.FrameH264Delta) && len(payload) >= 4 {
		payload = payload[4:]
	}
	return t.ch.SendVideo(typ, payload)
}

func (t *UDPTransport) Close() {
	if err := t.ch.Close(); err != nil {
		slog.Debug("session: udp transport close", "err", err)
	}
}
