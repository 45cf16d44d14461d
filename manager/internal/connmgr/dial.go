package connmgr

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/gorilla/websocket"

	"core/protocol"
	"core/udpchannel"
)

// wsTransport carries control JSON + binary video frames over a gorilla
// websocket connection, used for TRY_LAN, TRY_WAN, and RELAY (spec.md
// §4.4/§4.5) — all three are, from the manager's point of view, the same
// wire protocol dialed at a different URL.
type wsTransport struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

// dialWS opens a websocket to url, sends hello as the first control
// message, and blocks for the first reply. On success, a read pump starts
// delivering subsequent control/binary messages to onControl/onFrame.
func dialWS(runCtx, dialCtx context.Context, url string, hello protocol.ControlMessage, onControl func(protocol.ControlMessage), onFrame func(byte, uint32, []byte)) (*wsTransport, protocol.ControlMessage, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, protocol.ControlMessage{}, fmt.Errorf("connmgr: dial %s: %w", url, err)
	}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, protocol.ControlMessage{}, err
	}

	var reply protocol.ControlMessage
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, protocol.ControlMessage{}, err
	}

	t := &wsTransport{conn: conn, done: make(chan struct{})}
	go t.readPump(runCtx, onControl, onFrame)
	return t, reply, nil
}

func (t *wsTransport) readPump(ctx context.Context, onControl func(protocol.ControlMessage), onFrame func(byte, uint32, []byte)) {
	defer t.signalDone()
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		switch kind {
		case websocket.TextMessage:
			var msg protocol.ControlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if onControl != nil {
				onControl(msg)
			}
		case websocket.BinaryMessage:
			if onFrame == nil || len(data) == 0 {
				continue
			}
			header := data[0]
			payload := data[1:]
			var seq uint32
			if (header == protocol.FrameH264Key || header == protocol.FrameH264Delta) && len(payload) >= 4 {
				seq = binary.BigEndian.Uint32(payload[:4])
				payload = payload[4:]
			}
			onFrame(header, seq, payload)
		}
	}
}

func (t *wsTransport) SendControl(msg protocol.ControlMessage) error {
	return t.conn.WriteJSON(msg)
}

func (t *wsTransport) SendBinary(data []byte) error {
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close() {
	_ = t.conn.Close()
	t.signalDone()
}

func (t *wsTransport) Done() <-chan struct{} { return t.done }

func (t *wsTransport) signalDone() {
	t.once.Do(func() { close(t.done) })
}

// udpTransport carries control JSON + video frames over a punched
// core/udpchannel.Channel, used for TRY_UDP_PUNCH (spec.md §4.4).
type udpTransport struct {
	ch   *udpchannel.Channel
	done chan struct{}
	once sync.Once
}

// dialUDP wraps an already-punched conn/remote pair in a Channel, sends
// hello over its reliable control path, and blocks for the first reply.
func dialUDP(ctx context.Context, conn net.PacketConn, remote net.Addr, hello protocol.ControlMessage, onControl func(protocol.ControlMessage), onFrame func(byte, uint32, []byte)) (*udpTransport, protocol.ControlMessage, error) {
	replies := make(chan protocol.ControlMessage, 1)
	first := true
	var mu sync.Mutex

	t := &udpTransport{done: make(chan struct{})}
	ch := udpchannel.New(conn, remote, udpchannel.Options{
		OnVideo: func(frameType byte, seq uint32, payload []byte) {
			if onFrame != nil {
				onFrame(frameType, seq, payload)
			}
		},
		OnControl: func(payload []byte) {
			var msg protocol.ControlMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				return
			}
			mu.Lock()
			isFirst := first
			first = false
			mu.Unlock()
			if isFirst {
				replies <- msg
				return
			}
			if onControl != nil {
				onControl(msg)
			}
		},
	})
	t.ch = ch

	runCtx, cancelRun := context.WithCancel(ctx)
	go func() {
		ch.Run(runCtx)
		t.signalDone()
	}()

	data, err := json.Marshal(hello)
	if err != nil {
		cancelRun()
		return nil, protocol.ControlMessage{}, err
	}
	if err := ch.SendControl(ctx, data); err != nil {
		cancelRun()
		return nil, protocol.ControlMessage{}, err
	}

	select {
	case reply := <-replies:
		return t, reply, nil
	case <-ctx.Done():
		cancelRun()
		return nil, protocol.ControlMessage{}, ctx.Err()
	}
}

func (t *udpTransport) SendControl(msg protocol.ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.ch.SendControl(context.Background(), data)
}

func (t *udpTransport) SendBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return t.ch.SendVideo(data[0], data[1:])
}

func (t *udpTransport) Close() {
	if err := t.ch.Close(); err != nil {
		slog.Debug("connmgr: udp transport close", "err", err)
	}
	t.signalDone()
}

func (t *udpTransport) Done() <-chan struct{} { return t.done }

func (t *udpTransport) signalDone() {
	t.once.Do(func() { close(t.done) })
}
