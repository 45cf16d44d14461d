// Package relay implements the persistent outbound WebSocket the agent uses
// to reach the directory's relay endpoint for signaling and data fallback
// (spec.md §4.5, §6). The manager does not use this package; it dials the
// relay through manager/internal/connmgr's own WebSocket transport.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"core/protocol"
)

const (
	pingInterval    = 20 * time.Second
	pongWait        = 20 * time.Second
	reconnectDelay  = 30 * time.Second
	handshakeWait   = 5 * time.Second
)

// Session is a maintained WebSocket connection to the directory's relay
// endpoint. The caller drives Run in a goroutine and receives delivered
// messages through the onMessage callback given to NewAgentSession; sends
// are serialized internally.
type Session struct {
	url       string
	agentID   string // set when dialing as the agent side ("agent_hello")
	onMessage func(ControlOrBinary)

	mu   sync.Mutex
	conn *websocket.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

// ControlOrBinary is one frame received from the relay: either a decoded
// JSON control message (Text) or an opaque binary payload (file chunks,
// agent input fallback).
type ControlOrBinary struct {
	Text   *protocol.ControlMessage
	Binary []byte
}

// NewAgentSession builds an agent-side session for wsURL; it does not dial.
// Run dials wsURL exactly as given (no token query parameter is added) and
// performs the agent_hello/relay_ok handshake (spec.md §4.5, SPEC_FULL.md Open
// Question #2: agent_hello is the sole accepted first frame on this path).
func NewAgentSession(wsURL, agentID string, onMessage func(ControlOrBinary)) *Session {
	return &Session{url: wsURL, agentID: agentID, onMessage: onMessage, closed: make(chan struct{})}
}

// Run dials, performs the handshake, and serves the connection until ctx is
// cancelled or the process is shutting down. On a recoverable failure it
// waits reconnectDelay and retries, per spec.md §4.5's close-reason table.
func (s *Session) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		default:
		}

		if err := s.runOnce(ctx); err != nil {
			slog.Warn("relay: session ended, will reconnect", "err", err, "delay", reconnectDelay)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *Session) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeWait)
	defer cancel()

	u, err := url.Parse(s.url)
	if err != nil {
		return fmt.Errorf("relay: bad url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("relay: dial: %w", err)
	}
	defer conn.Close()

	hello := protocol.ControlMessage{Type: protocol.TypeAgentHello, AgentID: s.agentID}
	if err := conn.WriteJSON(hello); err != nil {
		return fmt.Errorf("relay: write hello: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	var reply protocol.ControlMessage
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("relay: read hello reply: %w", err)
	}
	if reply.Type != protocol.TypeRelayOK {
		return fmt.Errorf("relay: unexpected hello reply %q", reply.Type)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))

	done := make(chan struct{})
	go s.pingLoop(conn, done)
	defer close(done)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("relay: read: %w", err)
		}
		switch msgType {
		case websocket.TextMessage:
			var cm protocol.ControlMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				continue // protocol violation: drop, don't close (spec.md §7)
			}
			if s.onMessage != nil {
				s.onMessage(ControlOrBinary{Text: &cm})
			}
		case websocket.BinaryMessage:
			if s.onMessage != nil {
				s.onMessage(ControlOrBinary{Binary: data})
			}
		}
	}
}

func (s *Session) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pongWait))
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// SendControl JSON-marshals and sends msg as a text frame. Sends are
// serialized per connection (spec.md §5).
func (s *Session) SendControl(msg protocol.ControlMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("relay: not connected")
	}
	return s.conn.WriteJSON(msg)
}

// SendBinary sends an opaque binary frame (e.g. a file chunk routed via
// relay fallback).
func (s *Session) SendBinary(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("relay: not connected")
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close stops Run and tears down the current connection, with no
// reconnect (process-shutdown close reason, spec.md §4.5).
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	})
}
