// Package wslisten serves the agent's direct WebSocket listener — the
// transport TRY_LAN and TRY_WAN connect to (spec.md §4.4). It upgrades one
// HTTP route on an echo router and hands each connection's lifecycle to
// session.Manager, following the teacher's own echo+gorilla websocket
// handler shape (server/internal/ws/handler.go) adapted from a chat-room
// hello/broadcast loop to the agent's auth/control-message loop.
package wslisten

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"core/protocol"

	"agent/internal/session"
)

const (
	writeTimeout  = 5 * time.Second
	maxMessage    = 50 << 20 // 50 MiB, per spec.md §7 file-transfer framing
	pingInterval  = 20 * time.Second
	pongWait      = 20 * time.Second
)

// Handler upgrades /ws connections and drives them through a session.Manager.
type Handler struct {
	mgr      *session.Manager
	upgrader websocket.Upgrader
}

// NewHandler builds a listener bound to mgr.
func NewHandler(mgr *session.Manager) *Handler {
	return &Handler{
		mgr: mgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Register binds the websocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.handleWebSocket)
}

func (h *Handler) handleWebSocket(c echo.Context) error {
	remote := c.RealIP()
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("wslisten: upgrade: %w", err)
	}
	h.serveConn(conn, remote)
	return nil
}

// connTransport adapts one gorilla connection to session.Transport, with
// serialized writes (a single websocket.Conn must not be written from two
// goroutines concurrently).
type connTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *connTransport) SendControl(msg protocol.ControlMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteJSON(msg)
}

func (t *connTransport) SendFrame(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (t *connTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.Close()
}

func (h *Handler) serveConn(conn *websocket.Conn, remote string) {
	defer conn.Close()
	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var hello protocol.ControlMessage
	if err := conn.ReadJSON(&hello); err != nil {
		slog.Debug("wslisten: read hello failed", "remote", remote, "err", err)
		return
	}
	if hello.Type != protocol.TypeAuth && hello.Type != protocol.TypeAgentHello {
		slog.Debug("wslisten: bad first message", "remote", remote, "type", hello.Type)
		return
	}

	transport := &connTransport{conn: conn}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, reply, err := h.mgr.Authenticate(ctx, hello.ManagerID, hello.Token, transport)
	if err != nil {
		slog.Info("wslisten: auth failed", "remote", remote, "manager_id", hello.ManagerID, "err", err)
		_ = transport.SendControl(reply)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4001, "auth failed"), time.Now().Add(writeTimeout))
		return
	}
	defer sess.Close()

	if err := transport.SendControl(reply); err != nil {
		return
	}
	slog.Info("wslisten: session started", "remote", remote, "manager_id", hello.ManagerID)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				transport.mu.Lock()
				err := transport.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
				transport.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("wslisten: unexpected close", "manager_id", hello.ManagerID, "err", err)
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			var in protocol.ControlMessage
			if err := json.Unmarshal(data, &in); err != nil {
				slog.Debug("wslisten: bad json", "manager_id", hello.ManagerID, "err", err)
				continue
			}
			if resp := sess.Dispatch(ctx, in); resp != nil {
				_ = transport.SendControl(*resp)
			}
		case websocket.BinaryMessage:
			if resp := sess.BinaryFrame(data); resp != nil {
				_ = transport.SendControl(*resp)
			}
		}
	}
}
