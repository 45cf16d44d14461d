package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"core/protocol"

	"manager/internal/connmgr"
	"manager/internal/display"
)

var clientTestUpgrader = websocket.Upgrader{}

// fakeAgentServer answers the auth handshake, reports a stream as started
// with an MJPEG codec, then pushes one wire-framed JPEG video frame — just
// enough of the protocol to exercise AgentClient's onControl/onFrame wiring
// without pulling the agent module in as a test dependency.
func fakeAgentServer(t *testing.T, jpegBytes []byte) string {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := clientTestUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var hello protocol.ControlMessage
		if err := conn.ReadJSON(&hello); err != nil {
			return
		}
		if err := conn.WriteJSON(protocol.ControlMessage{Type: protocol.TypeAuthOK, AgentID: "agent-1"}); err != nil {
			return
		}
		if err := conn.WriteJSON(protocol.ControlMessage{
			Type: protocol.TypeStreamStarted, Codec: "mjpeg", Width: 4, Height: 4,
		}); err != nil {
			return
		}
		frame := append([]byte{protocol.FrameMJPEG}, jpegBytes...)
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func solidJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestAgentClientMJPEGEndToEnd(t *testing.T) {
	addr := fakeAgentServer(t, solidJPEG(t, 4, 4))

	surface := display.NewRecorder()
	target := connmgr.Target{PrivateAddr: addr, ManagerID: "mgr-1", Token: "tok"}
	client := NewAgentClient(target, surface, func() bool { return false })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go client.Run(ctx)

	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		if presented, _, _ := surface.Stats(); presented > 0 {
			img, w, h := surface.Last()
			if img == nil {
				t.Fatal("expected a presented frame, got nil image")
			}
			if w != 4 || h != 4 {
				t.Fatalf("Last() dims = %dx%d, want 4x4", w, h)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a presented frame")
}
