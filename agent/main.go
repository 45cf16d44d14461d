package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"

	"core/dirclient"
	"core/relay"
	"core/stun"

	"agent/internal/capture"
	"agent/internal/clipboard"
	"agent/internal/config"
	"agent/internal/inject"
	"agent/internal/session"
	"agent/internal/store"
	"agent/internal/wslisten"
)

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:], "agent.db") {
			return
		}
	}

	apiURL := flag.String("api-url", "", "directory service base URL (empty ⇒ dev mode, no auth)")
	wsPort := flag.Int("ws-port", 0, "direct WebSocket listen port (0 uses the saved config)")
	dbPath := flag.String("db", "agent.db", "SQLite audit database path")
	saveDir := flag.String("save-dir", "", "file-transfer destination directory (empty uses the saved config)")
	width := flag.Int("capture-width", 1920, "synthetic capture width")
	height := flag.Int("capture-height", 1080, "synthetic capture height")
	flag.Parse()

	cfg := config.Load()
	if *apiURL != "" {
		cfg.DirectoryURL = *apiURL
	}
	if *wsPort != 0 {
		cfg.WSPort = *wsPort
	}
	if *saveDir != "" {
		cfg.SaveDir = *saveDir
	}
	if cfg.AgentID == "" {
		cfg.AgentID = generateAgentID()
	}
	if err := config.Save(cfg); err != nil {
		log.Printf("[config] save: %v", err)
	}

	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()

	deps := session.Deps{
		Capture:   capture.NewSynthetic(*width, *height),
		Injector:  inject.NewRecorder(nil),
		Clipboard: clipboard.NewLocal(),
		SaveDir:   cfg.SaveDir,
	}

	var dir *dirclient.Client
	if cfg.DirectoryURL != "" {
		dir = dirclient.New(cfg.DirectoryURL)
	}

	mgr := session.NewManager(session.Info{
		AgentID:  cfg.AgentID,
		Hostname: hostname(),
		OSInfo:   runtime.GOOS,
	}, deps, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[agent] shutting down...")
		cancel()
	}()

	if dir != nil {
		w, h := deps.Capture.Size()
		go runDirectorySession(ctx, dir, cfg, dirclient.AgentInfo{
			AgentID:  cfg.AgentID,
			OS:       runtime.GOOS,
			Hostname: hostname(),
			Width:    w,
			Height:   h,
			Version:  Version,
			WSPort:   cfg.WSPort,
		})
		go runRelaySession(ctx, cfg, mgr, st)
	}

	e := echo.New()
	e.HideBanner = true
	wslisten.NewHandler(mgr).Register(e)

	addr := fmt.Sprintf(":%d", cfg.WSPort)
	log.Printf("[agent] listening on %s (directory=%q)", addr, cfg.DirectoryURL)
	go func() {
		if err := e.Start(addr); err != nil {
			log.Printf("[agent] listener stopped: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = e.Shutdown(shutdownCtx)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return h
}

func generateAgentID() string {
	h := hostname()
	return fmt.Sprintf("%s-%d", h, time.Now().UnixNano())
}

// runDirectorySession keeps the agent registered with the directory:
// STUN-discover the public endpoint, register once, then heartbeat
// periodically until shutdown, reporting offline on the way out (spec.md §6).
func runDirectorySession(ctx context.Context, dir *dirclient.Client, cfg config.Config, info dirclient.AgentInfo) {
	if conn, err := net.ListenPacket("udp4", ":0"); err == nil {
		if ep, err := stun.Discover(conn, cfg.STUNServers); err == nil {
			info.PublicIP = ep.IP.String()
		}
		conn.Close()
	}
	info.PrivateIP = localPrivateIP()

	if err := dir.Register(ctx, info); err != nil {
		log.Printf("[directory] register: %v", err)
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		if err := dir.Heartbeat(ctx, cfg.AgentID); err != nil {
			log.Printf("[directory] heartbeat: %v", err)
		}
		select {
		case <-ctx.Done():
			_ = dir.Offline(context.Background(), cfg.AgentID)
			return
		case <-ticker.C:
		}
	}
}

// localPrivateIP returns the first non-loopback IPv4 address bound to this
// host, used as the LAN endpoint the manager's TRY_LAN probe dials.
func localPrivateIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}

// runRelaySession maintains the agent's relay WebSocket (spec.md §4.5),
// routing incoming control/binary frames through the same session.Manager
// the direct listener uses, so a manager reaching the agent via relay gets
// identical behavior to one connecting directly.
func runRelaySession(ctx context.Context, cfg config.Config, mgr *session.Manager, st *store.Store) {
	relayURL := cfg.DirectoryURL + "/ws/agent"
	adapter := newRelayTransportAdapter(mgr, st, cfg.STUNServers)
	sess := relay.NewAgentSession(relayURL, cfg.AgentID, adapter.onMessage)
	adapter.session = sess
	sess.Run(ctx)
}
