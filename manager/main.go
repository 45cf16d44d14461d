package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"core/dirclient"

	"manager/internal/config"
	"manager/internal/connmgr"
	"manager/internal/dirsession"
	"manager/internal/display"
)

func main() {
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:]) {
			return
		}
	}

	apiURL := flag.String("api-url", "", "directory service base URL to configure (empty ⇒ just print usage)")
	flag.Parse()

	cfg := config.Load()
	if *apiURL != "" {
		cfg.DirectoryURL = *apiURL
		if err := config.Save(cfg); err != nil {
			log.Fatalf("[manager] saving config: %v", err)
		}
		fmt.Printf("directory_url set to %s\n", cfg.DirectoryURL)
		return
	}

	fmt.Println("usage: manager <login|agents|connect> ...")
	fmt.Println("       manager -api-url <url>   (configure the directory service)")
}

// runConnect resolves agentID through the directory (when configured) or
// a manually-specified direct address, then drives the connection cascade
// and decode/display pipeline until interrupted.
func runConnect(agentID string) {
	cfg := config.Load()

	target := connmgr.Target{
		AgentID:     agentID,
		ManagerID:   cfg.ManagerID,
		Token:       cfg.Token, // agent's Authenticate validates this the same way dirclient.Me does
		STUNServers: cfg.STUNServers,
	}

	var sess *dirsession.Session
	if cfg.DirectoryURL != "" && cfg.Token != "" {
		client := dirclient.New(cfg.DirectoryURL)
		sess = dirsession.New(client)
		sess.Adopt(cfg.Token)
		target.RelayURL = cfg.DirectoryURL + "/ws/manager"

		if info, ok := resolveAgent(sess, agentID); ok {
			if info.PrivateIP != "" {
				target.PrivateAddr = fmt.Sprintf("%s:%d", info.PrivateIP, info.WSPort)
			}
			if info.PublicIP != "" {
				target.PublicAddr = fmt.Sprintf("%s:%d", info.PublicIP, info.WSPort)
			}
		}
	} else if addr, err := normalizeAgentAddr(agentID); err == nil {
		// No adopted directory session (either no directory_url configured,
		// or "manager login" hasn't been run): treat the argument as a
		// direct address instead of a directory-resolvable agent id.
		if cfg.DirectoryURL != "" {
			log.Println("[manager] not logged in; falling back to direct addressing (run 'manager login' to use the directory)")
		}
		target.PrivateAddr = addr
	}

	surface := display.NewRecorder()
	loginOK := func() bool { return sess != nil && sess.LoggedIn() }
	client := NewAgentClient(target, surface, loginOK)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[manager] shutting down...")
		cancel()
	}()

	if sess != nil {
		go sess.Run(ctx)
	}
	go client.Run(ctx)

	// Give the cascade a moment to land before issuing the default
	// stream request; a manager with a real UI would instead wait for
	// the first connection_mode_changed event.
	time.Sleep(500 * time.Millisecond)
	if err := client.StartStream(30, 70, "h264", 60); err != nil {
		log.Printf("[manager] start_stream: %v", err)
	}
	if cfg.AudioEnabled {
		if err := client.StartAudioStream(); err != nil {
			log.Printf("[manager] start_audio_stream: %v", err)
		}
	}

	<-ctx.Done()
	if cfg.AudioEnabled {
		client.StopAudioStream()
	}
}

func resolveAgent(sess *dirsession.Session, agentID string) (dirclient.AgentInfo, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Refresh(ctx); err != nil {
		log.Printf("[manager] directory refresh: %v", err)
	}
	return sess.Agent(agentID)
}
