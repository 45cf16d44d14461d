package main

import (
	"context"
	"fmt"
	"os"

	"core/dirclient"

	"manager/internal/config"
	"manager/internal/dirsession"
)

// Version is the manager's release version, set via -ldflags at build time.
var Version = "dev"

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("manager %s\n", Version)
		return true
	case "login":
		return cliLogin(args[1:])
	case "agents":
		return cliAgents()
	case "connect":
		return cliConnect(args[1:])
	default:
		return false
	}
}

func cliLogin(args []string) bool {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: manager login <username> <password>")
		os.Exit(1)
	}
	cfg := config.Load()
	if cfg.DirectoryURL == "" {
		fmt.Fprintln(os.Stderr, "login: no directory_url configured (run with -api-url first)")
		os.Exit(1)
	}
	client := dirclient.New(cfg.DirectoryURL)
	sess := dirsession.New(client)
	if err := sess.Login(context.Background(), args[0], args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(1)
	}
	cfg.Username = args[0]
	// Persist the bearer token (never the password) so a later "connect"
	// or "agents" invocation, run as its own process, can re-adopt the
	// directory session instead of requiring credentials again.
	cfg.Token = client.Token()
	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not save config: %v\n", err)
	}
	fmt.Println("login ok")
	return true
}

func cliAgents() bool {
	cfg := config.Load()
	if cfg.DirectoryURL == "" {
		fmt.Fprintln(os.Stderr, "agents: no directory_url configured")
		os.Exit(1)
	}
	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "agents: not logged in (run 'manager login <username> <password>' first)")
		os.Exit(1)
	}
	client := dirclient.New(cfg.DirectoryURL)
	client.SetToken(cfg.Token)
	agents, err := client.ListAgents(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "agents: %v\n", err)
		os.Exit(1)
	}
	for _, a := range agents {
		fmt.Printf("%s\t%s\t%s\t%s:%d\n", a.AgentID, a.Hostname, a.OS, a.PrivateIP, a.WSPort)
	}
	return true
}

func cliConnect(args []string) bool {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: manager connect <agent-id>")
		os.Exit(1)
	}
	runConnect(args[0])
	return true
}
