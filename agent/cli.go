package main

import (
	"fmt"
	"os"

	"agent/internal/store"
)

// Version is the agent's release version, set via -ldflags at build time.
var Version = "dev"

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("agent %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "install":
		return cliInstall()
	case "uninstall":
		return cliUninstall()
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	events, err := st.RecentSessionEvents(5)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Recent session events: %d\n", len(events))
	for _, e := range events {
		fmt.Printf("  [%s] %s %s\n", e.ManagerID, e.Event, e.Detail)
	}
	return true
}

// cliInstall and cliUninstall register/deregister the agent as a platform
// service (Windows service / systemd unit / launchd agent). Packaging is
// out of scope per spec.md §1's "installer/updater" exclusion; these
// subcommands exist so the CLI contract is complete, and report that
// explicitly rather than silently doing nothing.
func cliInstall() bool {
	fmt.Println("install: service registration is not implemented in this build")
	return true
}

func cliUninstall() bool {
	fmt.Println("uninstall: service registration is not implemented in this build")
	return true
}
