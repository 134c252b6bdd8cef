// Package shell implements the interactive REPL for a running node,
// generalized from the teacher's peerExecutor/serverExecutor pair into a
// single shell that fits this protocol's symmetric architecture — there is
// no separate "central server" role to shell into here.
package shell

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"

	"github.com/foldersync/node/internal/config"
	"github.com/foldersync/node/internal/node"
	"github.com/foldersync/node/internal/session"
)

// Run starts the interactive shell and blocks until the user exits.
func Run(n *node.LocalNode, cfg config.Config) {
	fmt.Println("foldersync node interactive shell. Type 'help' for commands.")
	go watchTransfers(n)
	prompt.New(
		func(in string) { executor(in, n, cfg) },
		completer,
		prompt.OptionPrefix("node> "),
		prompt.OptionTitle("foldersync node"),
	).Run()
}

// watchTransfers polls every active session for inbound transfers and spins
// up a ProgressRenderer for each one this shell hasn't already rendered, so
// an interactive user watching the prompt sees a live bar for every file
// syncing in. It never returns; Run backgrounds it for the life of the shell.
func watchTransfers(n *node.LocalNode) {
	// Keyed by tracker, not path: a later transfer to the same file gets a
	// new TransferProgress and so renders again, while a finished one that
	// its session still reports is not rendered twice.
	rendered := make(map[*session.TransferProgress]bool)

	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		for _, s := range n.Sessions() {
			for _, tp := range s.Transfers() {
				if rendered[tp] {
					continue
				}
				rendered[tp] = true
				go renderTransfer(tp)
			}
		}
	}
}

// renderTransfer drives one ProgressRenderer until tp completes or fails.
func renderTransfer(tp *session.TransferProgress) {
	renderer := session.NewProgressRenderer(tp, func(line string) { fmt.Print(line) }, session.SupportsColor())
	done := make(chan struct{})
	go func() {
		renderer.Start()
		close(done)
	}()

	for range time.Tick(100 * time.Millisecond) {
		written, total, _, _, failed := tp.Snapshot()
		if failed || written >= total {
			renderer.Stop()
			<-done
			return
		}
	}
}

func executor(in string, n *node.LocalNode, cfg config.Config) {
	fields := strings.Fields(strings.TrimSpace(in))
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "status":
		printStatus(n)
	case "peers":
		printPeers(n)
	case "config":
		if len(fields) > 1 && fields[1] == "show" {
			printConfig(cfg)
		} else {
			fmt.Println("Usage: config show")
		}
	case "watch":
		if len(fields) < 2 {
			fmt.Println("Usage: watch <path> (the watcher reacts to filesystem events automatically; this forces a rescan)")
			return
		}
		if err := n.Rescan(fields[1]); err != nil {
			fmt.Println("rescan failed:", err)
		}
	case "register":
		if len(fields) < 2 {
			fmt.Println("Usage: register <host:port>")
			return
		}
		if err := n.Connect(fields[1]); err != nil {
			fmt.Println("connect failed:", err)
			return
		}
		fmt.Println("dialing", fields[1])
	case "quit", "exit":
		fmt.Println("Shutting down...")
		os.Exit(0)
	case "help":
		printHelp()
	default:
		fmt.Println("Unknown command: " + fields[0] + " (type 'help')")
	}
}

func printStatus(n *node.LocalNode) {
	fmt.Printf("node id:     %s\n", n.ID)
	fmt.Printf("advertised:  %s\n", n.AdvertisedHostPort().String())
	fmt.Printf("sessions:    %d\n", len(n.Sessions()))
	fmt.Printf("max inbound: %t\n", n.HasReachedMaxConnections())
}

func printPeers(n *node.LocalNode) {
	sessions := n.Sessions()
	if len(sessions) == 0 {
		fmt.Println("no active sessions")
		return
	}
	for _, s := range sessions {
		state := "handshaking"
		if s.HandshakeCompleted() {
			state = "connected"
		}
		fmt.Printf("  %-22s %s\n", s.RemoteHostPort().String(), state)
	}
}

func printConfig(cfg config.Config) {
	fmt.Printf("advertisedHostPort:         %s\n", cfg.AdvertisedHostPort)
	fmt.Printf("listenAddress:              %s\n", cfg.ListenAddress)
	fmt.Printf("shareDirectory:             %s\n", cfg.ShareDirectory)
	fmt.Printf("blockSize:                  %d\n", cfg.BlockSize)
	fmt.Printf("maximumIncomingConnections: %d\n", cfg.MaximumIncomingConnections)
	fmt.Printf("syncInterval:               %s\n", cfg.SyncInterval)
	fmt.Printf("peers:                      %v\n", cfg.Peers)
}

func printHelp() {
	fmt.Println("Available commands:")
	fmt.Println("  status       - show this node's identity and session count")
	fmt.Println("  peers        - list connected sessions and their handshake state")
	fmt.Println("  config show  - print the active configuration")
	fmt.Println("  watch <path> - force a rescan of path (the watcher already reacts automatically)")
	fmt.Println("  register <host:port> - dial and add a peer immediately")
	fmt.Println("  quit         - stop the node and exit")
}

func completer(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show node status"},
		{Text: "peers", Description: "List connected sessions"},
		{Text: "config", Description: "Inspect configuration"},
		{Text: "watch", Description: "Force a rescan of a path"},
		{Text: "register", Description: "Dial and add a peer"},
		{Text: "quit", Description: "Stop the node"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}
