package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/tracksync/internal/cli/receiver"
	"github.com/sheerbytes/tracksync/internal/cli/sender"
	"github.com/sheerbytes/tracksync/internal/termio"
)

const version = "v0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	termio.Init()
	defer termio.Flush()
	stderr := termio.Stderr()

	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}
	if hasVersionFlag(args[:1]) {
		fmt.Fprintln(termio.Stdout(), "tracksync", version)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The interactive view needs the real terminal on stdout.
	switch args[0] {
	case "send":
		return sender.Run(ctx, args[1:], os.Stdout, stderr)
	case "receive", "recv":
		return receiver.Run(ctx, args[1:], os.Stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stderr)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: tracksync <command> [args]")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  send     offer audio files to a peer")
	fmt.Fprintln(w, "  receive  accept a peer's files into the shared library")
	fmt.Fprintln(w, "quick examples:")
	fmt.Fprintln(w, "  tracksync send --peer bob ~/Music/album")
	fmt.Fprintln(w, "  tracksync receive --peer alice --shared-dir ./SharedMusic")
	fmt.Fprintln(w, "  tracksync send --transport quic --listen --stun-server stun.l.google.com:19302 song.mp3")
	fmt.Fprintln(w, "to learn detailed usage:")
	fmt.Fprintln(w, "  tracksync send --help")
	fmt.Fprintln(w, "  tracksync receive --help")
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" || arg == "version" {
			return true
		}
	}
	return false
}
