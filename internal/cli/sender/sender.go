// Package sender implements the "tracksync send" subcommand: offer a set of
// audio files to one peer and stream whatever it is missing.
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sheerbytes/tracksync/internal/cli"
	"github.com/sheerbytes/tracksync/internal/config"
	"github.com/sheerbytes/tracksync/internal/controller"
	"github.com/sheerbytes/tracksync/pkg/manifest"
)

// Run parses args and runs one send session. It returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if hasHelpFlag(args) {
		printSenderUsage(stderr)
		return 0
	}

	cfg := config.ParseClientConfig("send", args)
	if cfg.Target == "" {
		if cfg.Transport != "quic" || !cfg.Listen {
			fmt.Fprintln(stderr, "missing --peer")
			printSenderUsage(stderr)
			return 2
		}
		cfg.Target = "peer"
	}
	if len(cfg.Paths) == 0 {
		fmt.Fprintln(stderr, "no paths to offer")
		printSenderUsage(stderr)
		return 2
	}

	files, err := manifest.ExpandPaths(cfg.Paths, cfg.Extension)
	if err != nil {
		fmt.Fprintln(stderr, err)
		if len(files) == 0 {
			return 1
		}
	}
	if len(files) == 0 {
		fmt.Fprintf(stderr, "no %s files found\n", cfg.Extension)
		return 1
	}

	interactive := cli.Interactive(cfg, stdout)
	logger, closeLog, err := cli.NewLogger("tracksync", cfg, interactive, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer closeLog()

	if !interactive {
		printShareSummary(stdout, cfg.Target, files)
	}

	err = cli.Execute(ctx, cfg, cli.Env{Stdout: stdout, Logger: logger}, files, func(ctx context.Context, c *controller.Controller) error {
		return c.StartSending(ctx, cfg.Target, files)
	})
	return exitCode(err, stderr)
}

func exitCode(err error, stderr io.Writer) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, controller.ErrCancelled):
		return 130
	default:
		fmt.Fprintf(stderr, "send failed: %v\n", err)
		return 1
	}
}

func printShareSummary(w io.Writer, peer string, files []string) {
	fmt.Fprintf(w, "offering %d file(s) to %s\n", len(files), peer)
	for _, f := range files {
		fmt.Fprintf(w, "  - %s\n", f)
	}
}

func printSenderUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: tracksync send --peer ID [flags] <paths...>")
	fmt.Fprintln(w, "  --peer ID              receiving peer (relay) or host (quic)")
	fmt.Fprintln(w, "  --relay-url URL        relay websocket URL (default ws://localhost:8080/ws)")
	fmt.Fprintln(w, "  --peer-id ID           local peer ID (default random)")
	fmt.Fprintln(w, "  --port N               virtual port (relay) or UDP port (quic), default 1337")
	fmt.Fprintln(w, "  --transport NAME       relay or quic (default relay)")
	fmt.Fprintln(w, "  --listen               quic: wait for the receiver to dial in")
	fmt.Fprintln(w, "  --stun-server ADDR     quic: print the public address before listening")
	fmt.Fprintln(w, "  --ext EXT              file extension (default .mp3)")
	fmt.Fprintln(w, "  --connect-attempts N   connection attempts (default 5)")
	fmt.Fprintln(w, "  --retry-delay D        delay between attempts (default 2s)")
	fmt.Fprintln(w, "  --ack-timeout D        chunk acknowledgement timeout (default 1s)")
	fmt.Fprintln(w, "  --no-ui                plain progress lines instead of the interactive view")
	fmt.Fprintln(w, "  --log-file PATH        log destination while the interactive view is shown")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}
