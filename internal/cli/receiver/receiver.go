// Package receiver implements the "tracksync receive" subcommand: accept the
// files a peer offers into the shared library.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sheerbytes/tracksync/internal/cli"
	"github.com/sheerbytes/tracksync/internal/config"
	"github.com/sheerbytes/tracksync/internal/controller"
	"github.com/sheerbytes/tracksync/internal/library"
)

// Run parses args and runs one receive session. It returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if hasHelpFlag(args) {
		printReceiverUsage(stderr)
		return 0
	}

	cfg := config.ParseClientConfig("receive", args)
	if cfg.Target == "" {
		fmt.Fprintln(stderr, "missing --peer")
		printReceiverUsage(stderr)
		return 2
	}

	interactive := cli.Interactive(cfg, stdout)
	logger, closeLog, err := cli.NewLogger("tracksync", cfg, interactive, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer closeLog()

	lib := library.New(cfg.SharedDir, cfg.PersonalDir, cfg.Extension, logger)
	if err := lib.EnsureDirs(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	tracks, err := lib.List()
	if err != nil {
		logger.Warn("cannot list shared library", "error", err)
	}
	personal, err := lib.ListPersonal()
	if err != nil {
		logger.Debug("personal library unavailable", "dir", cfg.PersonalDir, "error", err)
	}
	if !interactive {
		fmt.Fprintf(stdout, "receiving from %s into %s (%d tracks present, %d personal)\n", cfg.Target, cfg.SharedDir, len(tracks), len(personal))
	}

	err = cli.Execute(ctx, cfg, cli.Env{Stdout: stdout, Logger: logger}, tracks, func(ctx context.Context, c *controller.Controller) error {
		return c.StartReceiving(ctx, cfg.Target)
	})
	switch {
	case err == nil:
		return 0
	case errors.Is(err, controller.ErrCancelled):
		return 130
	default:
		fmt.Fprintf(stderr, "receive failed: %v\n", err)
		return 1
	}
}

func printReceiverUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: tracksync receive --peer ID [flags]")
	fmt.Fprintln(w, "  --peer ID              sending peer (relay) or host (quic)")
	fmt.Fprintln(w, "  --relay-url URL        relay websocket URL (default ws://localhost:8080/ws)")
	fmt.Fprintln(w, "  --peer-id ID           local peer ID (default random)")
	fmt.Fprintln(w, "  --port N               virtual port (relay) or UDP port (quic), default 1337")
	fmt.Fprintln(w, "  --transport NAME       relay or quic (default relay)")
	fmt.Fprintln(w, "  --shared-dir DIR       shared library, where files are saved (default SharedMusic)")
	fmt.Fprintln(w, "  --personal-dir DIR     personal library, checked before downloading (default Music)")
	fmt.Fprintln(w, "  --purge-on-cancel      delete files saved by a cancelled download")
	fmt.Fprintln(w, "  --no-ui                plain progress lines instead of the interactive view")
	fmt.Fprintln(w, "  --log-file PATH        log destination while the interactive view is shown")
	fmt.Fprintln(w, "keys: esc cancel, space play/pause, n next, p prev, s stop")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}
