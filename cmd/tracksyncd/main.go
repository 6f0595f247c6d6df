package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/tracksync/internal/config"
	"github.com/sheerbytes/tracksync/internal/logging"
	"github.com/sheerbytes/tracksync/internal/relay"
	"github.com/sheerbytes/tracksync/internal/termio"
)

const (
	serverVersion   = "v0.1.0"
	reapInterval    = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

func main() {
	termio.Init()
	code := run()
	termio.Flush()
	os.Exit(code)
}

func run() int {
	if hasHelpFlag(os.Args[1:]) {
		printServerUsage(termio.Stderr())
		return 0
	}
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintln(termio.Stdout(), serverVersion)
		return 0
	}
	cfg := config.ParseServerConfig()
	logger := logging.NewWithWriter(termio.Stdout(), "tracksyncd", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := relay.New(cfg, logger)
	go srv.Reap(ctx, reapInterval)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	logger.Info("relay listening", "addr", cfg.Addr, "room_ttl", cfg.RoomTTL, "version", serverVersion)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return 0
}

func printServerUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: tracksyncd [flags]")
	fmt.Fprintln(w, "flags:")
	fmt.Fprintln(w, "  -addr ADDR               listen address (default :8080, env TRACKSYNC_ADDR)")
	fmt.Fprintln(w, "  -log-level LEVEL         debug, info, warn, error (default info)")
	fmt.Fprintln(w, "  -room-ttl D              drop rooms idle for longer than this (default 30m)")
	fmt.Fprintln(w, "  -max-message-bytes N     maximum websocket frame size (default 1MiB)")
	fmt.Fprintln(w, "  -idle-timeout D          websocket idle timeout, 0 disables (default 60s)")
	fmt.Fprintln(w, "  -joins-per-min N         joins per client IP per minute, 0 disables (default 60)")
	fmt.Fprintln(w, "  -join-burst N            burst allowance for joins (default 10)")
	fmt.Fprintln(w, "  -max-conns N             concurrent websocket connections, 0 is unlimited")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
